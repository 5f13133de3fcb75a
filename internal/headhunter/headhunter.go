package headhunter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/source"
)

const (
	// SourceID is the source identifier stamped on every posting from hh.ru.
	SourceID    = "hh"
	apiURL      = "https://api.hh.ru"
	mineResumID = "mine"
	userAgent   = "spigell/job-responder (spigelly@gmail.com)"
	// Max value for search per page.
	perPage = "100"
)

type Options struct {
	Token    string
	ResumeID string
	Message  string
	// Defaults merged into every search.
	Search SearchParams
	// FetchDetails requests every vacancy to get key skills and the full description.
	FetchDetails bool
	MaxPages     int
}

type Client struct {
	token      string
	resumeID   string
	message    string
	defaults   SearchParams
	details    bool
	maxPages   int
	logger     *zap.Logger
	HTTPClient *http.Client
	UserAgent  string
	APIURL     string
}

var (
	_ source.Adapter         = (*Client)(nil)
	_ source.OutcomeReporter = (*Client)(nil)
)

func New(logger *zap.Logger, opts Options) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		token:    strings.TrimSpace(opts.Token),
		resumeID: strings.TrimSpace(opts.ResumeID),
		message:  opts.Message,
		defaults: opts.Search,
		details:  opts.FetchDetails,
		maxPages: opts.MaxPages,
		APIURL:   apiURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:    logger.With(zap.String("source", SourceID)),
		UserAgent: userAgent,
	}
}

func (c *Client) Name() string { return SourceID }

// SetResume selects the resume used for applications.
func (c *Client) SetResume(id string) {
	c.resumeID = strings.TrimSpace(id)
}

func (c *Client) ResumeID() string { return c.resumeID }

// Search maps the generic parameters onto hh.ru search and returns postings
// that can be applied to. Vacancies with a mandatory test are skipped.
func (c *Client) Search(ctx context.Context, params source.SearchParams) ([]model.JobPosting, error) {
	q := c.defaults
	if text := strings.TrimSpace(params.Text); text != "" {
		q.Text = text
	}
	if area, ok := areaFromLocation(params.Location); ok {
		q.Areas = []int{area}
	} else if params.Location != "" {
		c.logger.Debug("location is not an hh.ru area id; using configured areas", zap.String("location", params.Location))
	}

	vacancies, err := c.search(ctx, &q)
	if err != nil {
		return nil, err
	}

	excluded := vacancies.ExcludeWithTest()
	if len(excluded) > 0 {
		c.logger.Info("excluding vacancies with tests. It is impossible to apply them",
			zap.Strings("excluded_vacancies", excluded),
			zap.Int("vacancies_left", vacancies.Len()),
		)
	}

	limit := params.Limit
	postings := make([]model.JobPosting, 0, vacancies.Len())
	for _, v := range vacancies.Items {
		if limit > 0 && len(postings) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		detailed := v
		if c.details {
			full, err := c.GetVacancy(ctx, v.ID)
			switch {
			case err == nil && full != nil:
				detailed = full
			case err != nil:
				c.logger.Debug("fetching detailed vacancy failed", zap.String("vacancy_id", v.ID), zap.Error(err))
			}
		}

		postings = append(postings, detailed.ToPosting())
	}

	c.logger.Debug("hh.ru search finished", zap.Int("postings", len(postings)))
	return postings, nil
}

// Apply posts a negotiation for the posting with the configured resume and message.
func (c *Client) Apply(ctx context.Context, posting model.JobPosting, _ *model.CandidateProfile) (model.Outcome, error) {
	if c.resumeID == "" {
		return model.OutcomeError, fmt.Errorf("hh.ru resume id is not configured")
	}
	if posting.SourceID != SourceID {
		return model.OutcomeError, fmt.Errorf("posting from %q cannot be applied via %s", posting.SourceID, SourceID)
	}

	if err := c.postNegotiation(ctx, c.resumeID, posting.ExternalID, c.message); err != nil {
		return model.OutcomeError, err
	}

	c.logger.Info("applied to vacancy",
		zap.String("vacancy_id", posting.ExternalID),
		zap.String("title", posting.Title),
		zap.String("employer", posting.Company),
	)
	return model.OutcomePending, nil
}

// Outcomes reads the negotiation list and reports final states for the given vacancy ids.
func (c *Client) Outcomes(ctx context.Context, externalIDs []string) (map[string]model.Outcome, error) {
	wanted := make(map[string]struct{}, len(externalIDs))
	for _, id := range externalIDs {
		wanted[id] = struct{}{}
	}

	negotiations, err := c.GetNegotiations(ctx, allStatuses)
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.Outcome)
	for _, n := range *negotiations {
		if n == nil || n.Vacancy == nil {
			continue
		}
		if _, ok := wanted[n.Vacancy.ID]; !ok {
			continue
		}
		if outcome, ok := n.Outcome(); ok {
			out[n.Vacancy.ID] = outcome
		}
	}
	return out, nil
}

func (c *Client) GetMineResumes(ctx context.Context) (*Resumes, error) {
	return c.getResumes(ctx, mineResumID)
}
