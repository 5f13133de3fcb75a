package filtering

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/model"
)

type titlesFilter struct {
	keywords []string
}

// NewTitles creates a filter that removes postings whose title contains an excluded keyword.
func NewTitles() Filter {
	return &titlesFilter{}
}

func (f *titlesFilter) Name() string { return "titles" }

func (f *titlesFilter) Disable(string) {}

func (f *titlesFilter) IsEnabled() bool { return true }

func (f *titlesFilter) Validate(cfg *Config) error {
	f.keywords = nil
	if cfg == nil {
		return nil
	}
	for _, k := range cfg.ExcludeTitles {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			f.keywords = append(f.keywords, k)
		}
	}
	return nil
}

func (f *titlesFilter) Apply(_ context.Context, deps Deps, postings []model.JobPosting) ([]model.JobPosting, Step, error) {
	initial := len(postings)
	if len(f.keywords) == 0 {
		return postings, Step{Initial: initial, Dropped: 0, Left: initial}, nil
	}

	left, dropped := keep(postings, func(p *model.JobPosting) bool {
		title := strings.ToLower(p.Title)
		for _, k := range f.keywords {
			if strings.Contains(title, k) {
				return true
			}
		}
		return false
	})

	if deps.Logger != nil && len(dropped) > 0 {
		deps.Logger.Info("excluding postings by title keywords",
			zap.Strings("keywords", f.keywords),
			zap.Strings("excluded_postings", dropped),
			zap.Int("postings_left", len(left)),
		)
	}

	return left, Step{Initial: initial, Dropped: len(dropped), Left: len(left)}, nil
}

func (f *titlesFilter) Status() Status {
	details := map[string]string{}
	if len(f.keywords) > 0 {
		details["keywords"] = strings.Join(f.keywords, ",")
	}
	return Status{Name: f.Name(), Enabled: true, Details: details}
}
