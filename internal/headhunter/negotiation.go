package headhunter

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spigell/job-responder/internal/model"
)

const (
	apiNegotiataionPath       = "/negotiations"
	allStatuses               = "all"
	allStatusesExceptArchived = "non_archived"
)

type Negotations []*Negotiation

type Negotiation struct {
	ID        string     `json:"id"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at"`
	URL       string     `json:"url"`
	State     Dictionary `json:"state"`
	Vacancy   *Vacancy   `json:"vacancy"`
}

// Negotiation states that say something final about the response.
var negotiationOutcomes = map[string]model.Outcome{
	"invitation": model.OutcomeSuccess,
	"interview":  model.OutcomeSuccess,
	"offer":      model.OutcomeSuccess,
	"hired":      model.OutcomeSuccess,
	"discard":    model.OutcomeRejected,
}

// Outcome reports the terminal outcome of the negotiation, if there is one yet.
func (n *Negotiation) Outcome() (model.Outcome, bool) {
	outcome, ok := negotiationOutcomes[n.State.ID]
	return outcome, ok
}

func (c *Client) GetNegotiations(ctx context.Context, status string) (*Negotations, error) {
	apiURLMineNegotations := fmt.Sprintf("%s%s", c.APIURL, apiNegotiataionPath)

	if status == "" {
		status = allStatusesExceptArchived
	}

	q := url.Values{}
	q.Add("status", status)
	// Set per_page max as possible. It should be faster.
	q.Add("per_page", perPage)

	items, err := c.GetItems(ctx, apiURLMineNegotations, q)
	if err != nil {
		return nil, err
	}

	var negotations Negotations
	if err = decodeItems(items, &negotations); err != nil {
		return nil, fmt.Errorf("decode negotiations: %w", err)
	}

	return &negotations, nil
}

func (n *Negotations) VacanciesIDs() []string {
	ids := make([]string, 0, len(*n))

	for _, v := range *n {
		if v.Vacancy != nil {
			ids = append(ids, v.Vacancy.ID)
		}
	}

	return ids
}

func (c *Client) postNegotiation(ctx context.Context, resume, vacancy, message string) error {
	apiURLMineNegotations := fmt.Sprintf("%s%s", c.APIURL, apiNegotiataionPath)

	data := map[string]string{
		"resume_id":  resume,
		"vacancy_id": vacancy,
	}
	if message != "" {
		data["message"] = message
	}

	return c.postFormData(ctx, apiURLMineNegotations, data)
}
