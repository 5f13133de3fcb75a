package filtering

import (
	"context"
	"fmt"

	"github.com/spigell/job-responder/internal/model"
	"go.uber.org/zap"
)

// SeenName is the name of the ledger step.
const SeenName = "seen"

type seenFilter struct{}

// NewSeen creates a filter that removes postings already recorded in the ledger.
// It cannot be disabled.
func NewSeen() Filter {
	return &seenFilter{}
}

func (f *seenFilter) Name() string { return SeenName }

func (f *seenFilter) Disable(string) {}

func (f *seenFilter) IsEnabled() bool { return true }

func (f *seenFilter) Validate(*Config) error { return nil }

func (f *seenFilter) Apply(ctx context.Context, deps Deps, postings []model.JobPosting) ([]model.JobPosting, Step, error) {
	initial := len(postings)
	if deps.Ledger == nil {
		return nil, Step{}, fmt.Errorf("ledger is required")
	}

	var lookupErr error
	left, dropped := keep(postings, func(p *model.JobPosting) bool {
		if lookupErr != nil {
			return false
		}
		seen, err := deps.Ledger.Seen(ctx, p.Identity())
		if err != nil {
			lookupErr = err
			return false
		}
		return seen
	})
	if lookupErr != nil {
		return nil, Step{}, fmt.Errorf("ledger lookup: %w", lookupErr)
	}

	if deps.Logger != nil && len(dropped) > 0 {
		deps.Logger.Info("excluding postings already decided on",
			zap.Strings("excluded_postings", dropped),
			zap.Int("postings_left", len(left)),
		)
	}

	return left, Step{Initial: initial, Dropped: len(dropped), Left: len(left)}, nil
}

func (f *seenFilter) Status() Status {
	return Status{Name: f.Name(), Enabled: true}
}
