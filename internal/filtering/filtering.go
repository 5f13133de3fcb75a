package filtering

import (
	"context"
	"fmt"

	"github.com/spigell/job-responder/internal/model"
	"go.uber.org/zap"
)

// Filter represents a single filtering step applied to postings before scoring.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Validate(cfg *Config) error
	Apply(ctx context.Context, deps Deps, postings []model.JobPosting) ([]model.JobPosting, Step, error)
}

// SeenChecker answers whether a posting identity was already decided on.
type SeenChecker interface {
	Seen(ctx context.Context, id model.Identity) (bool, error)
}

// Deps aggregates dependencies shared across all filtering steps.
type Deps struct {
	Ledger SeenChecker
	Logger *zap.Logger
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// Config contains configuration settings consumed by the filters.
type Config struct {
	Employers     []string
	ExcludeTitles []string
	ExcludeFile   string
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string            `json:"name"`
	Enabled bool              `json:"enabled"`
	Reason  string            `json:"reason,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type statusProvider interface {
	Status() Status
}

// Default returns the configurable chain. The ledger step is not part of it:
// callers put NewSeen in front themselves.
func Default() []Filter {
	return []Filter{
		NewEmployers(),
		NewTitles(),
		NewExcludeFile(),
	}
}

// Validate checks every enabled step against cfg.
func Validate(cfg *Config, steps []Filter) error {
	for _, step := range steps {
		if !step.IsEnabled() {
			continue
		}
		if err := step.Validate(cfg); err != nil {
			return fmt.Errorf("%s: %w", step.Name(), err)
		}
	}
	return nil
}

// Run executes the supplied filters sequentially and returns the postings left.
// Validate must have been called with the same steps beforehand.
func Run(ctx context.Context, deps Deps, steps []Filter, postings []model.JobPosting) ([]model.JobPosting, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, step := range steps {
		if !step.IsEnabled() {
			logger.Debug("filter disabled", zap.String("name", step.Name()))
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, info, err := step.Apply(ctx, deps, postings)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}

		logger.Info("filter step",
			zap.String("name", step.Name()),
			zap.Int("initial", info.Initial),
			zap.Int("dropped", info.Dropped),
			zap.Int("left", info.Left),
		)

		postings = next
	}

	return postings, nil
}

// Describe returns status entries for the provided filters.
func Describe(steps []Filter) []Status {
	statuses := make([]Status, 0, len(steps))
	for _, step := range steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}

// keep returns the postings for which drop is false and the external ids removed.
func keep(postings []model.JobPosting, drop func(p *model.JobPosting) bool) ([]model.JobPosting, []string) {
	out := make([]model.JobPosting, 0, len(postings))
	dropped := make([]string, 0)
	for i := range postings {
		if drop(&postings[i]) {
			dropped = append(dropped, postings[i].SourceID+":"+postings[i].ExternalID)
			continue
		}
		out = append(out, postings[i])
	}
	return out, dropped
}
