package filtering

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/model"
)

type employersFilter struct {
	employers map[string]struct{}
	raw       []string
}

// NewEmployers creates a filter that removes postings by employers configured in the config.
// An employer matches by company id or by company name, case-insensitively.
func NewEmployers() Filter {
	return &employersFilter{}
}

func (f *employersFilter) Name() string { return "employers" }

func (f *employersFilter) Disable(string) {}

func (f *employersFilter) IsEnabled() bool { return true }

func (f *employersFilter) Validate(cfg *Config) error {
	f.employers = make(map[string]struct{})
	f.raw = nil
	if cfg == nil {
		return nil
	}
	for _, e := range cfg.Employers {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		f.employers[e] = struct{}{}
		f.raw = append(f.raw, e)
	}
	return nil
}

func (f *employersFilter) Apply(_ context.Context, deps Deps, postings []model.JobPosting) ([]model.JobPosting, Step, error) {
	initial := len(postings)
	if len(f.employers) == 0 {
		return postings, Step{Initial: initial, Dropped: 0, Left: initial}, nil
	}

	left, dropped := keep(postings, func(p *model.JobPosting) bool {
		for _, candidate := range []string{p.CompanyID, p.Company} {
			if _, ok := f.employers[strings.ToLower(strings.TrimSpace(candidate))]; ok && candidate != "" {
				return true
			}
		}
		return false
	})

	if deps.Logger != nil && len(dropped) > 0 {
		deps.Logger.Info("excluding postings by employers",
			zap.Strings("excluded_employers", f.raw),
			zap.Strings("excluded_postings", dropped),
			zap.Int("postings_left", len(left)),
		)
	}

	return left, Step{Initial: initial, Dropped: len(dropped), Left: len(left)}, nil
}

func (f *employersFilter) Status() Status {
	details := map[string]string{}
	if len(f.raw) > 0 {
		details["employers"] = strings.Join(f.raw, ",")
	}
	return Status{Name: f.Name(), Enabled: true, Details: details}
}
