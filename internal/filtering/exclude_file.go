package filtering

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/model"
)

// ExcludedPosting is one entry of the exclude file.
type ExcludedPosting struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
	Reason     string `json:"reason,omitempty"`
}

type ExcludedPostings struct {
	Items []ExcludedPosting `json:"items"`
}

// LoadExcludeFile reads a JSON exclude file. An empty file means nothing is excluded.
func LoadExcludeFile(path string) (*ExcludedPostings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return &ExcludedPostings{}, nil
	}

	var excluded ExcludedPostings
	if err := json.Unmarshal(data, &excluded); err != nil {
		return nil, err
	}
	return &excluded, nil
}

type excludeFileFilter struct {
	path     string
	disabled bool
	reason   string
}

// NewExcludeFile creates a filter that removes postings listed in the exclude file.
func NewExcludeFile() Filter {
	return &excludeFileFilter{}
}

func (f *excludeFileFilter) Name() string { return "exclude_file" }

func (f *excludeFileFilter) Disable(reason string) {
	f.disabled = true
	f.reason = reason
}

func (f *excludeFileFilter) IsEnabled() bool { return !f.disabled }

func (f *excludeFileFilter) Validate(cfg *Config) error {
	f.path = ""
	if cfg != nil {
		f.path = strings.TrimSpace(cfg.ExcludeFile)
	}
	if f.path == "" {
		f.Disable("no exclude file configured")
	}
	return nil
}

func (f *excludeFileFilter) Apply(_ context.Context, deps Deps, postings []model.JobPosting) ([]model.JobPosting, Step, error) {
	initial := len(postings)
	if f.path == "" {
		return postings, Step{Initial: initial, Dropped: 0, Left: initial}, nil
	}

	excluded, err := LoadExcludeFile(f.path)
	if err != nil {
		return nil, Step{}, fmt.Errorf("getting excluded postings from file: %w", err)
	}

	ids := make(map[model.Identity]struct{}, len(excluded.Items))
	for _, item := range excluded.Items {
		ids[model.NewIdentity(item.Source, item.ExternalID)] = struct{}{}
	}

	left, dropped := keep(postings, func(p *model.JobPosting) bool {
		_, ok := ids[p.Identity()]
		return ok
	})

	if deps.Logger != nil && len(dropped) > 0 {
		deps.Logger.Info("excluding postings based on exclude file",
			zap.String("path", f.path),
			zap.Strings("excluded_postings", dropped),
			zap.Int("postings_left", len(left)),
		)
	}

	return left, Step{Initial: initial, Dropped: len(dropped), Left: len(left)}, nil
}

func (f *excludeFileFilter) Status() Status {
	details := map[string]string{}
	if f.path != "" {
		details["path"] = f.path
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
