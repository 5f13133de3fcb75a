// Package source defines the contract every job board adapter implements.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/spigell/job-responder/internal/model"
)

var (
	// ErrSourceUnavailable is transient: network failures, 5xx, timeouts.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrAuth is permanent for the cycle. The adapter contributes nothing.
	ErrAuth = errors.New("source authentication failed")
	// ErrAlreadyApplied means the board already has an application for the posting.
	ErrAlreadyApplied = errors.New("already applied")
)

type SearchParams struct {
	Text     string `mapstructure:"text"`
	Location string `mapstructure:"location"`
	Radius   int    `mapstructure:"radius"`
	// Limit caps the number of postings an adapter returns; 0 means adapter default.
	Limit int `mapstructure:"limit"`
}

type Adapter interface {
	Name() string
	Search(ctx context.Context, params SearchParams) ([]model.JobPosting, error)
	Apply(ctx context.Context, posting model.JobPosting, profile *model.CandidateProfile) (model.Outcome, error)
}

// OutcomeReporter is implemented by adapters that can tell how earlier applications ended.
// The result only contains terminal outcomes, keyed by external id.
type OutcomeReporter interface {
	Outcomes(ctx context.Context, externalIDs []string) (map[string]model.Outcome, error)
}

// Error carries the adapter name and operation alongside one of the sentinels above.
type Error struct {
	Source string
	Op     string
	Kind   error
	Cause  error
}

func (e *Error) Error() string {
	if e.Kind == nil {
		return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Cause)
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Source, e.Op, e.Kind, e.Cause)
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

func Unavailable(source, op string, cause error) error {
	return &Error{Source: source, Op: op, Kind: ErrSourceUnavailable, Cause: cause}
}

func Auth(source, op string, cause error) error {
	return &Error{Source: source, Op: op, Kind: ErrAuth, Cause: cause}
}

func AlreadyApplied(source, op string, cause error) error {
	return &Error{Source: source, Op: op, Kind: ErrAlreadyApplied, Cause: cause}
}
