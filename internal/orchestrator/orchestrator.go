// Package orchestrator drives run-cycles: fetch postings from every source,
// score them, pick the best within the daily quota, apply, and record outcomes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/feedback"
	"github.com/spigell/job-responder/internal/filtering"
	"github.com/spigell/job-responder/internal/ledger"
	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/notify"
	"github.com/spigell/job-responder/internal/quota"
	"github.com/spigell/job-responder/internal/records"
	"github.com/spigell/job-responder/internal/retry"
	"github.com/spigell/job-responder/internal/scoring"
	"github.com/spigell/job-responder/internal/source"
	"github.com/spigell/job-responder/internal/weights"
)

const (
	DefaultMaxJobsPerRun = 5
	DefaultInterval      = 4 * time.Hour
)

// ErrCycleInProgress is returned when a cycle is requested while another one runs.
var ErrCycleInProgress = errors.New("run cycle already in progress")

type State int32

const (
	StateIdle State = iota
	StateFetching
	StateScoring
	StateSelecting
	StateApplying
	StateRecording
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateFetching:  "fetching",
	StateScoring:   "scoring",
	StateSelecting: "selecting",
	StateApplying:  "applying",
	StateRecording: "recording",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Config struct {
	// MaxJobsPerRun caps applications per cycle. Zero or less means only the daily quota applies.
	MaxJobsPerRun int
	Search        source.SearchParams
	Interval      time.Duration
	// DryRun scores and selects without applying or writing the ledger.
	DryRun  bool
	Filters filtering.Config
}

// Candidate is a scored posting waiting for a decision.
type Candidate struct {
	Posting model.JobPosting `json:"posting"`
	Score   model.MatchScore `json:"score"`
	Source  string           `json:"source"`
	// CompanyPreference is the learned employer preference, used to break score ties.
	CompanyPreference float64 `json:"company_preference"`
}

// Approver may veto part of the selection before anything is applied.
type Approver interface {
	Approve(ctx context.Context, selected []Candidate) ([]Candidate, error)
}

type ApproverFunc func(ctx context.Context, selected []Candidate) ([]Candidate, error)

func (f ApproverFunc) Approve(ctx context.Context, selected []Candidate) ([]Candidate, error) {
	return f(ctx, selected)
}

type Deps struct {
	Profile  *model.CandidateProfile
	Sources  []source.Adapter
	Scorer   *scoring.Scorer
	Weights  *weights.Store
	Ledger   *ledger.Ledger
	Quota    *quota.Counter
	Records  *records.Log
	Feedback *feedback.Processor
	Retry    *retry.Retrier
	Notifier notify.Notifier
	Approver Approver
	// Filters default to filtering.Default(). The ledger step always runs
	// first and is not part of this list.
	Filters []filtering.Filter
	Logger  *zap.Logger
	Now     func() time.Time
}

type Orchestrator struct {
	cfg      Config
	profile  *model.CandidateProfile
	sources  []source.Adapter
	scorer   *scoring.Scorer
	weights  *weights.Store
	ledger   *ledger.Ledger
	quota    *quota.Counter
	records  *records.Log
	feedback *feedback.Processor
	retry    *retry.Retrier
	notifier notify.Notifier
	approver Approver
	filters  []filtering.Filter
	logger   *zap.Logger
	now      func() time.Time

	state   atomic.Int32
	trigger chan struct{}

	mu   sync.RWMutex
	last *CycleReport
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Profile == nil:
		return nil, errors.New("orchestrator needs a candidate profile")
	case len(deps.Sources) == 0:
		return nil, errors.New("orchestrator needs at least one source adapter")
	case deps.Scorer == nil, deps.Weights == nil, deps.Feedback == nil:
		return nil, errors.New("orchestrator needs the scorer, the weight store and the feedback processor")
	case deps.Ledger == nil, deps.Quota == nil, deps.Records == nil:
		return nil, errors.New("orchestrator needs the ledger, the quota counter and the record log")
	}
	if err := deps.Profile.Validate(); err != nil {
		return nil, err
	}

	names := make(map[string]struct{}, len(deps.Sources))
	for _, s := range deps.Sources {
		if _, dup := names[s.Name()]; dup {
			return nil, fmt.Errorf("source %q registered twice", s.Name())
		}
		names[s.Name()] = struct{}{}
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.DefaultPolicy(), deps.Logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Filters == nil {
		deps.Filters = filtering.Default()
	}
	chain := []filtering.Filter{filtering.NewSeen()}
	for _, f := range deps.Filters {
		if f.Name() == filtering.SeenName {
			continue
		}
		chain = append(chain, f)
	}
	if err := filtering.Validate(&cfg.Filters, chain); err != nil {
		return nil, fmt.Errorf("validating filters: %w", err)
	}

	return &Orchestrator{
		cfg:      cfg,
		profile:  deps.Profile,
		sources:  deps.Sources,
		scorer:   deps.Scorer,
		weights:  deps.Weights,
		ledger:   deps.Ledger,
		quota:    deps.Quota,
		records:  deps.Records,
		feedback: deps.Feedback,
		retry:    deps.Retry,
		notifier: deps.Notifier,
		approver: deps.Approver,
		filters:  chain,
		logger:   deps.Logger.With(zap.String("component", "orchestrator")),
		now:      deps.Now,
		trigger:  make(chan struct{}, 1),
	}, nil
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.logger.Debug("state changed", zap.Stringer("state", s))
}

// Filters reports the configured pre-filter chain.
func (o *Orchestrator) Filters() []filtering.Status {
	return filtering.Describe(o.filters)
}

// Run executes a cycle right away and then one per interval until ctx is done.
// Ticks that arrive while a cycle is still running are dropped.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	start := func(reason string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.scheduled(ctx, reason)
		}()
	}

	o.notify(ctx, notify.Event{
		Type:    notify.EventAgentStarted,
		Message: "agent started",
		Data: map[string]any{
			"interval": o.cfg.Interval.String(),
			"sources":  o.sourceNames(),
			"dry_run":  o.cfg.DryRun,
		},
	})

	start("startup")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("scheduler stopped", zap.Error(ctx.Err()))
			return nil
		case <-ticker.C:
			start("timer")
		case <-o.trigger:
			start("manual")
		}
	}
}

func (o *Orchestrator) scheduled(ctx context.Context, reason string) {
	_, err := o.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInProgress):
		o.logger.Info("tick dropped", zap.String("reason", reason), zap.String("cause", "previous cycle still running"))
	case errors.Is(err, context.Canceled):
		o.logger.Info("cycle cancelled", zap.String("reason", reason))
	default:
		o.logger.Error("cycle failed", zap.String("reason", reason), zap.Error(err))
	}
}

// Trigger asks Run for a cycle outside the schedule.
func (o *Orchestrator) Trigger() error {
	if o.State() != StateIdle {
		return ErrCycleInProgress
	}
	select {
	case o.trigger <- struct{}{}:
	default:
	}
	return nil
}

func (o *Orchestrator) sourceNames() []string {
	names := make([]string, 0, len(o.sources))
	for _, s := range o.sources {
		names = append(names, s.Name())
	}
	return names
}

func (o *Orchestrator) notify(ctx context.Context, ev notify.Event) {
	if ev.Time.IsZero() {
		ev.Time = o.now()
	}
	if err := o.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("notification failed", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}
