package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/job-responder/internal/ai"
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
	"github.com/spigell/job-responder/internal/store"
	"github.com/spigell/job-responder/internal/weights"
)

var today = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	name string

	mu       sync.Mutex
	postings []model.JobPosting
	block    chan struct{}
	// hold blocks Search regardless of ctx, like a request already on the wire.
	hold        chan struct{}
	searchErr   error
	searchCalls int
	applyErrs   map[string][]error
	applyCalls  int
	applied     []string
	onApply     func()
}

func newAdapter(name string, postings ...model.JobPosting) *fakeAdapter {
	return &fakeAdapter{name: name, postings: postings, applyErrs: map[string][]error{}}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Search(ctx context.Context, _ source.SearchParams) ([]model.JobPosting, error) {
	f.mu.Lock()
	f.searchCalls++
	block, hold, err := f.block, f.hold, f.searchErr
	out := append([]model.JobPosting(nil), f.postings...)
	f.mu.Unlock()

	if hold != nil {
		<-hold
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeAdapter) Apply(_ context.Context, posting model.JobPosting, _ *model.CandidateProfile) (model.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	if f.onApply != nil {
		f.onApply()
	}

	if queue := f.applyErrs[posting.ExternalID]; len(queue) > 0 {
		err := queue[0]
		f.applyErrs[posting.ExternalID] = queue[1:]
		if err != nil {
			return "", err
		}
	}
	f.applied = append(f.applied, posting.ExternalID)
	return model.OutcomePending, nil
}

func (f *fakeAdapter) setPostings(postings ...model.JobPosting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postings = postings
}

func (f *fakeAdapter) searches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalls
}

func (f *fakeAdapter) appliedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

type reportingAdapter struct {
	*fakeAdapter
	outcomes map[string]model.Outcome
	asked    []string
}

func (r *reportingAdapter) Outcomes(_ context.Context, ids []string) (map[string]model.Outcome, error) {
	r.asked = append(r.asked, ids...)
	return r.outcomes, nil
}

// failingStore rejects writes under prefix once armed.
type failingStore struct {
	store.Store
	prefix string
	armed  bool
}

func (f *failingStore) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (int64, error) {
	if f.armed && strings.HasPrefix(key, f.prefix) {
		return 0, store.ErrUnavailable
	}
	return f.Store.CompareAndSwap(ctx, key, version, value)
}

type options struct {
	cfg      Config
	policy   retry.Policy
	embedder ai.Embedder
	store    store.Store
	approver Approver
	filters  []filtering.Filter
	logger   *zap.Logger
	adapters []source.Adapter
}

type fixture struct {
	orch     *Orchestrator
	ledger   *ledger.Ledger
	quota    *quota.Counter
	records  *records.Log
	weights  *weights.Store
	feedback *feedback.Processor

	mu     sync.Mutex
	events []notify.Event
}

func (f *fixture) eventTypes() []notify.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notify.EventType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

func testProfile() *model.CandidateProfile {
	return &model.CandidateProfile{
		Skills:             []model.Skill{{Name: "Go", Proficiency: 1}, {Name: "SQL", Proficiency: 0.5}},
		ExperienceYears:    5,
		EducationLevel:     model.EducationBachelor,
		PreferredLocations: []string{"Berlin", "remote"},
		RawText:            "Go developer with SQL",
	}
}

func posting(src, id string, posted time.Time, skills ...string) model.JobPosting {
	return model.JobPosting{
		SourceID:       src,
		ExternalID:     id,
		Title:          "Engineer " + id,
		Description:    "Backend work",
		Location:       "Berlin",
		PostedAt:       posted,
		RequiredSkills: skills,
	}
}

func constantEmbedder() ai.Embedder {
	return ai.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return []float32{1, 0}, nil
	})
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()

	if opts.store == nil {
		opts.store = store.NewMemory()
	}
	if opts.embedder == nil {
		opts.embedder = constantEmbedder()
	}
	if opts.policy.MaxAttempts == 0 {
		opts.policy = retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
			MaxElapsed:  5 * time.Second,
			Timeout:     50 * time.Millisecond,
		}
	}
	if opts.cfg.MaxJobsPerRun == 0 {
		opts.cfg.MaxJobsPerRun = 5
	}

	f := &fixture{
		ledger:  ledger.New(opts.store, nil),
		records: records.New(opts.store, nil),
		weights: weights.New(opts.store, nil),
	}

	var err error
	f.quota, err = quota.New(opts.store, 10, nil)
	require.NoError(t, err)

	f.feedback, err = feedback.New(f.weights, f.records, feedback.Config{
		LearningRate:  feedback.DefaultLearningRate,
		CompanyRate:   feedback.DefaultCompanyRate,
		Decay:         feedback.DefaultDecay,
		DecayInterval: feedback.DefaultDecayInterval,
	}, nil)
	require.NoError(t, err)

	scorer, err := scoring.New(opts.embedder, scoring.Config{
		Weights:       scoring.DefaultComponentWeights(),
		MinMatchScore: 0.5,
	}, nil)
	require.NoError(t, err)

	f.orch, err = New(opts.cfg, Deps{
		Profile:  testProfile(),
		Sources:  opts.adapters,
		Scorer:   scorer,
		Weights:  f.weights,
		Ledger:   f.ledger,
		Quota:    f.quota,
		Records:  f.records,
		Feedback: f.feedback,
		Retry:    retry.New(opts.policy, nil),
		Approver: opts.approver,
		Filters:  opts.filters,
		Logger:   opts.logger,
		Notifier: notify.Func(func(_ context.Context, ev notify.Event) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, ev)
			return nil
		}),
		Now: func() time.Time { return today },
	})
	require.NoError(t, err)
	return f
}

func TestQuotaNineOfTenSelectsExactlyOne(t *testing.T) {
	ctx := context.Background()
	a := newAdapter("hh",
		posting("hh", "p2", today.Add(-5*time.Hour), "go", "java"),
		posting("hh", "p3", today.Add(-4*time.Hour), "go", "java", "rust"),
		posting("hh", "p4", today.Add(-3*time.Hour), "go", "sql", "java", "rust"),
		posting("hh", "p5", today.Add(-2*time.Hour), "sql"),
		posting("hh", "p1", today.Add(-1*time.Hour), "go"),
	)
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	for i := 0; i < 9; i++ {
		_, err := f.quota.Reserve(ctx, model.DateKey(today))
		require.NoError(t, err)
	}

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"p1"}, a.appliedIDs(), "only the highest ranked posting fits the quota")
	assert.Equal(t, 1, report.QuotaRemaining)
	assert.Len(t, report.Selected, 1)
	assert.Equal(t, 1, report.Applied)

	usage, err := f.orch.QuotaUsage(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 10, usage.Count)

	seen, err := f.ledger.Seen(ctx, model.NewIdentity("hh", "p2"))
	require.NoError(t, err)
	assert.False(t, seen, "matches cut by the quota stay eligible for another day")
}

func TestSourceTimingOutIsSkipped(t *testing.T) {
	ctx := context.Background()
	slow := newAdapter("a", posting("a", "1", today, "go"))
	slow.block = make(chan struct{})
	b := newAdapter("b", posting("b", "2", today, "go"))
	c := newAdapter("c", posting("c", "3", today, "go"))

	f := newFixture(t, options{adapters: []source.Adapter{slow, b, c}})

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, slow.searchCalls)
	assert.Contains(t, report.SourceErrors, "a")
	assert.NotContains(t, report.Fetched, "a")
	assert.Equal(t, map[string]int{"b": 1, "c": 1}, report.Fetched)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, []string{"2"}, b.appliedIDs())
	assert.Equal(t, []string{"3"}, c.appliedIDs())
	assert.Empty(t, slow.appliedIDs())
}

func TestEditedPostingIsNotRescored(t *testing.T) {
	ctx := context.Background()
	original := posting("hh", "1", today, "go")
	a := newAdapter("hh", original)
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	_, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	edited := original
	edited.Description = "Completely rewritten description"
	a.setPostings(edited)

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Filtered)
	assert.Zero(t, report.Scored)
	assert.Equal(t, []string{"1"}, a.appliedIDs())

	recs, err := f.orch.RecentRecords(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestBelowThresholdIsMarkedSkipped(t *testing.T) {
	ctx := context.Background()
	low := posting("hh", "low", today, "java")
	low.Location = "Tokyo"
	a := newAdapter("hh", low)
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.BelowThreshold)
	assert.Empty(t, a.appliedIDs())

	entry, found, err := f.ledger.Get(ctx, low.Identity())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.DecisionSkipped, entry.Decision)

	usage, err := f.orch.QuotaUsage(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, usage.Count)
}

func TestApplyErrorReleasesQuotaButKeepsSeen(t *testing.T) {
	ctx := context.Background()
	p := posting("hh", "1", today, "go")
	a := newAdapter("hh", p)
	a.applyErrs["1"] = []error{source.Auth("hh", "apply", errors.New("token expired"))}
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, a.applyCalls, "auth errors are not retried")

	usage, err := f.orch.QuotaUsage(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, usage.Count)

	seen, err := f.ledger.Seen(ctx, p.Identity())
	require.NoError(t, err)
	assert.True(t, seen)

	rec, err := f.records.Get(ctx, p.Identity())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeError, rec.Outcome)
	assert.Contains(t, rec.Error, "token expired")
	assert.NotNil(t, rec.ResolvedAt)
	assert.False(t, rec.LearningApplied)
}

func TestAlreadyAppliedConsumesQuota(t *testing.T) {
	ctx := context.Background()
	p := posting("hh", "1", today, "go")
	a := newAdapter("hh", p)
	a.applyErrs["1"] = []error{source.AlreadyApplied("hh", "apply", nil)}
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AlreadyApplied)

	rec, err := f.records.Get(ctx, p.Identity())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePending, rec.Outcome)
	assert.Equal(t, noteAlreadyApplied, rec.Note)

	usage, err := f.orch.QuotaUsage(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Count)
}

func TestTransientApplyFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	a := newAdapter("hh", posting("hh", "1", today, "go"))
	a.applyErrs["1"] = []error{source.Unavailable("hh", "apply", errors.New("502"))}
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, a.applyCalls)
	assert.Equal(t, 1, report.Applied)
}

func TestDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	low := posting("hh", "low", today, "java")
	low.Location = "Tokyo"
	a := newAdapter("hh", posting("hh", "1", today, "go"), low)
	f := newFixture(t, options{cfg: Config{DryRun: true}, adapters: []source.Adapter{a}})

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Len(t, report.Selected, 1)
	assert.Equal(t, 1, report.BelowThreshold)
	assert.Zero(t, a.applyCalls)

	entries, err := f.ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	usage, err := f.orch.QuotaUsage(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, usage.Count)
}

func TestOverlappingCycleIsRejected(t *testing.T) {
	ctx := context.Background()
	a := newAdapter("hh", posting("hh", "1", today, "go"))
	a.block = make(chan struct{})
	f := newFixture(t, options{
		adapters: []source.Adapter{a},
		policy:   retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Timeout: 10 * time.Second},
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.RunCycle(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.orch.State() != StateIdle }, time.Second, time.Millisecond)

	_, err := f.orch.RunCycle(ctx)
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.ErrorIs(t, f.orch.Trigger(), ErrCycleInProgress)

	close(a.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, f.orch.State())
	assert.NotNil(t, f.orch.LastReport())
}

func TestDuplicatesWithinBatch(t *testing.T) {
	ctx := context.Background()
	p := posting("hh", "1", today, "go")
	a := newAdapter("hh", p, p)
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, []string{"1"}, a.appliedIDs())
}

func TestInvalidPostingIsIsolated(t *testing.T) {
	ctx := context.Background()
	bad := posting("hh", "", today, "go")
	a := newAdapter("hh", bad, posting("hh", "1", today, "go"))
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Invalid)
	assert.Equal(t, []string{"1"}, a.appliedIDs())
}

func TestEmbeddingFailureSkipsWithoutMarking(t *testing.T) {
	ctx := context.Background()
	broken := posting("hh", "broken", today, "go")
	broken.Description = "broken text"
	a := newAdapter("hh", broken, posting("hh", "1", today, "go"))

	embedder := ai.EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		if strings.Contains(text, "broken") {
			return nil, errors.New("embedding backend down")
		}
		return []float32{1, 0}, nil
	})
	f := newFixture(t, options{adapters: []source.Adapter{a}, embedder: embedder})

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.ScoreErrors)
	assert.Equal(t, []string{"1"}, a.appliedIDs())

	seen, err := f.ledger.Seen(ctx, broken.Identity())
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestStoreFailureAbortsCycle(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{Store: store.NewMemory(), prefix: "ledger/"}
	a := newAdapter("hh", posting("hh", "1", today, "go"))
	f := newFixture(t, options{adapters: []source.Adapter{a}, store: st})
	st.armed = true

	report, err := f.orch.RunCycle(ctx)
	require.ErrorIs(t, err, store.ErrUnavailable)
	assert.NotEmpty(t, report.Error)
	assert.Zero(t, a.applyCalls, "nothing is applied without a ledger mark")

	usage, err := f.orch.QuotaUsage(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, usage.Count, "the reserved slot is given back")

	assert.Contains(t, f.eventTypes(), notify.EventCycleFailed)
}

func TestApproverCanVeto(t *testing.T) {
	ctx := context.Background()
	a := newAdapter("hh", posting("hh", "1", today, "go"), posting("hh", "2", today, "go", "java"))
	approver := ApproverFunc(func(_ context.Context, selected []Candidate) ([]Candidate, error) {
		require.Len(t, selected, 2)
		return selected[1:], nil
	})
	f := newFixture(t, options{adapters: []source.Adapter{a}, approver: approver})

	_, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, a.appliedIDs())
}

func TestSyncOutcomesResolvesAndLearns(t *testing.T) {
	ctx := context.Background()
	p := posting("hh", "1", today, "go")
	a := &reportingAdapter{fakeAdapter: newAdapter("hh", p), outcomes: map[string]model.Outcome{}}
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	_, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	a.outcomes["1"] = model.OutcomeSuccess
	n, err := f.orch.SyncOutcomes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, a.asked, "1")

	rec, err := f.records.Get(ctx, p.Identity())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, rec.Outcome)
	assert.True(t, rec.LearningApplied)

	w, err := f.orch.SkillWeights(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.1, w.Weight("go"), 1e-9)

	n, err = f.orch.SyncOutcomes(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "resolved records are not asked about again")
}

func TestResolveOutcomeRejectedLowersWeight(t *testing.T) {
	ctx := context.Background()
	p := posting("hh", "1", today, "go", "sql")
	a := newAdapter("hh", p)
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	_, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	rec, err := f.orch.ResolveOutcome(ctx, p.Identity(), model.OutcomeRejected)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, rec.Outcome)

	w, err := f.orch.SkillWeights(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, w.Weight("go"), 1e-9)
	assert.InDelta(t, 0.95, w.Weight("sql"), 1e-9)

	_, err = f.orch.ResolveOutcome(ctx, p.Identity(), model.OutcomeSuccess)
	assert.ErrorIs(t, err, records.ErrAlreadyResolved)
}

func TestCancelledContextStopsBeforeFetching(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newAdapter("hh", posting("hh", "1", today, "go"))
	f := newFixture(t, options{adapters: []source.Adapter{a}, cfg: Config{DryRun: true}})

	_, err := f.orch.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, a.searchCalls)
	assert.Equal(t, StateIdle, f.orch.State())
}

func TestCycleCompletedNotification(t *testing.T) {
	ctx := context.Background()
	a := newAdapter("hh", posting("hh", "1", today, "go"))
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	_, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	types := f.eventTypes()
	assert.Contains(t, types, notify.EventApplicationRecorded)
	assert.Equal(t, notify.EventCycleCompleted, types[len(types)-1])
}

func TestRankOrdering(t *testing.T) {
	mk := func(id string, value float64, posted time.Time) Candidate {
		p := posting("hh", id, posted)
		return Candidate{Posting: p, Score: model.MatchScore{Identity: p.Identity(), Value: value}}
	}

	undated := mk("undated", 0.8, time.Time{})
	late := mk("late", 0.8, today)
	early := mk("early", 0.8, today.Add(-time.Hour))
	best := mk("best", 0.9, today)

	candidates := []Candidate{undated, late, best, early}
	rank(candidates)

	got := make([]string, 0, len(candidates))
	for _, c := range candidates {
		got = append(got, c.Posting.ExternalID)
	}
	assert.Equal(t, []string{"best", "early", "late", "undated"}, got)
}

func TestLedgerStepCannotBeLeftOut(t *testing.T) {
	ctx := context.Background()
	disabled := filtering.NewSeen()
	disabled.Disable("not wanted")

	for name, filters := range map[string][]filtering.Filter{
		"empty chain":     {},
		"disabled ledger": {disabled},
	} {
		t.Run(name, func(t *testing.T) {
			a := newAdapter("hh", posting("hh", "1", today, "go"))
			f := newFixture(t, options{adapters: []source.Adapter{a}, filters: filters})

			_, err := f.orch.RunCycle(ctx)
			require.NoError(t, err)

			report, err := f.orch.RunCycle(ctx)
			require.NoError(t, err)

			assert.Equal(t, []string{"1"}, a.appliedIDs(), "a posting in the ledger is never applied to again")
			assert.Equal(t, 1, report.Filtered)
			assert.Equal(t, filtering.SeenName, f.orch.Filters()[0].Name)
			assert.True(t, f.orch.Filters()[0].Enabled)
		})
	}
}

func TestApplyOneSkipsPostingAlreadyInLedger(t *testing.T) {
	ctx := context.Background()
	p := posting("hh", "1", today, "go")
	a := newAdapter("hh", p)
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	c := Candidate{Posting: p, Score: model.MatchScore{Identity: p.Identity(), Value: 0.9}, Source: "hh"}
	_, err := f.ledger.MarkSeen(ctx, ledgerEntry(c, model.DecisionSkipped, today))
	require.NoError(t, err)

	att, err := f.orch.applyOne(ctx, zap.NewNop(), a, c, model.DateKey(today))
	require.NoError(t, err)
	assert.Nil(t, att)
	assert.Zero(t, a.applyCalls)

	usage, err := f.orch.QuotaUsage(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, usage.Count, "the reserved slot is given back")

	entry, _, err := f.ledger.Get(ctx, p.Identity())
	require.NoError(t, err)
	assert.Equal(t, model.DecisionSkipped, entry.Decision)
}

func TestCancelStopsApplyRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := posting("hh", "1", today, "go")
	a := newAdapter("hh", p)
	a.applyErrs["1"] = []error{
		source.Unavailable("hh", "apply", errors.New("502")),
		source.Unavailable("hh", "apply", errors.New("502")),
	}
	// the cycle is cancelled while the first attempt is on the wire
	a.onApply = cancel
	f := newFixture(t, options{adapters: []source.Adapter{a}})

	_, err := f.orch.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, a.applyCalls, "no new attempt after cancellation")

	rec, err := f.records.Get(context.Background(), p.Identity())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeError, rec.Outcome, "the attempt that went out is recorded")
}

func TestCompanyPreferenceBreaksTies(t *testing.T) {
	mk := func(id, company string, pref float64) Candidate {
		p := posting("hh", id, today)
		p.Company = company
		return Candidate{Posting: p, Score: model.MatchScore{Identity: p.Identity(), Value: 0.8}, CompanyPreference: pref}
	}

	candidates := []Candidate{mk("a", "Globex", 0.3), mk("b", "Acme", 0.7), mk("c", "Initech", model.DefaultCompanyPreference)}
	rank(candidates)

	got := make([]string, 0, len(candidates))
	for _, c := range candidates {
		got = append(got, c.Posting.Company)
	}
	assert.Equal(t, []string{"Acme", "Initech", "Globex"}, got)
}

func TestLearnedCompanyPreferenceReachesSelection(t *testing.T) {
	ctx := context.Background()
	liked := posting("hh", "1", today, "go")
	liked.Company = "Acme"
	other := posting("hh", "2", today, "go")
	other.Company = "Globex"
	a := newAdapter("hh", other, liked)
	f := newFixture(t, options{adapters: []source.Adapter{a}, cfg: Config{MaxJobsPerRun: 1}})

	_, err := f.weights.Apply(ctx, weights.Delta{Company: "acme", CompanyDelta: 0.2})
	require.NoError(t, err)

	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, report.Selected, 1)
	assert.Equal(t, "Acme", report.Selected[0].Posting.Company)
	assert.InDelta(t, 0.7, report.Selected[0].CompanyPreference, 1e-9)
	assert.Equal(t, []string{"1"}, a.appliedIDs())
}

func TestRunStartsRightAwayAndDropsTicksWhileBusy(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	a := newAdapter("hh", posting("hh", "1", today, "go"))
	a.hold = make(chan struct{})
	f := newFixture(t, options{
		adapters: []source.Adapter{a},
		cfg:      Config{Interval: 10 * time.Millisecond},
		logger:   zap.New(core),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	require.Eventually(t, func() bool { return a.searches() == 1 }, time.Second, time.Millisecond, "startup cycle")
	require.Eventually(t, func() bool {
		return observed.FilterMessage("tick dropped").Len() >= 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, a.searches(), "ticks during a running cycle do not queue another one")
	assert.ErrorIs(t, f.orch.Trigger(), ErrCycleInProgress)

	cancel()
	select {
	case err := <-done:
		t.Fatalf("Run returned before the cycle in flight finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(a.hold)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the cycle finished")
	}
	assert.NotNil(t, f.orch.LastReport())
	assert.Equal(t, StateIdle, f.orch.State())
	assert.Contains(t, f.eventTypes(), notify.EventAgentStarted)
}

func TestTriggerStartsManualCycle(t *testing.T) {
	a := newAdapter("hh", posting("hh", "1", today, "go"))
	f := newFixture(t, options{adapters: []source.Adapter{a}, cfg: Config{Interval: time.Hour}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.orch.LastReport() != nil && f.orch.State() == StateIdle
	}, time.Second, time.Millisecond)
	first := f.orch.LastReport().ID

	require.NoError(t, f.orch.Trigger())
	require.Eventually(t, func() bool {
		r := f.orch.LastReport()
		return a.searches() == 2 && r != nil && r.ID != first && f.orch.State() == StateIdle
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"1"}, a.appliedIDs(), "the manual cycle sees the ledger")

	cancel()
	require.NoError(t, <-done)
}
