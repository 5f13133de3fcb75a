package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/job-responder/internal/feedback"
	"github.com/spigell/job-responder/internal/filtering"
	"github.com/spigell/job-responder/internal/logger"
	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/notify"
	"github.com/spigell/job-responder/internal/quota"
	"github.com/spigell/job-responder/internal/records"
	"github.com/spigell/job-responder/internal/retry"
	"github.com/spigell/job-responder/internal/scoring"
	"github.com/spigell/job-responder/internal/source"
)

const noteAlreadyApplied = "already applied"

// CycleReport summarizes one run-cycle.
type CycleReport struct {
	ID             string                    `json:"id"`
	StartedAt      time.Time                 `json:"started_at"`
	FinishedAt     time.Time                 `json:"finished_at"`
	DryRun         bool                      `json:"dry_run"`
	Date           string                    `json:"date"`
	Fetched        map[string]int            `json:"fetched"`
	SourceErrors   map[string]string         `json:"source_errors,omitempty"`
	Invalid        int                       `json:"invalid"`
	Duplicates     int                       `json:"duplicates"`
	Filtered       int                       `json:"filtered"`
	Scored         int                       `json:"scored"`
	ScoreErrors    int                       `json:"score_errors"`
	BelowThreshold int                       `json:"below_threshold"`
	QuotaRemaining int                       `json:"quota_remaining"`
	Selected       []Candidate               `json:"selected,omitempty"`
	Applied        int                       `json:"applied"`
	AlreadyApplied int                       `json:"already_applied"`
	Failed         int                       `json:"failed"`
	Records        []model.ApplicationRecord `json:"records,omitempty"`
	Error          string                    `json:"error,omitempty"`
}

// AverageScore is the mean match score of the recorded applications.
func (r *CycleReport) AverageScore() float64 {
	if len(r.Records) == 0 {
		return 0
	}
	var sum float64
	for _, rec := range r.Records {
		sum += rec.Score.Value
	}
	return sum / float64(len(r.Records))
}

// AppliedBySource counts recorded applications that did not error, per source.
func (r *CycleReport) AppliedBySource() map[string]int {
	out := make(map[string]int)
	for _, rec := range r.Records {
		if rec.CountsTowardsQuota() {
			out[rec.SourceID]++
		}
	}
	return out
}

type fetchedPosting struct {
	posting model.JobPosting
	source  string
}

type attempt struct {
	Candidate
	rank    int
	outcome model.Outcome
	err     error
	note    string
	at      time.Time
}

// RunCycle performs one fetch, score, select, apply and record pass. It returns
// ErrCycleInProgress right away when another cycle has not finished yet.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateFetching)) {
		o.logger.Info("cycle request dropped", zap.Stringer("state", o.State()))
		return nil, ErrCycleInProgress
	}
	defer o.setState(StateIdle)

	started := o.now()
	report := &CycleReport{
		ID:           uuid.NewString(),
		StartedAt:    started,
		DryRun:       o.cfg.DryRun,
		Date:         model.DateKey(started),
		Fetched:      make(map[string]int),
		SourceErrors: make(map[string]string),
	}
	log := o.logger.With(zap.String("cycle_id", report.ID))
	log.Info("cycle started", zap.Bool("dry_run", o.cfg.DryRun), zap.Strings("sources", o.sourceNames()))

	err := o.cycle(ctx, log, report)
	report.FinishedAt = o.now()
	if err != nil {
		report.Error = err.Error()
	}

	o.mu.Lock()
	o.last = report
	o.mu.Unlock()

	if err != nil {
		log.Error("cycle aborted", zap.Error(err))
		o.notify(ctx, notify.Event{
			Type:    notify.EventCycleFailed,
			Message: "cycle aborted",
			Data:    map[string]any{"cycle_id": report.ID, "error": err.Error()},
		})
		return report, err
	}

	o.summarize(ctx, log, report)
	return report, nil
}

func (o *Orchestrator) cycle(ctx context.Context, log *zap.Logger, report *CycleReport) error {
	if !o.cfg.DryRun {
		if err := o.prepare(ctx, log); err != nil {
			return err
		}
	}

	fetched := o.fetch(ctx, log, report)
	if err := ctx.Err(); err != nil {
		return err
	}

	o.setState(StateScoring)
	candidates, err := o.score(ctx, log, report, fetched)
	if err != nil {
		return err
	}

	o.setState(StateSelecting)
	selected, err := o.selectCandidates(ctx, log, report, candidates)
	if err != nil {
		return err
	}
	report.Selected = selected

	if o.cfg.DryRun || len(selected) == 0 {
		return nil
	}

	o.setState(StateApplying)
	attempts, applyErr := o.apply(ctx, log, report, selected)

	// Whatever went out to a source gets recorded, even if applying stopped early.
	o.setState(StateRecording)
	if err := o.record(ctx, log, report, attempts); err != nil {
		return errors.Join(applyErr, err)
	}
	if applyErr != nil {
		return applyErr
	}
	return ctx.Err()
}

// prepare settles earlier cycles: outcomes reported by sources, periodic decay,
// and learning that was interrupted.
func (o *Orchestrator) prepare(ctx context.Context, log *zap.Logger) error {
	if n, err := o.SyncOutcomes(ctx); err != nil {
		return fmt.Errorf("syncing outcomes: %w", err)
	} else if n > 0 {
		log.Info("outcomes synced from sources", zap.Int("resolved", n))
	}

	applied, err := o.feedback.DecayIfDue(ctx, o.now())
	if err != nil {
		return fmt.Errorf("decaying skill weights: %w", err)
	}
	if applied {
		log.Info("skill weights decayed")
	}

	n, err := o.feedback.CatchUp(ctx)
	if err != nil {
		return fmt.Errorf("catching up on learning: %w", err)
	}
	if n > 0 {
		log.Info("learned from previously resolved records", zap.Int("records", n))
	}
	return nil
}

// fetch searches every source concurrently. A failing source contributes nothing.
func (o *Orchestrator) fetch(ctx context.Context, log *zap.Logger, report *CycleReport) []fetchedPosting {
	results := make([][]model.JobPosting, len(o.sources))
	errs := make([]error, len(o.sources))

	var g errgroup.Group
	for i, adapter := range o.sources {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = retry.Do(ctx, o.retry, "search "+adapter.Name(), func(ctx context.Context) ([]model.JobPosting, error) {
				return adapter.Search(ctx, o.cfg.Search)
			})
			return nil
		})
	}
	_ = g.Wait()

	var out []fetchedPosting
	for i, adapter := range o.sources {
		name := adapter.Name()
		if err := errs[i]; err != nil {
			report.SourceErrors[name] = err.Error()
			if errors.Is(err, source.ErrAuth) {
				log.Error("source authentication failed, skipping it for this cycle", zap.String("source", name), zap.Error(err))
			} else {
				log.Warn("source skipped for this cycle", zap.String("source", name), zap.Error(err))
			}
			continue
		}

		report.Fetched[name] = len(results[i])
		for _, p := range results[i] {
			if p.SourceID == "" {
				p.SourceID = name
			}
			out = append(out, fetchedPosting{posting: p, source: name})
		}
		log.Info("postings fetched", zap.String("source", name), zap.Int("count", len(results[i])))
	}
	return out
}

func (o *Orchestrator) score(ctx context.Context, log *zap.Logger, report *CycleReport, fetched []fetchedPosting) ([]Candidate, error) {
	sources := make(map[model.Identity]string, len(fetched))
	valid := make([]model.JobPosting, 0, len(fetched))
	for _, f := range fetched {
		if err := f.posting.Validate(); err != nil {
			report.Invalid++
			log.Warn("invalid posting skipped", append(logger.PostingFields(f.posting), zap.Error(err))...)
			continue
		}
		id := f.posting.Identity()
		if _, dup := sources[id]; dup {
			report.Duplicates++
			continue
		}
		sources[id] = f.source
		valid = append(valid, f.posting)
	}

	left, err := filtering.Run(ctx, filtering.Deps{Ledger: o.ledger, Logger: log}, o.filters, valid)
	if err != nil {
		return nil, fmt.Errorf("filtering postings: %w", err)
	}
	report.Filtered = len(valid) - len(left)

	snapshot, err := o.weights.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading skill weights: %w", err)
	}

	candidates := make([]Candidate, 0, len(left))
	for i := range left {
		posting := left[i]
		score, err := o.scorer.Score(ctx, o.profile, &posting, snapshot)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, model.ErrScoringInputInvalid) {
				report.Invalid++
			} else {
				report.ScoreErrors++
			}
			log.Warn("scoring failed, posting skipped", append(logger.PostingFields(posting), zap.Error(err))...)
			continue
		}
		candidates = append(candidates, Candidate{
			Posting:           posting,
			Score:             score,
			Source:            sources[score.Identity],
			CompanyPreference: snapshot.CompanyPreference(posting.Company),
		})
	}
	report.Scored = len(candidates)

	log.Info("postings scored",
		zap.Int("scored", report.Scored),
		zap.Int("filtered", report.Filtered),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("invalid", report.Invalid),
		zap.Int("score_errors", report.ScoreErrors),
	)
	return candidates, nil
}

// rank orders by score descending, then company preference descending, then
// earliest PostedAt, then identity. Postings without a date go after dated ones.
func rank(candidates []Candidate) {
	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score.Value, a.Score.Value); c != 0 {
			return c
		}
		if c := cmp.Compare(b.CompanyPreference, a.CompanyPreference); c != 0 {
			return c
		}
		at, bt := a.Posting.PostedAt, b.Posting.PostedAt
		switch {
		case at.IsZero() && !bt.IsZero():
			return 1
		case !at.IsZero() && bt.IsZero():
			return -1
		}
		if c := at.Compare(bt); c != 0 {
			return c
		}
		return cmp.Compare(a.Score.Identity, b.Score.Identity)
	})
}

func (o *Orchestrator) selectCandidates(ctx context.Context, log *zap.Logger, report *CycleReport, candidates []Candidate) ([]Candidate, error) {
	rank(candidates)

	matches := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if o.scorer.IsMatch(c.Score) {
			matches = append(matches, c)
			continue
		}

		report.BelowThreshold++
		if o.cfg.DryRun {
			continue
		}
		if _, err := o.ledger.MarkSeen(ctx, ledgerEntry(c, model.DecisionSkipped, o.now())); err != nil {
			return nil, fmt.Errorf("marking below-threshold posting: %w", err)
		}
	}

	remaining, err := o.quota.Remaining(ctx, report.Date)
	if err != nil {
		return nil, fmt.Errorf("reading quota: %w", err)
	}
	report.QuotaRemaining = remaining

	limit := remaining
	if o.cfg.MaxJobsPerRun > 0 && o.cfg.MaxJobsPerRun < limit {
		limit = o.cfg.MaxJobsPerRun
	}
	if len(matches) > limit {
		log.Info("selection capped",
			zap.Int("matches", len(matches)),
			zap.Int("quota_remaining", remaining),
			zap.Int("max_jobs_per_run", o.cfg.MaxJobsPerRun),
		)
		matches = matches[:limit]
	}

	if o.approver != nil && len(matches) > 0 {
		approved, err := o.approver.Approve(ctx, matches)
		if err != nil {
			return nil, fmt.Errorf("approving selection: %w", err)
		}
		matches = keepApproved(matches, approved)
	}

	log.Info("postings selected",
		zap.Int("selected", len(matches)),
		zap.Int("below_threshold", report.BelowThreshold),
		zap.Float64("min_match_score", o.scorer.MinMatchScore()),
	)
	return matches, nil
}

// keepApproved keeps the ranked order of selected whatever order approved came in.
func keepApproved(selected, approved []Candidate) []Candidate {
	ok := make(map[model.Identity]struct{}, len(approved))
	for _, c := range approved {
		ok[c.Score.Identity] = struct{}{}
	}
	out := selected[:0:0]
	for _, c := range selected {
		if _, found := ok[c.Score.Identity]; found {
			out = append(out, c)
		}
	}
	return out
}

// apply runs sources concurrently; postings of one source go in rank order.
func (o *Orchestrator) apply(ctx context.Context, log *zap.Logger, report *CycleReport, selected []Candidate) ([]attempt, error) {
	queues := make(map[string][]int)
	for i, c := range selected {
		queues[c.Source] = append(queues[c.Source], i)
	}

	var (
		mu       sync.Mutex
		attempts []attempt
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, adapter := range o.sources {
		queue := queues[adapter.Name()]
		if len(queue) == 0 {
			continue
		}
		g.Go(func() error {
			for _, idx := range queue {
				if err := gctx.Err(); err != nil {
					log.Info("applying stopped", zap.String("source", adapter.Name()), zap.Error(err))
					return nil
				}

				a, err := o.applyOne(gctx, log, adapter, selected[idx], report.Date)
				if a != nil {
					a.rank = idx
					mu.Lock()
					attempts = append(attempts, *a)
					mu.Unlock()
				}
				if errors.Is(err, quota.ErrExhausted) {
					log.Info("daily quota exhausted", zap.String("source", adapter.Name()))
					return nil
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()

	slices.SortFunc(attempts, func(a, b attempt) int { return cmp.Compare(a.rank, b.rank) })
	return attempts, err
}

// applyOne reserves a quota slot, marks the posting seen and only then calls the
// source. A posting whose ledger entry already exists is never sent. An apply
// call in flight is not cancelled with the cycle; no new attempt starts after it.
func (o *Orchestrator) applyOne(ctx context.Context, log *zap.Logger, adapter source.Adapter, c Candidate, date string) (*attempt, error) {
	fields := logger.PostingFields(c.Posting)

	if _, err := o.quota.Reserve(ctx, date); err != nil {
		return nil, err
	}

	created, err := o.ledger.MarkSeen(ctx, ledgerEntry(c, model.DecisionApplied, o.now()))
	if err != nil {
		o.release(ctx, log, date)
		return nil, fmt.Errorf("marking posting seen: %w", err)
	}
	if !created {
		o.release(ctx, log, date)
		log.Warn("posting is already in the ledger, not applying", fields...)
		return nil, nil
	}

	outcome, err := retry.DoDetached(ctx, o.retry, "apply "+adapter.Name(), func(ctx context.Context) (model.Outcome, error) {
		return adapter.Apply(ctx, c.Posting, o.profile)
	})

	a := &attempt{Candidate: c, outcome: outcome, at: o.now()}
	switch {
	case err == nil:
		if a.outcome == "" {
			a.outcome = model.OutcomePending
		}
	case errors.Is(err, source.ErrAlreadyApplied):
		a.outcome = model.OutcomePending
		a.note = noteAlreadyApplied
		log.Info("posting was already applied to", fields...)
	default:
		a.outcome = model.OutcomeError
		a.err = err
		log.Error("application failed", append(fields, zap.Error(err))...)
	}

	if a.outcome == model.OutcomeError {
		o.release(ctx, log, date)
	}
	return a, nil
}

func (o *Orchestrator) release(ctx context.Context, log *zap.Logger, date string) {
	if err := o.quota.Release(context.WithoutCancel(ctx), date); err != nil {
		log.Error("releasing quota slot", zap.String("date", date), zap.Error(err))
	}
}

func (o *Orchestrator) record(ctx context.Context, log *zap.Logger, report *CycleReport, attempts []attempt) error {
	ctx = context.WithoutCancel(ctx)

	for _, a := range attempts {
		rec := model.ApplicationRecord{
			ID:            uuid.NewString(),
			Identity:      a.Score.Identity,
			SourceID:      a.Posting.SourceID,
			ExternalID:    a.Posting.ExternalID,
			Posting:       a.Posting,
			AppliedAt:     a.at,
			Outcome:       a.outcome,
			Score:         a.Score,
			MatchedSkills: scoring.MatchedSkills(o.profile, &a.Posting),
			Note:          a.note,
		}
		if a.err != nil {
			rec.Error = a.err.Error()
		}
		if rec.Outcome.Terminal() {
			resolved := a.at
			rec.ResolvedAt = &resolved
		}

		if err := o.records.Create(ctx, rec); err != nil {
			if errors.Is(err, records.ErrExists) {
				log.Warn("application record already exists", logger.PostingFields(a.Posting)...)
				continue
			}
			return fmt.Errorf("recording application: %w", err)
		}
		report.Records = append(report.Records, rec)

		switch {
		case rec.Outcome == model.OutcomeError:
			report.Failed++
		case rec.Note == noteAlreadyApplied:
			report.AlreadyApplied++
		default:
			report.Applied++
		}

		if rec.Outcome.Learnable() {
			if _, err := o.feedback.Handle(ctx, feedback.OutcomeResolved{Record: rec}); err != nil {
				return fmt.Errorf("learning from outcome: %w", err)
			}
		}

		o.notify(ctx, notify.Event{
			Type:    notify.EventApplicationRecorded,
			Message: "application recorded",
			Data: map[string]any{
				"cycle_id":    report.ID,
				"source":      rec.SourceID,
				"external_id": rec.ExternalID,
				"title":       rec.Posting.Title,
				"url":         rec.Posting.URL,
				"outcome":     string(rec.Outcome),
				"score":       rec.Score.Value,
			},
		})
	}
	return nil
}

func (o *Orchestrator) summarize(ctx context.Context, log *zap.Logger, report *CycleReport) {
	duration := report.FinishedAt.Sub(report.StartedAt)
	log.Info("cycle completed",
		zap.Duration("duration", duration),
		zap.Any("fetched", report.Fetched),
		zap.Int("selected", len(report.Selected)),
		zap.Int("applied", report.Applied),
		zap.Int("already_applied", report.AlreadyApplied),
		zap.Int("failed", report.Failed),
		zap.Float64("average_score", report.AverageScore()),
	)

	o.notify(ctx, notify.Event{
		Type:    notify.EventCycleCompleted,
		Message: "cycle completed",
		Data: map[string]any{
			"cycle_id":          report.ID,
			"dry_run":           report.DryRun,
			"fetched":           report.Fetched,
			"source_errors":     report.SourceErrors,
			"selected":          len(report.Selected),
			"applied":           report.Applied,
			"already_applied":   report.AlreadyApplied,
			"failed":            report.Failed,
			"applied_by_source": report.AppliedBySource(),
			"average_score":     report.AverageScore(),
			"duration":          duration.String(),
		},
	})
}

func ledgerEntry(c Candidate, decision model.Decision, at time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		Identity:   c.Score.Identity,
		SourceID:   c.Posting.SourceID,
		ExternalID: c.Posting.ExternalID,
		Decision:   decision,
		MarkedAt:   at,
	}
}
