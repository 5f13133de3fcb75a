package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/records"
	"github.com/spigell/job-responder/internal/retry"
	"github.com/spigell/job-responder/internal/source"
)

// ResolveOutcome seals a pending record and feeds the outcome to the learner.
func (o *Orchestrator) ResolveOutcome(ctx context.Context, id model.Identity, outcome model.Outcome) (model.ApplicationRecord, error) {
	return o.feedback.Resolve(ctx, id, outcome, o.now())
}

// SyncOutcomes asks sources that can report outcomes about pending records.
// Source failures are logged; only store failures are returned.
func (o *Orchestrator) SyncOutcomes(ctx context.Context) (int, error) {
	pending, err := o.records.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	bySource := make(map[string][]model.ApplicationRecord)
	for _, rec := range pending {
		bySource[rec.SourceID] = append(bySource[rec.SourceID], rec)
	}

	resolved := 0
	for _, adapter := range o.sources {
		reporter, ok := adapter.(source.OutcomeReporter)
		if !ok {
			continue
		}
		recs := bySource[adapter.Name()]
		if len(recs) == 0 {
			continue
		}

		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.ExternalID)
		}

		outcomes, err := retry.Do(ctx, o.retry, "outcomes "+adapter.Name(), func(ctx context.Context) (map[string]model.Outcome, error) {
			return reporter.Outcomes(ctx, ids)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return resolved, ctxErr
			}
			o.logger.Warn("fetching outcomes failed", zap.String("source", adapter.Name()), zap.Error(err))
			continue
		}

		for _, rec := range recs {
			outcome, ok := outcomes[rec.ExternalID]
			if !ok || !outcome.Terminal() {
				continue
			}
			if _, err := o.ResolveOutcome(ctx, rec.Identity, outcome); err != nil {
				if errors.Is(err, records.ErrAlreadyResolved) {
					continue
				}
				return resolved, fmt.Errorf("resolving %s: %w", rec.Identity.Short(), err)
			}
			resolved++
		}
	}
	return resolved, nil
}

// QuotaUsage reports the counter for date, today when date is empty.
func (o *Orchestrator) QuotaUsage(ctx context.Context, date string) (model.DailyQuotaCounter, error) {
	if date == "" {
		date = model.DateKey(o.now())
	}
	return o.quota.Usage(ctx, date)
}

func (o *Orchestrator) QuotaLimit() int {
	return o.quota.Limit()
}

func (o *Orchestrator) RecentRecords(ctx context.Context, n int) ([]model.ApplicationRecord, error) {
	return o.records.Recent(ctx, n)
}

func (o *Orchestrator) SkillWeights(ctx context.Context) (model.SkillWeights, error) {
	return o.weights.Snapshot(ctx)
}

// LastReport returns a copy of the most recent cycle report, or nil before the first cycle.
func (o *Orchestrator) LastReport() *CycleReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return nil
	}
	cp := *o.last
	return &cp
}
