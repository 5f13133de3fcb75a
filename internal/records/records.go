// Package records is the append-only application log. A record is created once
// per posting identity; afterwards only its outcome and learning flag move.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/store"
	"go.uber.org/zap"
)

const prefix = "records/"

var (
	ErrExists          = errors.New("application record already exists")
	ErrNotFound        = errors.New("application record not found")
	ErrAlreadyResolved = errors.New("application outcome already resolved")
)

type Log struct {
	st     store.Store
	logger *zap.Logger
}

func New(st store.Store, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{st: st, logger: logger}
}

func key(id model.Identity) string {
	return prefix + id.String()
}

func (l *Log) Create(ctx context.Context, rec model.ApplicationRecord) error {
	if rec.Identity == "" {
		return fmt.Errorf("application record without identity")
	}

	created, err := store.CreateJSON(ctx, l.st, key(rec.Identity), rec)
	if err != nil {
		return fmt.Errorf("create record %s: %w", rec.Identity.Short(), err)
	}
	if !created {
		return fmt.Errorf("%s: %w", rec.Identity.Short(), ErrExists)
	}

	l.logger.Debug("application record created",
		zap.String("identity", rec.Identity.Short()),
		zap.String("source", rec.SourceID),
		zap.String("outcome", string(rec.Outcome)),
	)
	return nil
}

func (l *Log) Get(ctx context.Context, id model.Identity) (model.ApplicationRecord, error) {
	var rec model.ApplicationRecord
	_, found, err := store.GetJSON(ctx, l.st, key(id), &rec)
	if err != nil {
		return model.ApplicationRecord{}, fmt.Errorf("get record %s: %w", id.Short(), err)
	}
	if !found {
		return model.ApplicationRecord{}, fmt.Errorf("%s: %w", id.Short(), ErrNotFound)
	}
	return rec, nil
}

// Resolve moves a pending record to a terminal outcome. It happens once.
func (l *Log) Resolve(ctx context.Context, id model.Identity, outcome model.Outcome, at time.Time) (model.ApplicationRecord, error) {
	if !outcome.Terminal() {
		return model.ApplicationRecord{}, fmt.Errorf("resolve %s: outcome %q is not terminal", id.Short(), outcome)
	}

	rec, err := store.Update(ctx, l.st, key(id), func(cur *model.ApplicationRecord, found bool) error {
		if !found {
			return ErrNotFound
		}
		if cur.Outcome != model.OutcomePending {
			return ErrAlreadyResolved
		}
		cur.Outcome = outcome
		resolved := at
		cur.ResolvedAt = &resolved
		return nil
	})
	if err != nil {
		return model.ApplicationRecord{}, fmt.Errorf("resolve %s: %w", id.Short(), err)
	}

	l.logger.Info("application outcome resolved",
		zap.String("identity", id.Short()),
		zap.String("source", rec.SourceID),
		zap.String("outcome", string(outcome)),
	)
	return rec, nil
}

// ClaimLearning flips LearningApplied for a learnable record. claimed is false when
// the flag was already set or the outcome carries no learning signal.
func (l *Log) ClaimLearning(ctx context.Context, id model.Identity) (rec model.ApplicationRecord, claimed bool, err error) {
	rec, err = store.Update(ctx, l.st, key(id), func(cur *model.ApplicationRecord, found bool) error {
		claimed = false
		if !found {
			return ErrNotFound
		}
		if cur.LearningApplied || !cur.Outcome.Learnable() {
			return store.ErrSkipWrite
		}
		cur.LearningApplied = true
		claimed = true
		return nil
	})
	if err != nil {
		return model.ApplicationRecord{}, false, fmt.Errorf("claim learning %s: %w", id.Short(), err)
	}
	return rec, claimed, nil
}

// List returns every record, newest first.
func (l *Log) List(ctx context.Context) ([]model.ApplicationRecord, error) {
	items, err := l.st.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	out := make([]model.ApplicationRecord, 0, len(items))
	for _, item := range items {
		var rec model.ApplicationRecord
		if err := json.Unmarshal(item.Value, &rec); err != nil {
			l.logger.Warn("skip malformed application record", zap.String("key", item.Key), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].AppliedAt.Equal(out[j].AppliedAt) {
			return out[i].AppliedAt.After(out[j].AppliedAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out, nil
}

// Recent returns at most n records, newest first. n <= 0 means all.
func (l *Log) Recent(ctx context.Context, n int) ([]model.ApplicationRecord, error) {
	all, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// Pending returns records still waiting for an outcome.
func (l *Log) Pending(ctx context.Context) ([]model.ApplicationRecord, error) {
	all, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Outcome == model.OutcomePending {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Unlearned returns resolved, learnable records whose weight update never ran.
func (l *Log) Unlearned(ctx context.Context) ([]model.ApplicationRecord, error) {
	all, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Outcome.Learnable() && !rec.LearningApplied {
			out = append(out, rec)
		}
	}
	return out, nil
}
