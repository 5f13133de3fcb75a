// Package quota enforces the per-day application limit. A slot is reserved
// before an apply attempt and released again if the attempt ends in error.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/store"
	"go.uber.org/zap"
)

const (
	prefix       = "quota/"
	DefaultLimit = 10
)

var ErrExhausted = errors.New("daily application quota exhausted")

type Counter struct {
	st     store.Store
	limit  int
	logger *zap.Logger
}

func New(st store.Store, limit int, logger *zap.Logger) (*Counter, error) {
	if limit < 0 {
		return nil, fmt.Errorf("max applications per day must not be negative, got %d", limit)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{st: st, limit: limit, logger: logger}, nil
}

func (c *Counter) Limit() int {
	return c.limit
}

func key(date string) string {
	return prefix + date
}

// Usage returns the counter for date. Dates never touched read as zero.
func (c *Counter) Usage(ctx context.Context, date string) (model.DailyQuotaCounter, error) {
	counter := model.DailyQuotaCounter{Date: date}
	if _, _, err := store.GetJSON(ctx, c.st, key(date), &counter); err != nil {
		return model.DailyQuotaCounter{}, fmt.Errorf("quota usage %s: %w", date, err)
	}
	return counter, nil
}

func (c *Counter) Remaining(ctx context.Context, date string) (int, error) {
	counter, err := c.Usage(ctx, date)
	if err != nil {
		return 0, err
	}
	if left := c.limit - counter.Count; left > 0 {
		return left, nil
	}
	return 0, nil
}

// Reserve takes one slot for date or returns ErrExhausted.
func (c *Counter) Reserve(ctx context.Context, date string) (model.DailyQuotaCounter, error) {
	counter, err := store.Update(ctx, c.st, key(date), func(cur *model.DailyQuotaCounter, _ bool) error {
		cur.Date = date
		if cur.Count >= c.limit {
			return ErrExhausted
		}
		cur.Count++
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrExhausted) {
			return model.DailyQuotaCounter{}, fmt.Errorf("%s: %w (limit %d)", date, ErrExhausted, c.limit)
		}
		return model.DailyQuotaCounter{}, fmt.Errorf("quota reserve %s: %w", date, err)
	}

	c.logger.Debug("quota slot reserved", zap.String("date", date), zap.Int("count", counter.Count), zap.Int("limit", c.limit))
	return counter, nil
}

// Release gives back a slot taken by Reserve. It never goes below zero.
func (c *Counter) Release(ctx context.Context, date string) error {
	counter, err := store.Update(ctx, c.st, key(date), func(cur *model.DailyQuotaCounter, found bool) error {
		if !found || cur.Count == 0 {
			return store.ErrSkipWrite
		}
		cur.Count--
		return nil
	})
	if err != nil {
		return fmt.Errorf("quota release %s: %w", date, err)
	}

	c.logger.Debug("quota slot released", zap.String("date", date), zap.Int("count", counter.Count))
	return nil
}

// History lists every stored counter ordered by date.
func (c *Counter) History(ctx context.Context) ([]model.DailyQuotaCounter, error) {
	items, err := c.st.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("quota history: %w", err)
	}
	out := make([]model.DailyQuotaCounter, 0, len(items))
	for _, item := range items {
		var counter model.DailyQuotaCounter
		if err := json.Unmarshal(item.Value, &counter); err != nil {
			c.logger.Warn("skip malformed quota counter", zap.String("key", item.Key), zap.Error(err))
			continue
		}
		if counter.Date == "" {
			counter.Date = strings.TrimPrefix(item.Key, prefix)
		}
		out = append(out, counter)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}
