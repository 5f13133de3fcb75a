// Package ledger is the durable set of posting identities the engine already decided on.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/store"
	"go.uber.org/zap"
)

const prefix = "ledger/"

type Ledger struct {
	st     store.Store
	logger *zap.Logger
}

func New(st store.Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{st: st, logger: logger}
}

func key(id model.Identity) string {
	return prefix + id.String()
}

func (l *Ledger) Seen(ctx context.Context, id model.Identity) (bool, error) {
	_, found, err := l.Get(ctx, id)
	return found, err
}

func (l *Ledger) Get(ctx context.Context, id model.Identity) (model.LedgerEntry, bool, error) {
	var entry model.LedgerEntry
	_, found, err := store.GetJSON(ctx, l.st, key(id), &entry)
	if err != nil {
		return model.LedgerEntry{}, false, fmt.Errorf("ledger lookup %s: %w", id.Short(), err)
	}
	return entry, found, nil
}

// MarkSeen records the entry unless the identity is already present. The first
// decision wins; created is false when an entry existed before the call.
func (l *Ledger) MarkSeen(ctx context.Context, entry model.LedgerEntry) (created bool, err error) {
	if entry.Identity == "" {
		return false, fmt.Errorf("ledger entry without identity")
	}

	created, err = store.CreateJSON(ctx, l.st, key(entry.Identity), entry)
	if err != nil {
		return false, fmt.Errorf("ledger mark %s: %w", entry.Identity.Short(), err)
	}

	if created {
		l.logger.Debug("posting marked seen",
			zap.String("identity", entry.Identity.Short()),
			zap.String("source", entry.SourceID),
			zap.String("external_id", entry.ExternalID),
			zap.String("decision", string(entry.Decision)),
		)
	}
	return created, nil
}

// List returns every entry ordered by MarkedAt, then identity.
func (l *Ledger) List(ctx context.Context) ([]model.LedgerEntry, error) {
	items, err := l.st.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}

	out := make([]model.LedgerEntry, 0, len(items))
	for _, item := range items {
		var entry model.LedgerEntry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			l.logger.Warn("skip malformed ledger entry", zap.String("key", item.Key), zap.Error(err))
			continue
		}
		out = append(out, entry)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].MarkedAt.Equal(out[j].MarkedAt) {
			return out[i].MarkedAt.Before(out[j].MarkedAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out, nil
}
