// Package weights owns the learned per-skill importance snapshot.
// Readers get copies; all writes go through this package.
package weights

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/store"
	"go.uber.org/zap"
)

const snapshotKey = "weights/snapshot"

type Store struct {
	st     store.Store
	logger *zap.Logger
	// mu makes this process the single writer; CAS covers other processes.
	mu sync.Mutex
}

func New(st store.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{st: st, logger: logger}
}

// Snapshot returns a copy of the current weights. Unknown skills read as the default.
func (s *Store) Snapshot(ctx context.Context) (model.SkillWeights, error) {
	var w model.SkillWeights
	if _, _, err := store.GetJSON(ctx, s.st, snapshotKey, &w); err != nil {
		return model.SkillWeights{}, fmt.Errorf("load skill weights: %w", err)
	}
	return sanitize(w), nil
}

// Delta is one learning step: per-skill changes plus an optional change of the
// employer preference.
type Delta struct {
	Skills       map[string]float64
	Company      string
	CompanyDelta float64
}

func (d Delta) empty() bool {
	return len(d.Skills) == 0 && (model.NormalizeCompany(d.Company) == "" || d.CompanyDelta == 0)
}

// Adjust adds delta per skill, clamping each result to the allowed range.
func (s *Store) Adjust(ctx context.Context, deltas map[string]float64) (model.SkillWeights, error) {
	return s.Apply(ctx, Delta{Skills: deltas})
}

// Apply writes skill and company changes in a single update.
func (s *Store) Apply(ctx context.Context, d Delta) (model.SkillWeights, error) {
	if d.empty() {
		return s.Snapshot(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	company := model.NormalizeCompany(d.Company)
	w, err := store.Update(ctx, s.st, snapshotKey, func(cur *model.SkillWeights, _ bool) error {
		*cur = sanitize(*cur)
		for skill, delta := range d.Skills {
			name := model.NormalizeSkill(skill)
			if name == "" || math.IsNaN(delta) {
				continue
			}
			cur.Weights[name] = model.ClampWeight(cur.Weight(name) + delta)
		}
		if company != "" && !math.IsNaN(d.CompanyDelta) && d.CompanyDelta != 0 {
			cur.Companies[company] = model.ClampCompanyPreference(cur.CompanyPreference(company) + d.CompanyDelta)
		}
		cur.UpdateCount++
		return nil
	})
	if err != nil {
		return model.SkillWeights{}, fmt.Errorf("adjust skill weights: %w", err)
	}

	s.logger.Debug("skill weights adjusted",
		zap.Int("skills", len(d.Skills)),
		zap.String("company", company),
		zap.Int64("update_count", w.UpdateCount),
	)
	return w.Clone(), nil
}

// Decay multiplies every stored skill weight by factor and stamps LastDecayAt.
// Company preferences are left as they are. It is a no-op when the last decay happened less than interval ago.
func (s *Store) Decay(ctx context.Context, factor float64, interval time.Duration, now time.Time) (model.SkillWeights, bool, error) {
	if math.IsNaN(factor) || factor < 0 || factor > 1 {
		return model.SkillWeights{}, false, fmt.Errorf("decay factor %v outside [0,1]", factor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied := false
	w, err := store.Update(ctx, s.st, snapshotKey, func(cur *model.SkillWeights, found bool) error {
		*cur = sanitize(*cur)
		if !found || cur.LastDecayAt.IsZero() {
			// first run starts the clock; nothing learned yet to decay
			cur.LastDecayAt = now
			applied = false
			return nil
		}
		if now.Sub(cur.LastDecayAt) < interval {
			applied = false
			return store.ErrSkipWrite
		}
		for k, v := range cur.Weights {
			cur.Weights[k] = model.ClampWeight(v * factor)
		}
		cur.LastDecayAt = now
		cur.UpdateCount++
		applied = true
		return nil
	})
	if err != nil {
		return model.SkillWeights{}, false, fmt.Errorf("decay skill weights: %w", err)
	}

	if applied {
		s.logger.Info("skill weights decayed",
			zap.Float64("factor", factor),
			zap.Int("skills", len(w.Weights)),
		)
	}
	return w.Clone(), applied, nil
}

type Ranked struct {
	Skill  string  `json:"skill"`
	Weight float64 `json:"weight"`
}

// Top returns up to n skills ordered by weight desc, then name.
func Top(w model.SkillWeights, n int) []Ranked {
	out := make([]Ranked, 0, len(w.Weights))
	for k, v := range w.Weights {
		out = append(out, Ranked{Skill: k, Weight: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Skill < out[j].Skill
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

type RankedCompany struct {
	Company    string  `json:"company"`
	Preference float64 `json:"preference"`
}

// TopCompanies returns up to n employers ordered by preference desc, then name.
func TopCompanies(w model.SkillWeights, n int) []RankedCompany {
	out := make([]RankedCompany, 0, len(w.Companies))
	for k, v := range w.Companies {
		out = append(out, RankedCompany{Company: k, Preference: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Preference != out[j].Preference {
			return out[i].Preference > out[j].Preference
		}
		return out[i].Company < out[j].Company
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func sanitize(w model.SkillWeights) model.SkillWeights {
	out := w.Clone()
	for k, v := range out.Weights {
		out.Weights[k] = model.ClampWeight(v)
	}
	for k, v := range out.Companies {
		out.Companies[k] = model.ClampCompanyPreference(v)
	}
	return out
}
