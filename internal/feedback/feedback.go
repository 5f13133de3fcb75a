// Package feedback turns resolved application outcomes into skill weight and
// company preference updates.
package feedback

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/records"
	"github.com/spigell/job-responder/internal/weights"
	"go.uber.org/zap"
)

const (
	DefaultLearningRate  = 0.1
	DefaultCompanyRate   = 0.1
	DefaultDecay         = 0.95
	DefaultDecayInterval = 24 * time.Hour
)

// OutcomeResolved is emitted once a record reaches success, rejected or error.
type OutcomeResolved struct {
	Record model.ApplicationRecord
}

type Config struct {
	LearningRate float64
	// CompanyRate moves the employer preference per resolved outcome. Zero disables it.
	CompanyRate   float64
	Decay         float64
	DecayInterval time.Duration
}

type Processor struct {
	weights *weights.Store
	records *records.Log
	cfg     Config
	logger  *zap.Logger
}

func New(ws *weights.Store, rl *records.Log, cfg Config, logger *zap.Logger) (*Processor, error) {
	if math.IsNaN(cfg.LearningRate) || cfg.LearningRate < 0 || cfg.LearningRate > 1 {
		return nil, fmt.Errorf("learning rate %v outside [0,1]", cfg.LearningRate)
	}
	if math.IsNaN(cfg.CompanyRate) || cfg.CompanyRate < 0 || cfg.CompanyRate > 1 {
		return nil, fmt.Errorf("company preference rate %v outside [0,1]", cfg.CompanyRate)
	}
	if math.IsNaN(cfg.Decay) || cfg.Decay < 0 || cfg.Decay > 1 {
		return nil, fmt.Errorf("skill weight decay %v outside [0,1]", cfg.Decay)
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = DefaultDecayInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{weights: ws, records: rl, cfg: cfg, logger: logger}, nil
}

// Handle processes one event. updated is false when the outcome carries no
// signal or the record was already learned from.
func (p *Processor) Handle(ctx context.Context, ev OutcomeResolved) (updated bool, err error) {
	_, updated, err = p.ApplyOutcome(ctx, ev.Record)
	return updated, err
}

// ApplyOutcome claims the record first and only then adjusts the weights, so a
// record never contributes twice even if the process dies in between.
func (p *Processor) ApplyOutcome(ctx context.Context, rec model.ApplicationRecord) (model.SkillWeights, bool, error) {
	sign, ok := direction(rec.Outcome)
	if !ok {
		return model.SkillWeights{}, false, nil
	}

	claimed, ok, err := p.records.ClaimLearning(ctx, rec.Identity)
	if err != nil {
		return model.SkillWeights{}, false, err
	}
	if !ok {
		p.logger.Debug("learning already applied", zap.String("identity", rec.Identity.Short()))
		return model.SkillWeights{}, false, nil
	}

	delta := weights.Delta{
		Skills:  make(map[string]float64, len(claimed.MatchedSkills)),
		Company: claimed.Posting.Company,
	}
	for skill, proficiency := range claimed.MatchedSkills {
		delta.Skills[skill] = sign * p.cfg.LearningRate * proficiency
	}
	if model.NormalizeCompany(delta.Company) != "" {
		delta.CompanyDelta = sign * p.cfg.CompanyRate
	}
	if len(delta.Skills) == 0 && delta.CompanyDelta == 0 {
		p.logger.Debug("nothing to learn from", zap.String("identity", rec.Identity.Short()))
		return model.SkillWeights{}, false, nil
	}

	snap, err := p.weights.Apply(ctx, delta)
	if err != nil {
		return model.SkillWeights{}, false, err
	}

	p.logger.Info("skill weights learned from outcome",
		zap.String("identity", rec.Identity.Short()),
		zap.String("outcome", string(claimed.Outcome)),
		zap.Int("skills", len(delta.Skills)),
		zap.String("company", delta.Company),
	)
	return snap, true, nil
}

// Resolve seals a pending record with a terminal outcome and learns from it.
func (p *Processor) Resolve(ctx context.Context, id model.Identity, outcome model.Outcome, at time.Time) (model.ApplicationRecord, error) {
	rec, err := p.records.Resolve(ctx, id, outcome, at)
	if err != nil {
		return model.ApplicationRecord{}, err
	}
	if _, err := p.Handle(ctx, OutcomeResolved{Record: rec}); err != nil {
		return rec, fmt.Errorf("learning from %s: %w", id.Short(), err)
	}
	return rec, nil
}

// DecayIfDue applies the periodic decay when the interval has passed.
func (p *Processor) DecayIfDue(ctx context.Context, now time.Time) (bool, error) {
	_, applied, err := p.weights.Decay(ctx, p.cfg.Decay, p.cfg.DecayInterval, now)
	return applied, err
}

// CatchUp learns from resolved records that never had their update applied,
// e.g. when the process stopped between resolution and learning.
func (p *Processor) CatchUp(ctx context.Context) (int, error) {
	pending, err := p.records.Unlearned(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range pending {
		updated, err := p.Handle(ctx, OutcomeResolved{Record: rec})
		if err != nil {
			return n, err
		}
		if updated {
			n++
		}
	}
	return n, nil
}

func direction(o model.Outcome) (float64, bool) {
	switch o {
	case model.OutcomeSuccess:
		return 1, true
	case model.OutcomeRejected:
		return -1, true
	default:
		return 0, false
	}
}
