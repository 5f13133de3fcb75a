// Package scoring computes the relevance of a posting for a candidate profile.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/spigell/job-responder/internal/ai"
	"github.com/spigell/job-responder/internal/model"
	"go.uber.org/zap"
)

// ErrEmbedding wraps failures of the embedding provider. The posting is skipped
// for the cycle and must not be marked seen.
var ErrEmbedding = errors.New("embedding provider failed")

const (
	// Neutral is used when a component has no signal either way.
	Neutral = 0.5
	// educationMiss is the score when the profile is below the required level.
	educationMiss = 0.3

	DefaultMinMatchScore = 0.7
	DefaultRemoteKeyword = "remote"
)

// ComponentWeights control how much each breakdown component contributes to the total.
type ComponentWeights struct {
	TextSimilarity float64 `mapstructure:"text-similarity" json:"text_similarity"`
	Skill          float64 `mapstructure:"skill" json:"skill"`
	Experience     float64 `mapstructure:"experience" json:"experience"`
	Education      float64 `mapstructure:"education" json:"education"`
	Location       float64 `mapstructure:"location" json:"location"`
}

func DefaultComponentWeights() ComponentWeights {
	return ComponentWeights{
		TextSimilarity: 0.30,
		Skill:          0.30,
		Experience:     0.15,
		Education:      0.10,
		Location:       0.15,
	}
}

func (w ComponentWeights) sum() float64 {
	return w.TextSimilarity + w.Skill + w.Experience + w.Education + w.Location
}

func (w ComponentWeights) Validate() error {
	for name, v := range map[string]float64{
		"text-similarity": w.TextSimilarity,
		"skill":           w.Skill,
		"experience":      w.Experience,
		"education":       w.Education,
		"location":        w.Location,
	} {
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("score weight %s must be non-negative, got %v", name, v)
		}
	}
	if w.sum() <= 0 {
		return errors.New("score weights must not all be zero")
	}
	return nil
}

type Config struct {
	Weights       ComponentWeights
	RemoteKeyword string
	MinMatchScore float64
}

type Scorer struct {
	embedder ai.Embedder
	cfg      Config
	logger   *zap.Logger
}

func New(embedder ai.Embedder, cfg Config, logger *zap.Logger) (*Scorer, error) {
	if embedder == nil {
		return nil, errors.New("scorer needs an embedder")
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(cfg.MinMatchScore) || cfg.MinMatchScore < 0 || cfg.MinMatchScore > 1 {
		return nil, fmt.Errorf("min match score %v outside [0,1]", cfg.MinMatchScore)
	}
	cfg.RemoteKeyword = strings.ToLower(strings.TrimSpace(cfg.RemoteKeyword))
	if cfg.RemoteKeyword == "" {
		cfg.RemoteKeyword = DefaultRemoteKeyword
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{embedder: embedder, cfg: cfg, logger: logger}, nil
}

// IsMatch reports whether the score clears the configured threshold.
func (s *Scorer) IsMatch(score model.MatchScore) bool {
	return score.Value >= s.cfg.MinMatchScore
}

func (s *Scorer) MinMatchScore() float64 {
	return s.cfg.MinMatchScore
}

// Score computes the breakdown and total for one posting. The result only depends
// on its inputs and the embedding of the two texts.
func (s *Scorer) Score(ctx context.Context, profile *model.CandidateProfile, posting *model.JobPosting, weights model.SkillWeights) (model.MatchScore, error) {
	if err := profile.Validate(); err != nil {
		return model.MatchScore{}, err
	}
	if err := posting.Validate(); err != nil {
		return model.MatchScore{}, err
	}

	text, err := s.textSimilarity(ctx, profile, posting)
	if err != nil {
		return model.MatchScore{}, err
	}

	b := model.ScoreBreakdown{
		TextSimilarity: text,
		Skill:          SkillComponent(profile.SkillIndex(), posting.RequiredSkills, weights),
		Experience:     ExperienceComponent(profile.ExperienceYears, posting.RequiredExperienceYears),
		Education:      EducationComponent(profile.EducationLevel, posting.RequiredEducation),
		Location:       LocationComponent(posting.Location, profile.PreferredLocations, s.cfg.RemoteKeyword),
	}

	w := s.cfg.Weights
	total := (w.TextSimilarity*b.TextSimilarity +
		w.Skill*b.Skill +
		w.Experience*b.Experience +
		w.Education*b.Education +
		w.Location*b.Location) / w.sum()

	score := model.MatchScore{
		Identity:  posting.Identity(),
		Value:     clamp01(total),
		Breakdown: b,
	}

	s.logger.Debug("posting scored",
		zap.String("source", posting.SourceID),
		zap.String("external_id", posting.ExternalID),
		zap.Float64("value", score.Value),
		zap.Float64("skill", b.Skill),
		zap.Float64("text", b.TextSimilarity),
	)
	return score, nil
}

func (s *Scorer) textSimilarity(ctx context.Context, profile *model.CandidateProfile, posting *model.JobPosting) (float64, error) {
	postingText := strings.TrimSpace(posting.Title + "\n" + posting.Description)
	profileText := strings.TrimSpace(profile.RawText)
	if postingText == "" || profileText == "" {
		return Neutral, nil
	}

	// Text with nothing to embed, e.g. punctuation only, carries no signal.
	pv, err := s.embedder.Embed(ctx, postingText)
	if errors.Is(err, ai.ErrEmptyText) {
		return Neutral, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: posting %s/%s: %w", ErrEmbedding, posting.SourceID, posting.ExternalID, err)
	}
	cv, err := s.embedder.Embed(ctx, profileText)
	if errors.Is(err, ai.ErrEmptyText) {
		return Neutral, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: profile: %w", ErrEmbedding, err)
	}

	return Cosine(pv, cv), nil
}

// Cosine returns the cosine similarity clamped to [0,1]. Zero or mismatched
// vectors give Neutral.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return Neutral
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return Neutral
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// SkillComponent is the weight-averaged proficiency over the posting's required
// skills. Duplicates after normalization count once.
func SkillComponent(proficiency map[string]float64, required []string, weights model.SkillWeights) float64 {
	seen := make(map[string]struct{}, len(required))
	var num, den float64
	for _, raw := range required {
		name := model.NormalizeSkill(raw)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		w := weights.Weight(name)
		den += w
		num += w * proficiency[name]
	}
	if den == 0 {
		return Neutral
	}
	return clamp01(num / den)
}

func ExperienceComponent(years float64, required *float64) float64 {
	if required == nil {
		return Neutral
	}
	if *required <= 0 || years >= *required {
		return 1
	}
	return clamp01(years / *required)
}

func EducationComponent(level model.EducationLevel, required *model.EducationLevel) float64 {
	if required == nil {
		return Neutral
	}
	if level >= *required {
		return 1
	}
	return educationMiss
}

// LocationComponent matches case-insensitively by substring in either direction.
// A preference equal to the remote keyword matches postings that mention it.
func LocationComponent(location string, preferred []string, remoteKeyword string) float64 {
	loc := strings.ToLower(strings.TrimSpace(location))
	prefs := make([]string, 0, len(preferred))
	for _, p := range preferred {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			prefs = append(prefs, p)
		}
	}
	if loc == "" || len(prefs) == 0 {
		return Neutral
	}

	remote := strings.ToLower(strings.TrimSpace(remoteKeyword))
	for _, p := range prefs {
		if remote != "" && p == remote {
			if strings.Contains(loc, remote) {
				return 1
			}
			continue
		}
		if strings.Contains(loc, p) || strings.Contains(p, loc) {
			return 1
		}
	}
	return 0
}

// MatchedSkills lists the required skills the profile has, with their proficiency.
// The learner only touches these.
func MatchedSkills(profile *model.CandidateProfile, posting *model.JobPosting) map[string]float64 {
	idx := profile.SkillIndex()
	out := make(map[string]float64)
	for _, raw := range posting.RequiredSkills {
		name := model.NormalizeSkill(raw)
		if p, ok := idx[name]; ok {
			out[name] = p
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
