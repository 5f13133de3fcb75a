package model

import (
	"strings"
	"time"
)

const (
	DefaultSkillWeight = 1.0
	MinSkillWeight     = 0.0
	MaxSkillWeight     = 2.0

	// Company preferences start neutral and stay within [0,1].
	DefaultCompanyPreference = 0.5
	MinCompanyPreference     = 0.0
	MaxCompanyPreference     = 1.0
)

var skillAliases = map[string]string{
	"golang":     "go",
	"go lang":    "go",
	"js":         "javascript",
	"ts":         "typescript",
	"k8s":        "kubernetes",
	"node.js":    "node",
	"nodejs":     "node",
	"react.js":   "react",
	"reactjs":    "react",
	"vue.js":     "vue",
	"vuejs":      "vue",
	"postgres":   "postgresql",
	"psql":       "postgresql",
	"py":         "python",
	"python3":    "python",
	"ml":         "machine learning",
	"amazon aws": "aws",
}

// NormalizeSkill maps a skill name to the key used by the weight store and the scorer.
func NormalizeSkill(name string) string {
	n := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	if canonical, ok := skillAliases[n]; ok {
		return canonical
	}
	return n
}

// ClampWeight keeps a skill weight within [MinSkillWeight, MaxSkillWeight].
func ClampWeight(w float64) float64 {
	if w != w { // NaN
		return DefaultSkillWeight
	}
	if w < MinSkillWeight {
		return MinSkillWeight
	}
	if w > MaxSkillWeight {
		return MaxSkillWeight
	}
	return w
}

// SkillWeights is a read-only snapshot of the learned per-skill importance
// together with the learned preference per employer.
type SkillWeights struct {
	Weights     map[string]float64 `json:"weights"`
	Companies   map[string]float64 `json:"companies,omitempty"`
	UpdateCount int64              `json:"update_count"`
	LastDecayAt time.Time          `json:"last_decay_at"`
}

// Weight returns the stored weight or the default for skills never seen.
func (w SkillWeights) Weight(skill string) float64 {
	if v, ok := w.Weights[NormalizeSkill(skill)]; ok {
		return v
	}
	return DefaultSkillWeight
}

// Clone returns a deep copy so callers can mutate without touching the snapshot.
func (w SkillWeights) Clone() SkillWeights {
	out := SkillWeights{
		Weights:     make(map[string]float64, len(w.Weights)),
		Companies:   make(map[string]float64, len(w.Companies)),
		UpdateCount: w.UpdateCount,
		LastDecayAt: w.LastDecayAt,
	}
	for k, v := range w.Weights {
		out.Weights[k] = v
	}
	for k, v := range w.Companies {
		out.Companies[k] = v
	}
	return out
}

// CompanyPreference returns the learned preference for an employer, or the
// neutral default for employers without any resolved application.
func (w SkillWeights) CompanyPreference(company string) float64 {
	if v, ok := w.Companies[NormalizeCompany(company)]; ok {
		return v
	}
	return DefaultCompanyPreference
}

// NormalizeCompany is the key of an employer in the preference map.
func NormalizeCompany(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func ClampCompanyPreference(p float64) float64 {
	if p != p {
		return DefaultCompanyPreference
	}
	if p < MinCompanyPreference {
		return MinCompanyPreference
	}
	if p > MaxCompanyPreference {
		return MaxCompanyPreference
	}
	return p
}
