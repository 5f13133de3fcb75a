package model

import (
	"fmt"
	"strings"
	"time"
)

type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// Terminal reports whether no further transition is allowed from o.
func (o Outcome) Terminal() bool {
	return o == OutcomeSuccess || o == OutcomeRejected || o == OutcomeError
}

// Learnable reports whether o says something about match quality.
func (o Outcome) Learnable() bool {
	return o == OutcomeSuccess || o == OutcomeRejected
}

func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomePending, OutcomeSuccess, OutcomeRejected, OutcomeError:
		return o, nil
	default:
		return "", fmt.Errorf("unknown outcome %q", s)
	}
}

// ScoreBreakdown keeps every component in [0,1] for explainability and learning.
type ScoreBreakdown struct {
	Skill          float64 `json:"skill"`
	Experience     float64 `json:"experience"`
	Education      float64 `json:"education"`
	Location       float64 `json:"location"`
	TextSimilarity float64 `json:"text_similarity"`
}

type MatchScore struct {
	Identity  Identity       `json:"identity"`
	Value     float64        `json:"value"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// ApplicationRecord is append-only. The outcome moves from pending to a terminal
// value at most once, and LearningApplied flips to true at most once.
type ApplicationRecord struct {
	ID              string             `json:"id"`
	Identity        Identity           `json:"identity"`
	SourceID        string             `json:"source_id"`
	ExternalID      string             `json:"external_id"`
	Posting         JobPosting         `json:"posting"`
	AppliedAt       time.Time          `json:"applied_at"`
	Outcome         Outcome            `json:"outcome"`
	Score           MatchScore         `json:"score"`
	MatchedSkills   map[string]float64 `json:"matched_skills,omitempty"`
	Error           string             `json:"error,omitempty"`
	Note            string             `json:"note,omitempty"`
	LearningApplied bool               `json:"learning_applied"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
}

// CountsTowardsQuota mirrors the quota rule: errors never consume a slot.
func (r *ApplicationRecord) CountsTowardsQuota() bool {
	return r.Outcome != OutcomeError
}

type Decision string

const (
	DecisionApplied Decision = "applied"
	DecisionSkipped Decision = "skipped"
	DecisionError   Decision = "error"
)

// LedgerEntry is the durable proof that a posting was already decided upon.
type LedgerEntry struct {
	Identity   Identity  `json:"identity"`
	SourceID   string    `json:"source_id"`
	ExternalID string    `json:"external_id"`
	Decision   Decision  `json:"decision"`
	MarkedAt   time.Time `json:"marked_at"`
}

type DailyQuotaCounter struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// DateKey formats t as the calendar day used by quota counters.
func DateKey(t time.Time) string {
	return t.Format(time.DateOnly)
}
