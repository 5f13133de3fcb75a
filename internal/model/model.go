// Package model holds the data shared by the scoring, throttling and source layers.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrScoringInputInvalid marks a malformed posting or profile. Only the affected
// posting is skipped; a cycle keeps going.
var ErrScoringInputInvalid = errors.New("scoring input invalid")

// EducationLevel is an ordinal scale, so levels can be compared with >=.
type EducationLevel int

const (
	EducationNone EducationLevel = iota
	EducationAssociate
	EducationBachelor
	EducationMaster
	EducationDoctorate
)

var educationNames = map[EducationLevel]string{
	EducationNone:      "none",
	EducationAssociate: "associate",
	EducationBachelor:  "bachelor",
	EducationMaster:    "master",
	EducationDoctorate: "doctorate",
}

func (e EducationLevel) String() string {
	if name, ok := educationNames[e]; ok {
		return name
	}
	return fmt.Sprintf("education(%d)", int(e))
}

// Valid reports whether e is one of the known levels.
func (e EducationLevel) Valid() bool {
	_, ok := educationNames[e]
	return ok
}

// ParseEducation accepts level names and a few common spellings.
func ParseEducation(s string) (EducationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return EducationNone, nil
	case "associate", "associates":
		return EducationAssociate, nil
	case "bachelor", "bachelors", "bsc", "ba", "bs":
		return EducationBachelor, nil
	case "master", "masters", "msc", "ma", "ms":
		return EducationMaster, nil
	case "doctorate", "phd", "doctor":
		return EducationDoctorate, nil
	default:
		return EducationNone, fmt.Errorf("%w: unknown education level %q", ErrScoringInputInvalid, s)
	}
}

// MarshalText encodes the level by name so persisted records stay readable.
func (e EducationLevel) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("unknown education level %d", int(e))
	}
	return []byte(e.String()), nil
}

func (e *EducationLevel) UnmarshalText(text []byte) error {
	level, err := ParseEducation(string(text))
	if err != nil {
		return err
	}
	*e = level
	return nil
}

type Skill struct {
	Name        string  `json:"name"`
	Proficiency float64 `json:"proficiency"`
}

// CandidateProfile is produced once by the profile provider and never mutated afterwards.
type CandidateProfile struct {
	Skills             []Skill        `json:"skills"`
	ExperienceYears    float64        `json:"experience_years"`
	EducationLevel     EducationLevel `json:"education_level"`
	PreferredLocations []string       `json:"preferred_locations"`
	RawText            string         `json:"raw_text"`
}

func (p *CandidateProfile) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: profile is nil", ErrScoringInputInvalid)
	}
	for i, s := range p.Skills {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: skill #%d has empty name", ErrScoringInputInvalid, i)
		}
		if math.IsNaN(s.Proficiency) || s.Proficiency < 0 || s.Proficiency > 1 {
			return fmt.Errorf("%w: skill %q proficiency %v outside [0,1]", ErrScoringInputInvalid, s.Name, s.Proficiency)
		}
	}
	if math.IsNaN(p.ExperienceYears) || p.ExperienceYears < 0 {
		return fmt.Errorf("%w: experience years %v", ErrScoringInputInvalid, p.ExperienceYears)
	}
	if !p.EducationLevel.Valid() {
		return fmt.Errorf("%w: education level %d", ErrScoringInputInvalid, int(p.EducationLevel))
	}
	return nil
}

// SkillIndex maps normalized skill names to proficiency. A repeated skill keeps
// its highest proficiency.
func (p *CandidateProfile) SkillIndex() map[string]float64 {
	idx := make(map[string]float64, len(p.Skills))
	for _, s := range p.Skills {
		name := NormalizeSkill(s.Name)
		if name == "" {
			continue
		}
		if cur, ok := idx[name]; !ok || s.Proficiency > cur {
			idx[name] = s.Proficiency
		}
	}
	return idx
}

// JobPosting is one listing as returned by a source adapter.
type JobPosting struct {
	SourceID                string          `json:"source_id"`
	ExternalID              string          `json:"external_id"`
	Title                   string          `json:"title"`
	Description             string          `json:"description"`
	Location                string          `json:"location"`
	PostedAt                time.Time       `json:"posted_at"`
	RequiredSkills          []string        `json:"required_skills"`
	RequiredExperienceYears *float64        `json:"required_experience_years,omitempty"`
	RequiredEducation       *EducationLevel `json:"required_education,omitempty"`
	Company                 string          `json:"company,omitempty"`
	CompanyID               string          `json:"company_id,omitempty"`
	URL                     string          `json:"url,omitempty"`
}

// Identity derives the dedup key from the source and the source-native id only,
// so edits to the posting text never produce a new identity.
func (j *JobPosting) Identity() Identity {
	return NewIdentity(j.SourceID, j.ExternalID)
}

func (j *JobPosting) Validate() error {
	if j == nil {
		return fmt.Errorf("%w: posting is nil", ErrScoringInputInvalid)
	}
	if strings.TrimSpace(j.SourceID) == "" {
		return fmt.Errorf("%w: posting has empty source id", ErrScoringInputInvalid)
	}
	if strings.TrimSpace(j.ExternalID) == "" {
		return fmt.Errorf("%w: posting from %s has empty external id", ErrScoringInputInvalid, j.SourceID)
	}
	if y := j.RequiredExperienceYears; y != nil && (math.IsNaN(*y) || *y < 0) {
		return fmt.Errorf("%w: posting %s/%s required experience %v", ErrScoringInputInvalid, j.SourceID, j.ExternalID, *y)
	}
	if e := j.RequiredEducation; e != nil && !e.Valid() {
		return fmt.Errorf("%w: posting %s/%s required education %d", ErrScoringInputInvalid, j.SourceID, j.ExternalID, int(*e))
	}
	return nil
}

// Identity is the stable posting key: hex sha256 over source and external id.
type Identity string

func NewIdentity(sourceID, externalID string) Identity {
	sum := sha256.Sum256([]byte(sourceID + "\x00" + externalID))
	return Identity(hex.EncodeToString(sum[:]))
}

func (i Identity) String() string { return string(i) }

// Short is used in logs.
func (i Identity) Short() string {
	if len(i) <= 12 {
		return string(i)
	}
	return string(i[:12])
}
