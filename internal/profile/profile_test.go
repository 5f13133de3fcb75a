package profile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/job-responder/internal/model"
)

const validProfile = `{
  "skills": [{"name": "Go", "proficiency": 0.9}, {"name": "SQL", "proficiency": 0.5}],
  "experience_years": 6,
  "education_level": "master",
  "preferred_locations": ["Berlin", "remote"],
  "raw_text": "Backend engineer"
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileLoad(t *testing.T) {
	path := writeFile(t, "profile.json", validProfile)

	p, err := NewFile(path, "", nil).Load(context.Background())
	require.NoError(t, err)

	assert.Len(t, p.Skills, 2)
	assert.Equal(t, model.EducationMaster, p.EducationLevel)
	assert.Equal(t, 6.0, p.ExperienceYears)
	assert.Equal(t, "Backend engineer", p.RawText)
}

func TestFileLoadRawTextOverride(t *testing.T) {
	path := writeFile(t, "profile.json", validProfile)
	text := writeFile(t, "resume.txt", "  Ten years of Go and Postgres.\n")

	p, err := NewFile(path, text, nil).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ten years of Go and Postgres.", p.RawText)
}

func TestFileLoadWithoutRawText(t *testing.T) {
	path := writeFile(t, "profile.json", `{"skills":[{"name":"Go","proficiency":1},{"name":"Kubernetes","proficiency":0.4}]}`)

	p, err := NewFile(path, "", nil).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Go, Kubernetes", p.RawText)
	assert.Equal(t, model.EducationNone, p.EducationLevel)
}

func TestSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing skills", body: `{"experience_years": 1}`},
		{name: "proficiency above one", body: `{"skills":[{"name":"Go","proficiency":1.5}]}`},
		{name: "negative experience", body: `{"skills":[],"experience_years":-1}`},
		{name: "unknown education", body: `{"skills":[],"education_level":"wizard"}`},
		{name: "unknown field", body: `{"skills":[],"hobbies":["chess"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.json", []byte(tt.body))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
			assert.NotEmpty(t, verr.Errors)
			assert.ErrorIs(t, err, model.ErrScoringInputInvalid)
		})
	}
}
