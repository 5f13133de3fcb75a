// Package profile provides the candidate profile the engine scores against.
package profile

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/model"
)

//go:embed schema.json
var schema string

type Provider interface {
	Load(ctx context.Context) (*model.CandidateProfile, error)
}

// FieldError is one schema violation.
type FieldError struct {
	Field   string
	Message string
}

type ValidationError struct {
	Path   string
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return fmt.Sprintf("profile %s does not match the schema: %s", e.Path, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return model.ErrScoringInputInvalid }

// File reads a JSON profile. RawTextPath, when set, replaces raw_text with the
// content of a plain text resume.
type File struct {
	Path        string
	RawTextPath string
	logger      *zap.Logger
}

func NewFile(path, rawTextPath string, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{Path: path, RawTextPath: rawTextPath, logger: logger}
}

func (f *File) Load(_ context.Context) (*model.CandidateProfile, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	p, err := Parse(f.Path, data)
	if err != nil {
		return nil, err
	}

	if f.RawTextPath != "" {
		text, err := os.ReadFile(f.RawTextPath)
		if err != nil {
			return nil, fmt.Errorf("reading resume text: %w", err)
		}
		p.RawText = strings.TrimSpace(string(text))
	}
	if p.RawText == "" {
		p.RawText = synthesizeText(p)
		f.logger.Debug("profile has no raw text, using skills instead", zap.String("path", f.Path))
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	f.logger.Info("profile loaded",
		zap.String("path", f.Path),
		zap.Int("skills", len(p.Skills)),
		zap.Float64("experience_years", p.ExperienceYears),
		zap.Stringer("education", p.EducationLevel),
	)
	return p, nil
}

// Parse validates data against the profile schema and decodes it.
func Parse(name string, data []byte) (*model.CandidateProfile, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validating profile %s: %w", name, err)
	}
	if !result.Valid() {
		verr := &ValidationError{Path: name, Errors: make([]FieldError, 0, len(result.Errors()))}
		for _, desc := range result.Errors() {
			field := desc.Field()
			if field == "" {
				field = "(root)"
			}
			verr.Errors = append(verr.Errors, FieldError{Field: field, Message: desc.Description()})
		}
		return nil, verr
	}

	var p model.CandidateProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding profile %s: %w", name, err)
	}
	return &p, nil
}

func synthesizeText(p *model.CandidateProfile) string {
	names := make([]string, 0, len(p.Skills))
	for _, s := range p.Skills {
		names = append(names, s.Name)
	}
	return strings.Join(names, ", ")
}
