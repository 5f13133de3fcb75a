package logger

import (
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/utils"
)

const (
	// FieldProvider is the structured log field key for the embedding provider name.
	FieldProvider = "ai_provider"
	// FieldModel is the structured log field key for the embedding model identifier.
	FieldModel = "ai_model"

	FieldSource     = "source"
	FieldExternalID = "external_id"
	FieldIdentity   = "identity"
	FieldTitle      = "title"
	FieldCompany    = "company"

	titleLimit = 80
)

// StringField describes a string-valued structured logging field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts the provided key/value pairs into zap fields, trimming
// whitespace and omitting entries with empty keys or values.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}

		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}

		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields safely attaches the provided fields to the logger.
// A nil logger becomes a no-op logger.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// CommonFields returns the fields describing the embedding provider and model.
func CommonFields(provider, model string) []zap.Field {
	return StringFields(
		StringField{Key: FieldProvider, Value: provider},
		StringField{Key: FieldModel, Value: model},
	)
}

func WithCommonFields(logger *zap.Logger, provider, model string) *zap.Logger {
	fields := CommonFields(provider, model)
	return WithFields(logger, fields...)
}

// PostingFields identifies a posting in logs. Long titles are shortened.
func PostingFields(p model.JobPosting) []zap.Field {
	return StringFields(
		StringField{Key: FieldSource, Value: p.SourceID},
		StringField{Key: FieldExternalID, Value: p.ExternalID},
		StringField{Key: FieldIdentity, Value: p.Identity().Short()},
		StringField{Key: FieldTitle, Value: utils.TruncateForLog(p.Title, titleLimit)},
		StringField{Key: FieldCompany, Value: p.Company},
	)
}
