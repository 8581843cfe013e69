package logger

import (
	"strings"

	"go.uber.org/zap"
)

const (
	// FieldProvider is the structured log field key for the oracle provider name.
	FieldProvider = "oracle_provider"
	// FieldModel is the structured log field key for the oracle model identifier.
	FieldModel = "oracle_model"

	FieldCandidate   = "candidate_id"
	FieldJob         = "job_id"
	FieldApplication = "application_id"
	FieldRecipient   = "recipient_id"
	FieldMessage     = "message_id"
	FieldActor       = "actor_id"
	FieldRole        = "actor_role"

	// FieldConsistencyWarning marks entries where a side effect was lost after commit.
	FieldConsistencyWarning = "consistency_warning"
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

// WithFields attaches fields to the logger, defaulting to a no-op logger when nil.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// OracleFields describes the oracle provider and model.
func OracleFields(provider, model string) []zap.Field {
	return StringFields(
		StringField{Key: FieldProvider, Value: provider},
		StringField{Key: FieldModel, Value: model},
	)
}

// PairFields identifies a candidate/job pair.
func PairFields(candidateID, jobID string) []zap.Field {
	return StringFields(
		StringField{Key: FieldCandidate, Value: candidateID},
		StringField{Key: FieldJob, Value: jobID},
	)
}

// ActorFields identifies who performed an operation.
func ActorFields(id, role string) []zap.Field {
	return StringFields(
		StringField{Key: FieldActor, Value: id},
		StringField{Key: FieldRole, Value: role},
	)
}

// ConsistencyWarning logs a committed change whose follow-up side effect failed.
func ConsistencyWarning(logger *zap.Logger, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	logger.Warn(msg, append(fields, zap.Bool(FieldConsistencyWarning, true))...)
}
