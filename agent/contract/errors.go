package contract

import (
	"errors"
	"strings"
)

var (
	ErrAccessDenied      = errors.New("memory access denied")
	ErrNoActiveSession   = errors.New("no active reflection session")
	ErrSessionActive     = errors.New("reflection session already active")
	ErrEmptySession      = errors.New("reflection session has no turns")
	ErrProviderExhausted = errors.New("all llm providers exhausted")
	ErrDeliveryFailed    = errors.New("goal delivery failed")
	ErrAssessmentPersist = errors.New("assessment persistence failed")
	ErrSchemaViolation   = errors.New("model response violates schema")
	ErrPromptMissing     = errors.New("required prompt is missing")
	ErrValidation        = errors.New("validation failed")
)

// IsProviderExhausted reports whether err stems from the provider chain
// running dry. It also matches by message because graph runners may wrap
// node errors without preserving the unwrap chain.
func IsProviderExhausted(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrProviderExhausted) ||
		strings.Contains(err.Error(), ErrProviderExhausted.Error())
}
