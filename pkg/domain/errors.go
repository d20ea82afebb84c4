package domain

import "errors"

// Expected, user-facing failures. Anything else returned by a collaborator is
// treated as a fault.
var (
	ErrDuplicateBatch       = errors.New("batch already registered")
	ErrUnknownBatch         = errors.New("unknown batch")
	ErrNotFound             = errors.New("batch not found")
	ErrInvalidPayloadFormat = errors.New("invalid payload format")
	ErrCameraAccessDenied   = errors.New("camera access denied")
	ErrEmptyIdentifier      = errors.New("batch identifier required")
	ErrInvalidEvent         = errors.New("invalid event")
)

// IsExpected reports whether err belongs to the expected taxonomy rather than
// being a collaborator fault.
func IsExpected(err error) bool {
	if err == nil {
		return true
	}
	var ruleErr RuleViolationError
	if errors.As(err, &ruleErr) {
		return true
	}
	for _, target := range []error{
		ErrDuplicateBatch,
		ErrUnknownBatch,
		ErrNotFound,
		ErrInvalidPayloadFormat,
		ErrCameraAccessDenied,
		ErrEmptyIdentifier,
		ErrInvalidEvent,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
