package mandate

import (
	"errors"
	"fmt"
)

// ErrMandateNotFound is returned when no mandate exists for an id.
var ErrMandateNotFound = errors.New("mandate not found")

// ValidationError reports malformed or out-of-range input. The message is
// safe to return to the caller.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// MandateValidationError reports a domain rule violation against a
// mandate, e.g. a cart total exceeding its intent's amount cap.
type MandateValidationError struct {
	MandateID string
	Msg       string
}

func (e *MandateValidationError) Error() string {
	if e.MandateID == "" {
		return e.Msg
	}
	return fmt.Sprintf("mandate %s: %s", e.MandateID, e.Msg)
}
