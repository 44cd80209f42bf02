package activation

import (
	"errors"
	"fmt"
)

// ValidationError rejects a request before any step runs: bad schedule,
// empty name, unknown template, missing required credential. Surfaced
// immediately, never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StepFailure halts the pipeline. The step name and the collaborator's
// message are preserved so the instance's error state is inspectable.
type StepFailure struct {
	Step Step
	Err  error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }
