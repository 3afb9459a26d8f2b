package model

import (
	"errors"
	"fmt"
)

// ConfigError is a startup configuration problem (empty or malformed
// question bank, missing target address). It is the only error class that
// halts the process.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
	}
	return "configuration: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ValidationError marks data that fails an internal invariant, such as a
// grade outside [0,100]. The offending value is discarded and the step is
// retried on a later tick.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// TransientError wraps a send, poll or grade failure that is expected to
// succeed on a later tick. State is left untouched when one occurs.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// GradingError marks a malformed response from the grading model. It is
// retried like a transient failure but logged distinctly so prompt or model
// problems are diagnosable.
type GradingError struct {
	Raw string
	Err error
}

func (e *GradingError) Error() string { return fmt.Sprintf("grading: %v (raw: %s)", e.Err, e.Raw) }

func (e *GradingError) Unwrap() error { return e.Err }

// IsFatal reports whether an error should stop the process rather than be
// retried on the next tick.
func IsFatal(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
