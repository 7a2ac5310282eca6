package common

import (
	"errors"
	"fmt"
)

// ValidationError reports a record that was rejected before touching the store.
type ValidationError struct {
	Kind   Kind
	Reason string
	Line   int
}

func (e *ValidationError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("line %d: invalid record: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("line %d: invalid %s record: %s", e.Line, e.Kind, e.Reason)
}

// RecordFailedError reports a record whose store writes could not be applied,
// either because retries were exhausted or the store rejected it outright.
type RecordFailedError struct {
	Line int
	Kind Kind
	Key  NaturalKey
	Err  error
}

func (e *RecordFailedError) Error() string {
	return fmt.Sprintf("line %d: %s:%s failed: %v", e.Line, e.Kind, e.Key.Qualified(), e.Err)
}

func (e *RecordFailedError) Unwrap() error {
	return e.Err
}

// FatalError stops the pipeline. It is the only error that propagates out of a
// worker.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal: " + e.Reason
	}
	return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
