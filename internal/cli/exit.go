package cli

import (
	"errors"
	"fmt"
)

// Exit codes of the loader.
const (
	ExitSuccess     = 0 // every record was processed, unresolved references included
	ExitFatal       = 1 // run aborted: unreadable input, unreachable store, interrupted
	ExitConfigError = 2 // invalid configuration or flags
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps an error returned by a command to an exit code. Errors
// that are not ExitErrors come from cobra's own flag and argument parsing.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitConfigError
}
