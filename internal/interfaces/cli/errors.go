package cli

import (
	"errors"
	"fmt"

	"github.com/clinicdesk/backend/internal/domain/shared"
)

// Exit codes for clinicctl
const (
	ExitSuccess      = 0 // command succeeded, audit clean, repair committed and verified
	ExitFailure      = 1 // audit violations, repair cancelled, rolled back or unverified
	ExitCommandError = 2 // bad flags, configuration or connection errors
)

// ExitError carries the process exit code of a failed command
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

// NewExitError creates an ExitError without an underlying error
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Errors that are not ExitErrors exit with ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// repairExitError maps a repair error to an exit code. Invalid plans and
// unreachable infrastructure are command errors; everything the workflow
// itself refused is a failure.
func repairExitError(err error) *ExitError {
	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		if errors.Is(err, shared.ErrInvalidInput) {
			return WrapExitError(ExitCommandError, "invalid repair", err)
		}
		return WrapExitError(ExitFailure, "repair failed", err)
	}
	return WrapExitError(ExitCommandError, "repair failed", err)
}
