package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/hupe1980/taskmesh/internal/util"
)

// ValidationError reports bad input shape: a malformed schema, plan or
// argument object. It is never retried.
type ValidationError = util.ValidationError

// ToolNotFoundError is returned when a call names an unregistered tool.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// ToolArgumentError is returned when call arguments cannot be parsed or do
// not satisfy the tool's parameter schema.
type ToolArgumentError struct {
	Tool string
	Err  error
}

func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Err)
}

func (e *ToolArgumentError) Unwrap() error { return e.Err }

// TransientExecutionError marks a network or timeout class failure that may
// succeed when retried.
type TransientExecutionError struct {
	Op  string
	Err error
}

func (e *TransientExecutionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient error: %v", e.Err)
	}
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientExecutionError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a TransientExecutionError.
func NewTransientError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientExecutionError{Op: op, Err: err}
}

// PhaseTimeoutError reports that a whole phase call exceeded its budget.
type PhaseTimeoutError struct {
	Phase   string
	Timeout time.Duration
}

func (e *PhaseTimeoutError) Error() string {
	return fmt.Sprintf("phase %s exceeded timeout of %s", e.Phase, e.Timeout)
}

// RemoteServerUnavailableError reports that a remote tool server cannot be
// reached. The server's tools are disabled for the rest of the session.
type RemoteServerUnavailableError struct {
	Server string
	Err    error
}

func (e *RemoteServerUnavailableError) Error() string {
	return fmt.Sprintf("remote tool server %q unavailable: %v", e.Server, e.Err)
}

func (e *RemoteServerUnavailableError) Unwrap() error { return e.Err }

// IsTransient classifies err as retryable. Network and timeout class errors
// are transient; validation, lookup, argument and caller cancellation errors
// are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var (
		vErr   *ValidationError
		nfErr  *ToolNotFoundError
		argErr *ToolArgumentError
	)
	if errors.As(err, &vErr) || errors.As(err, &nfErr) || errors.As(err, &argErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var (
		tErr  *TransientExecutionError
		ptErr *PhaseTimeoutError
		rsErr *RemoteServerUnavailableError
	)
	if errors.As(err, &tErr) || errors.As(err, &ptErr) || errors.As(err, &rsErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe)
}

// ErrorType returns the short taxonomy name of err as exposed in tool result
// envelopes.
func ErrorType(err error) string {
	var (
		vErr   *ValidationError
		nfErr  *ToolNotFoundError
		argErr *ToolArgumentError
		tErr   *TransientExecutionError
		ptErr  *PhaseTimeoutError
		rsErr  *RemoteServerUnavailableError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &nfErr):
		return "ToolNotFoundError"
	case errors.As(err, &argErr):
		return "ToolArgumentError"
	case errors.As(err, &vErr):
		return "ValidationError"
	case errors.As(err, &rsErr):
		return "RemoteServerUnavailableError"
	case errors.As(err, &ptErr):
		return "PhaseTimeoutError"
	case errors.As(err, &tErr), errors.Is(err, context.DeadlineExceeded):
		return "TransientExecutionError"
	default:
		return "ExecutionError"
	}
}
