// Package errors defines the error taxonomy for libglue runs.
//
// Only a ResolutionError aborts a run before dispatch. Every other
// error is recorded per target in the final report and never
// interrupts sibling targets.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ResolutionError indicates a host specification that yields zero
// targets or references an undefined group. It is fatal to the run.
type ResolutionError struct {
	Spec   string
	Reason string
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	if e.Spec == "" {
		return fmt.Sprintf("target resolution failed: %s", e.Reason)
	}
	return fmt.Sprintf("target resolution failed for %q: %s", e.Spec, e.Reason)
}

// ConnectionError indicates a failure to establish or keep a session
// to one target. Auth distinguishes authentication failures, which are
// never retried, from transient network failures, which are.
type ConnectionError struct {
	Addr string
	Auth bool
	Err  error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	kind := "connection"
	if e.Auth {
		kind = "authentication"
	}
	return fmt.Sprintf("%s failed for %s: %v", kind, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError indicates a remote command that exited with a code
// outside the task's expected set.
type CommandError struct {
	Addr     string
	ExitCode int
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("command on %s exited with code %d", e.Addr, e.ExitCode)
}

// TimeoutError indicates a per-target execution that exceeded its
// bound. It cancels that target's unit only.
type TimeoutError struct {
	Addr string
	Err  error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution on %s timed out: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error { return e.Err }

// CancelledError indicates a run-level abort observed before the
// target completed.
type CancelledError struct {
	Addr string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("execution on %s cancelled", e.Addr)
}

// IsAuth reports whether err is, or wraps, an authentication failure.
func IsAuth(err error) bool {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Auth
	}
	return isAuthMessage(err)
}

// IsRetryable reports whether err represents a transient transport
// failure worth another attempt. Authentication failures and context
// cancellation are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsAuth(err) {
		return false
	}

	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return isTransientMessage(err)
}

// isAuthMessage matches SSH authentication failures by message. The
// transport library does not expose a typed auth error, so keyword
// matching is the only classification available.
func isAuthMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{
		"unable to authenticate",
		"authentication failed",
		"permission denied (publickey)",
		"no supported authentication methods",
		"access denied",
	} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// isTransientMessage matches network failures that tend to resolve on
// retry.
func isTransientMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"connection lost",
		"network unreachable",
		"no route to host",
		"host unreachable",
		"broken pipe",
		"i/o timeout",
		"unexpected eof",
		"handshake failed",
	} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
