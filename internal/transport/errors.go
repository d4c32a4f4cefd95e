package transport

import (
	"errors"
	"fmt"
	"time"
)

// ConnectError means the host was unreachable or no channel slot freed up
// within the bounded wait. Retryable.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError means a remote command produced no result within its
// configured interval. Retryable only for operations that never reached
// the remote side; callers decide via the retry predicate.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote operation %q timed out after %s", e.Op, e.Timeout)
}

// RemoteExecError means the remote command ran and reported a non-zero
// exit code. Never retried: the command's effects may have taken hold.
type RemoteExecError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *RemoteExecError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("remote command exited %d: %s", e.ExitCode, e.Output)
	}
	return fmt.Sprintf("remote command exited %d: %s", e.ExitCode, e.Command)
}

// IsConnectError reports whether err is (or wraps) a ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsRemoteExec reports whether err is (or wraps) a RemoteExecError.
func IsRemoteExec(err error) bool {
	var re *RemoteExecError
	return errors.As(err, &re)
}

// IsTransient reports whether err qualifies for retry under the default
// policy: connection failures and timeouts, never remote exec failures.
func IsTransient(err error) bool {
	return IsConnectError(err) || IsTimeout(err)
}
