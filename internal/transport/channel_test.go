package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// fakeConn satisfies sshConn without a network. Exec paths are exercised
// through the deploy package's fakes; these tests cover the slot budget.
type fakeConn struct {
	closed bool
}

func (f *fakeConn) NewSession() (*ssh.Session, error) {
	return nil, errors.New("fakeConn has no sessions")
}

func (f *fakeConn) SendRequest(string, bool, []byte) (bool, []byte, error) {
	return true, nil, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func newFakeChannel(t *testing.T, budget int, connectTimeout time.Duration) *SSHChannel {
	t.Helper()
	c, err := NewSSHChannel(Options{
		Host:           "dockhost.local",
		User:           "deploy",
		Password:       "x",
		HostKey:        "ignored-by-fake-dial",
		SessionBudget:  budget,
		ConnectTimeout: connectTimeout,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	c.dial = func(ctx context.Context) (sshConn, error) {
		return &fakeConn{}, nil
	}
	return c
}

func TestAcquireRespectsBudget(t *testing.T) {
	c := newFakeChannel(t, 2, 200*time.Millisecond)
	ctx := context.Background()

	h1, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	h2, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	// Budget exhausted: the third acquire must fail with a ConnectError
	// once the bounded wait elapses.
	_, err = c.Acquire(ctx)
	if err == nil {
		t.Fatal("third acquire should fail with budget exhausted")
	}
	if !IsConnectError(err) {
		t.Fatalf("error type = %T, want *ConnectError", err)
	}

	if err := h1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	// A slot freed up; acquire succeeds again.
	h3, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}

	h2.Release()
	h3.Release()
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	c := newFakeChannel(t, 1, 5*time.Second)
	ctx := context.Background()

	h1, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan Handle)
	go func() {
		h, err := c.Acquire(ctx)
		if err != nil {
			t.Errorf("blocked acquire: %v", err)
			close(acquired)
			return
		}
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while the slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	h1.Release()

	select {
	case h := <-acquired:
		if h != nil {
			h.Release()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not complete after release")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	c := newFakeChannel(t, 1, time.Second)

	h, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}

	// Exactly one slot came back; a double release must not mint slots.
	if got := len(c.slots); got != 1 {
		t.Errorf("free slots = %d, want 1", got)
	}
}

func TestExecOnReleasedHandle(t *testing.T) {
	c := newFakeChannel(t, 1, time.Second)

	h, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Release()

	if _, err := h.Exec(context.Background(), "true", nil); err == nil {
		t.Error("exec on released handle should fail")
	}
}

func TestDialFailureReturnsSlot(t *testing.T) {
	c := newFakeChannel(t, 1, time.Second)
	c.dial = func(ctx context.Context) (sshConn, error) {
		return nil, errors.New("connection refused")
	}

	_, err := c.Acquire(context.Background())
	if !IsConnectError(err) {
		t.Fatalf("error = %v, want *ConnectError", err)
	}
	if got := len(c.slots); got != 1 {
		t.Errorf("free slots = %d, want 1 (slot must return on dial failure)", got)
	}
}

func TestErrorClassification(t *testing.T) {
	connect := &ConnectError{Addr: "h:22", Err: errors.New("refused")}
	timeout := &TimeoutError{Op: "docker ps", Timeout: time.Second}
	execErr := &RemoteExecError{Command: "docker compose up", ExitCode: 1}

	if !IsTransient(connect) || !IsTransient(timeout) {
		t.Error("connect and timeout errors must be transient")
	}
	if IsTransient(execErr) {
		t.Error("remote exec errors must never be transient")
	}
	if !IsRemoteExec(execErr) {
		t.Error("IsRemoteExec should match")
	}

	// Wrapped errors still classify.
	wrapped := errorsJoin("apply service api", connect)
	if !IsConnectError(wrapped) {
		t.Error("wrapped connect error should classify")
	}
}

func errorsJoin(msg string, err error) error {
	return &wrappedErr{msg: msg, err: err}
}

type wrappedErr struct {
	msg string
	err error
}

func (w *wrappedErr) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrappedErr) Unwrap() error { return w.err }

func TestRetryPolicy(t *testing.T) {
	t.Run("retries transient then succeeds", func(t *testing.T) {
		policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}
		calls := 0
		err := policy.Do(context.Background(), zerolog.Nop(), "acquire", IsTransient, func() error {
			calls++
			if calls < 3 {
				return &ConnectError{Addr: "h:22", Err: errors.New("refused")}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("does not retry remote exec errors", func(t *testing.T) {
		policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}
		calls := 0
		err := policy.Do(context.Background(), zerolog.Nop(), "apply", IsTransient, func() error {
			calls++
			return &RemoteExecError{Command: "apply", ExitCode: 1}
		})
		if !IsRemoteExec(err) {
			t.Fatalf("error = %v, want *RemoteExecError", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1 (no retry)", calls)
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		policy := RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}
		calls := 0
		err := policy.Do(context.Background(), zerolog.Nop(), "acquire", IsTransient, func() error {
			calls++
			return &TimeoutError{Op: "acquire", Timeout: time.Second}
		})
		if !IsTimeout(err) {
			t.Fatalf("error = %v, want *TimeoutError", err)
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("honors context cancellation during backoff", func(t *testing.T) {
		policy := RetryPolicy{MaxAttempts: 5, Backoff: time.Minute}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		err := policy.Do(ctx, zerolog.Nop(), "acquire", IsTransient, func() error {
			return &ConnectError{Addr: "h:22", Err: errors.New("refused")}
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	})
}
