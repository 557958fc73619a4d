// Package session owns the lifecycle of transport sessions: open with
// retry, keep-alive, and guaranteed close. It enforces a hard cap on
// simultaneously open sessions.
package session

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	glueerr "github.com/jpoppe/libglue/internal/errors"
	"github.com/jpoppe/libglue/internal/logging"
	"github.com/jpoppe/libglue/internal/sshtransport"
	"github.com/jpoppe/libglue/internal/target"
)

// RetryPolicy bounds connection retries. Delay for attempt n is
// BaseDelay × Multiplier^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy makes a single attempt: no retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 1,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the delay before the given retry (attempt starts at
// 1 for the first retry).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Manager acquires and releases sessions. The cap on open sessions
// equals the dispatcher's concurrency limit so the engine cannot
// exhaust the remote fleet.
type Manager struct {
	transport sshtransport.Transport
	sem       *semaphore.Weighted
	retry     RetryPolicy
	keepalive time.Duration
	logger    *logging.Logger
	open      atomic.Int64
}

// NewManager creates a session manager. keepalive of zero disables
// probing.
func NewManager(transport sshtransport.Transport, limit int, retry RetryPolicy, keepalive time.Duration, logger *logging.Logger) *Manager {
	if limit < 1 {
		limit = 1
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		transport: transport,
		sem:       semaphore.NewWeighted(int64(limit)),
		retry:     retry,
		keepalive: keepalive,
		logger:    logger,
	}
}

// Open returns the number of currently open sessions.
func (m *Manager) Open() int64 { return m.open.Load() }

// Acquire opens a session to one target, retrying transient network
// failures per the retry policy. Authentication failures are never
// retried. The returned attempt count includes the failed tries.
func (m *Manager) Acquire(ctx context.Context, t target.Target, creds sshtransport.CredentialSource, connectTimeout time.Duration) (*Session, int, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}

	attempt := 0
	for {
		attempt++
		started := time.Now()

		conn, err := m.transport.Dial(ctx, t, creds, connectTimeout)
		if err == nil {
			m.open.Add(1)
			m.logger.SessionOpened(t, time.Since(started), attempt)

			s := &Session{
				conn:   conn,
				target: t,
				mgr:    m,
				done:   make(chan struct{}),
			}
			if m.keepalive > 0 {
				go s.probe(m.keepalive)
			}
			return s, attempt, nil
		}

		m.logger.SessionFailed(t, err, attempt)

		if attempt >= m.retry.MaxAttempts || !glueerr.IsRetryable(err) {
			m.sem.Release(1)
			return nil, attempt, err
		}

		backoff := m.retry.Backoff(attempt)
		m.logger.Retry(t, attempt, backoff, "connection error")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.sem.Release(1)
			return nil, attempt, ctx.Err()
		}
	}
}

// Session is one live connection to one target, exclusively owned by
// the task execution that acquired it.
type Session struct {
	conn    sshtransport.Conn
	target  target.Target
	mgr     *Manager
	broken  atomic.Bool
	done    chan struct{}
	release sync.Once
}

// Conn exposes the underlying transport channel.
func (s *Session) Conn() sshtransport.Conn { return s.conn }

// Target returns the session's target.
func (s *Session) Target() target.Target { return s.target }

// Broken reports whether a keep-alive probe failed. A broken session
// fails its owning task with a connection error.
func (s *Session) Broken() bool { return s.broken.Load() }

// Release closes the session and returns its slot. Safe to call on
// every exit path; only the first call does the work.
func (s *Session) Release() {
	s.release.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.mgr.open.Add(-1)
		s.mgr.sem.Release(1)
	})
}

// probe runs keep-alive pings on a fixed interval, independent of task
// execution. A failed probe marks the session broken and force-closes
// the channel so a blocked task unblocks promptly.
func (s *Session) probe(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.Ping(); err != nil {
				s.broken.Store(true)
				s.mgr.logger.Error("keepalive failed",
					"host", s.target.Host,
					"error", err.Error(),
				)
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
