package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	glueerr "github.com/jpoppe/libglue/internal/errors"
	"github.com/jpoppe/libglue/internal/report"
	"github.com/jpoppe/libglue/internal/session"
	"github.com/jpoppe/libglue/internal/sshtransport"
	"github.com/jpoppe/libglue/internal/target"
	"github.com/jpoppe/libglue/internal/task"
)

// script controls the fake transport's behavior for one host.
type script struct {
	dialErrs []error // consumed in order, then dials succeed
	execErrs []error // consumed in order, then execs succeed
	exitCode int
	stdout   string
	delay    time.Duration // exec duration
	pushN    int64
	pingErrs []error // consumed in order, then probes succeed
}

// fakeTransport scripts behavior per host and records concurrency.
type fakeTransport struct {
	mu        sync.Mutex
	scripts   map[string]*script
	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{scripts: make(map[string]*script)}
}

func (f *fakeTransport) script(host string) *script {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scripts[host]
	if !ok {
		s = &script{}
		f.scripts[host] = s
	}
	return s
}

func (f *fakeTransport) Dial(ctx context.Context, t target.Target, creds sshtransport.CredentialSource, timeout time.Duration) (sshtransport.Conn, error) {
	s := f.script(t.Host)

	f.mu.Lock()
	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	return &fakeConn{tr: f, s: s}, nil
}

type fakeConn struct {
	tr *fakeTransport
	s  *script
}

func (c *fakeConn) Exec(ctx context.Context, command string) (sshtransport.ExecResult, error) {
	n := c.tr.active.Add(1)
	for {
		old := c.tr.maxActive.Load()
		if n <= old || c.tr.maxActive.CompareAndSwap(old, n) {
			break
		}
	}
	defer c.tr.active.Add(-1)

	c.tr.mu.Lock()
	var err error
	if len(c.s.execErrs) > 0 {
		err = c.s.execErrs[0]
		c.s.execErrs = c.s.execErrs[1:]
	}
	delay := c.s.delay
	res := sshtransport.ExecResult{ExitCode: c.s.exitCode, Stdout: c.s.stdout}
	c.tr.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return sshtransport.ExecResult{}, ctx.Err()
		}
	}
	if err != nil {
		return sshtransport.ExecResult{}, err
	}
	return res, nil
}

func (c *fakeConn) Push(ctx context.Context, src, dst string) (int64, error) {
	return c.s.pushN, nil
}

func (c *fakeConn) Pull(ctx context.Context, src, dst string) (int64, error) {
	return c.s.pushN, nil
}

func (c *fakeConn) Ping() error {
	c.tr.mu.Lock()
	defer c.tr.mu.Unlock()
	if len(c.s.pingErrs) > 0 {
		err := c.s.pingErrs[0]
		c.s.pingErrs = c.s.pingErrs[1:]
		return err
	}
	return nil
}
func (c *fakeConn) Close() error { return nil }

func targets(hosts ...string) []target.Target {
	out := make([]target.Target, len(hosts))
	for i, h := range hosts {
		out[i] = target.Target{Host: h, Port: 22, User: "root"}
	}
	return out
}

func newDispatcher(tr sshtransport.Transport, cfg Config) *Dispatcher {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = session.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2}
	}
	mgr := session.NewManager(tr, cfg.Concurrency, cfg.Retry, 0, nil)
	return New(mgr, cfg, nil)
}

func refused(host string) error {
	return &glueerr.ConnectionError{Addr: host + ":22", Err: fmt.Errorf("connection refused")}
}

func TestReportHasOneOutcomePerTarget(t *testing.T) {
	tr := newFakeTransport()
	tr.script("h2").dialErrs = []error{refused("h2")}
	tr.script("h4").exitCode = 3

	d := newDispatcher(tr, Config{})
	rep := d.Run(context.Background(), task.NewCommand("uptime"), targets("h1", "h2", "h3", "h4", "h5"))

	require.Len(t, rep.Outcomes, 5)
	for i, h := range []string{"h1", "h2", "h3", "h4", "h5"} {
		assert.Equal(t, h, rep.Outcomes[i].Target.Host)
	}
}

func TestIsolationAndOrdering(t *testing.T) {
	// The scenario from the drawing board: h2's connection fails, its
	// neighbors still succeed, and the report preserves target order.
	tr := newFakeTransport()
	tr.script("h2").dialErrs = []error{refused("h2")}

	d := newDispatcher(tr, Config{})
	rep := d.Run(context.Background(), task.NewCommand("echo ok"), targets("h1", "h2", "h3"))

	require.Len(t, rep.Outcomes, 3)
	assert.Equal(t, report.StatusSuccess, rep.Outcomes[0].Status)
	assert.Equal(t, report.StatusConnectionError, rep.Outcomes[1].Status)
	assert.Equal(t, report.StatusSuccess, rep.Outcomes[2].Status)
	assert.False(t, rep.OK())
}

func TestConcurrencyBound(t *testing.T) {
	tr := newFakeTransport()
	hosts := make([]string, 12)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("h%d", i)
		tr.script(hosts[i]).delay = 10 * time.Millisecond
	}

	d := newDispatcher(tr, Config{Concurrency: 3})
	rep := d.Run(context.Background(), task.NewCommand("true"), targets(hosts...))

	assert.True(t, rep.OK())
	assert.LessOrEqual(t, tr.maxActive.Load(), int32(3))
	assert.Greater(t, tr.maxActive.Load(), int32(1))
}

func TestSerializationUnderLimitOne(t *testing.T) {
	tr := newFakeTransport()
	for _, h := range []string{"h1", "h2", "h3"} {
		tr.script(h).delay = 30 * time.Millisecond
	}

	d := newDispatcher(tr, Config{Concurrency: 1})
	start := time.Now()
	rep := d.Run(context.Background(), task.NewCommand("true"), targets("h1", "h2", "h3"))
	elapsed := time.Since(start)

	assert.True(t, rep.OK())
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.EqualValues(t, 1, tr.maxActive.Load())
}

func TestTimeoutYieldsTimeoutStatus(t *testing.T) {
	tr := newFakeTransport()
	tr.script("h1").delay = 5 * time.Second

	d := newDispatcher(tr, Config{TargetTimeout: 30 * time.Millisecond})
	start := time.Now()
	rep := d.Run(context.Background(), task.NewCommand("sleep 600"), targets("h1"))
	elapsed := time.Since(start)

	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, report.StatusTimeout, rep.Outcomes[0].Status)
	var te *glueerr.TimeoutError
	assert.ErrorAs(t, rep.Outcomes[0].Err, &te)
	// Bounded cancellation: nowhere near the 5s the fake would sleep.
	assert.Less(t, elapsed, time.Second)
}

func TestSlowTargetDoesNotDelayOthers(t *testing.T) {
	tr := newFakeTransport()
	tr.script("slow").delay = 200 * time.Millisecond

	d := newDispatcher(tr, Config{Concurrency: 2})

	var fastDone time.Duration
	start := time.Now()
	d.cfg.OnOutcome = func(o report.Outcome) {
		if o.Target.Host == "fast" {
			fastDone = time.Since(start)
		}
	}

	rep := d.Run(context.Background(), task.NewCommand("true"), targets("slow", "fast"))
	assert.True(t, rep.OK())
	assert.Less(t, fastDone, 100*time.Millisecond)
}

func TestGlobalCancellation(t *testing.T) {
	tr := newFakeTransport()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{Concurrency: 1}
	cfg.OnOutcome = func(o report.Outcome) {
		// Abort the run as soon as the first target completes.
		cancel()
	}

	d := newDispatcher(tr, cfg)
	rep := d.Run(ctx, task.NewCommand("true"), targets("h1", "h2", "h3", "h4", "h5"))

	require.Len(t, rep.Outcomes, 5)
	counts := rep.Counts()
	assert.Equal(t, 1, counts[report.StatusSuccess])
	assert.Equal(t, 4, counts[report.StatusCancelled])
}

func TestEmptyTargetsReturnsEmptyReport(t *testing.T) {
	d := newDispatcher(newFakeTransport(), Config{})
	rep := d.Run(context.Background(), task.NewCommand("true"), nil)
	assert.Empty(t, rep.Outcomes)
	assert.True(t, rep.OK())
}

func TestDuplicateTargetsGetIndependentOutcomes(t *testing.T) {
	tr := newFakeTransport()
	d := newDispatcher(tr, Config{})
	rep := d.Run(context.Background(), task.NewCommand("true"), targets("h1", "h1"))

	require.Len(t, rep.Outcomes, 2)
	assert.Equal(t, report.StatusSuccess, rep.Outcomes[0].Status)
	assert.Equal(t, report.StatusSuccess, rep.Outcomes[1].Status)
}

func TestUnexpectedExitCodeIsCommandError(t *testing.T) {
	tr := newFakeTransport()
	tr.script("h1").exitCode = 2

	d := newDispatcher(tr, Config{})

	rep := d.Run(context.Background(), task.NewCommand("grep x /etc/passwd"), targets("h1"))
	assert.Equal(t, report.StatusCommandError, rep.Outcomes[0].Status)
	assert.Equal(t, 2, rep.Outcomes[0].ExitCode)

	// The same exit code can be declared expected.
	rep = d.Run(context.Background(), task.NewCommand("grep x /etc/passwd", 1, 2), targets("h1"))
	assert.Equal(t, report.StatusSuccess, rep.Outcomes[0].Status)
}

func TestRetryableExecFailureIsRetried(t *testing.T) {
	tr := newFakeTransport()
	tr.script("h1").execErrs = []error{
		&glueerr.ConnectionError{Addr: "h1:22", Err: fmt.Errorf("broken pipe")},
	}

	d := newDispatcher(tr, Config{
		Retry: session.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2},
	})
	rep := d.Run(context.Background(), task.NewCommand("true"), targets("h1"))

	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, report.StatusSuccess, rep.Outcomes[0].Status)
	assert.Equal(t, 2, rep.Outcomes[0].Attempts)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	tr := newFakeTransport()
	tr.script("h1").dialErrs = []error{
		&glueerr.ConnectionError{Addr: "h1:22", Auth: true, Err: fmt.Errorf("bad key")},
	}

	d := newDispatcher(tr, Config{
		Retry: session.RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, Multiplier: 2},
	})
	rep := d.Run(context.Background(), task.NewCommand("true"), targets("h1"))

	assert.Equal(t, report.StatusConnectionError, rep.Outcomes[0].Status)
	assert.Equal(t, 1, rep.Outcomes[0].Attempts)
}

func TestBrokenKeepaliveFailsTask(t *testing.T) {
	// The probe fails while the command is still running; the session is
	// marked broken and the task must not report a clean success.
	tr := newFakeTransport()
	s := tr.script("h1")
	s.delay = 60 * time.Millisecond
	s.pingErrs = []error{fmt.Errorf("connection reset")}

	retry := session.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2}
	mgr := session.NewManager(tr, 4, retry, 5*time.Millisecond, nil)
	d := New(mgr, Config{Concurrency: 4, Retry: retry}, nil)

	rep := d.Run(context.Background(), task.NewCommand("true"), targets("h1"))

	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, report.StatusConnectionError, rep.Outcomes[0].Status)
	var ce *glueerr.ConnectionError
	assert.ErrorAs(t, rep.Outcomes[0].Err, &ce)
}

func TestBrokenKeepaliveIsRetried(t *testing.T) {
	// With attempts left, a broken session reconnects; the second
	// attempt's probe stays healthy and the task succeeds.
	tr := newFakeTransport()
	s := tr.script("h1")
	s.delay = 60 * time.Millisecond
	s.pingErrs = []error{fmt.Errorf("connection reset")}

	retry := session.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2}
	mgr := session.NewManager(tr, 4, retry, 5*time.Millisecond, nil)
	d := New(mgr, Config{Concurrency: 4, Retry: retry}, nil)

	rep := d.Run(context.Background(), task.NewCommand("true"), targets("h1"))

	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, report.StatusSuccess, rep.Outcomes[0].Status)
}

func TestTransferTask(t *testing.T) {
	tr := newFakeTransport()
	tr.script("h1").pushN = 4096

	d := newDispatcher(tr, Config{})
	rep := d.Run(context.Background(), task.NewTransfer("./build.tar", "/tmp/build.tar", task.Upload), targets("h1"))

	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, report.StatusSuccess, rep.Outcomes[0].Status)
	assert.EqualValues(t, 4096, rep.Outcomes[0].Bytes)
}

func TestExpandRewritesCommandPerTarget(t *testing.T) {
	tr := newFakeTransport()
	var mu sync.Mutex
	seen := map[string]bool{}

	d := newDispatcher(tr, Config{
		Expand: func(command string, tgt target.Target) (string, error) {
			mu.Lock()
			seen[tgt.Host] = true
			mu.Unlock()
			return command + " # " + tgt.Host, nil
		},
	})
	rep := d.Run(context.Background(), task.NewCommand("uptime"), targets("h1", "h2"))

	assert.True(t, rep.OK())
	assert.True(t, seen["h1"])
	assert.True(t, seen["h2"])
}
