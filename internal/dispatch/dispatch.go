// Package dispatch fans one task out to many targets concurrently,
// bounded by a worker pool, with per-target timeouts, retries, and
// total failure isolation between targets.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	glueerr "github.com/jpoppe/libglue/internal/errors"
	"github.com/jpoppe/libglue/internal/logging"
	"github.com/jpoppe/libglue/internal/report"
	"github.com/jpoppe/libglue/internal/session"
	"github.com/jpoppe/libglue/internal/sshtransport"
	"github.com/jpoppe/libglue/internal/target"
	"github.com/jpoppe/libglue/internal/task"
)

// Config holds dispatcher settings.
type Config struct {
	// Concurrency is the maximum number of targets executing at any
	// instant.
	Concurrency int

	// ConnectTimeout bounds session setup per connection attempt.
	ConnectTimeout time.Duration

	// TargetTimeout bounds one task execution per target, including
	// connection attempts. Zero means no bound.
	TargetTimeout time.Duration

	// TransferTimeout overrides TargetTimeout for transfer tasks; large
	// copies need a different bound than short commands. Zero falls
	// back to TargetTimeout.
	TransferTimeout time.Duration

	// Retry bounds re-execution after transient transport failures.
	// Connection-attempt retries are handled by the session manager.
	Retry session.RetryPolicy

	// Credentials resolves authentication per target. Defaults to
	// sshtransport.ResolveCredentials. Resolved once at run start.
	Credentials func(target.Target) sshtransport.CredentialSource

	// Expand rewrites the command for one target (template support).
	// Nil means the command is used verbatim.
	Expand func(command string, t target.Target) (string, error)

	// OnStart, when set, observes each target as a worker picks it up.
	OnStart func(t target.Target)

	// OnOutcome, when set, observes each outcome as it completes, in
	// completion order. The returned report is still in target order.
	OnOutcome func(report.Outcome)
}

// Dispatcher runs tasks across target fleets.
type Dispatcher struct {
	sessions *session.Manager
	cfg      Config
	logger   *logging.Logger
}

// New creates a dispatcher on top of a session manager.
func New(sessions *session.Manager, cfg Config, logger *logging.Logger) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Credentials == nil {
		cfg.Credentials = func(t target.Target) sshtransport.CredentialSource {
			return sshtransport.ResolveCredentials(t)
		}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{sessions: sessions, cfg: cfg, logger: logger}
}

// Run executes one task against every target and returns a report with
// exactly one outcome per target, in the given order. A single
// target's failure never aborts the others. Cancelling ctx stops
// launching new targets immediately; targets not yet started are
// recorded as cancelled, never dropped.
func (d *Dispatcher) Run(ctx context.Context, tk task.Task, targets []target.Target) report.Report {
	agg := report.NewAggregator(targets)
	if len(targets) == 0 {
		return agg.Collect()
	}

	// Credentials are resolved once, before any worker starts.
	creds := make([]sshtransport.CredentialSource, len(targets))
	for i, t := range targets {
		creds[i] = d.cfg.Credentials(t)
	}

	workers := d.cfg.Concurrency
	if workers > len(targets) {
		workers = len(targets)
	}

	d.logger.RunStart(len(targets), workers, d.cfg.Retry.MaxAttempts)

	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				var o report.Outcome
				if ctx.Err() != nil {
					o = report.Outcome{
						Target: targets[idx],
						Status: report.StatusCancelled,
						Err:    &glueerr.CancelledError{Addr: targets[idx].Addr()},
					}
				} else {
					if d.cfg.OnStart != nil {
						d.cfg.OnStart(targets[idx])
					}
					o = d.runTarget(ctx, tk, targets[idx], creds[idx])
				}
				agg.Record(idx, o)
				if d.cfg.OnOutcome != nil {
					d.cfg.OnOutcome(o)
				}
			}
		}()
	}

	for i := range targets {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	rep := agg.Collect()
	counts := rep.Counts()
	d.logger.RunComplete(len(targets), counts[report.StatusSuccess], len(targets)-counts[report.StatusSuccess], rep.Elapsed)
	return rep
}

// runTarget executes the task against one target: acquire a session,
// execute, release, retrying retryable transport failures until the
// policy is exhausted. Each attempt walks Connecting → Executing and
// ends Success, Retryable, or Fatal.
func (d *Dispatcher) runTarget(ctx context.Context, tk task.Task, tgt target.Target, creds sshtransport.CredentialSource) report.Outcome {
	timeout := d.cfg.TargetTimeout
	if tk.Kind == task.Transfer && d.cfg.TransferTimeout > 0 {
		timeout = d.cfg.TransferTimeout
	}

	tctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	attempts := 0

	for execAttempt := 1; ; execAttempt++ {
		// Connecting.
		sess, dialAttempts, err := d.sessions.Acquire(tctx, tgt, creds, d.cfg.ConnectTimeout)
		attempts += dialAttempts
		if err != nil {
			// Acquire already exhausted its dial retries; this is fatal
			// for the target.
			return d.failure(ctx, tctx, tgt, err, attempts, started)
		}

		// Executing.
		o, execErr := d.execute(tctx, sess, tk, tgt)
		sess.Release()

		if execErr == nil && sess.Broken() {
			execErr = &glueerr.ConnectionError{Addr: tgt.Addr(), Err: errors.New("session broken by failed keepalive")}
		}

		if execErr == nil {
			o.Target = tgt
			o.Attempts = attempts
			o.Duration = time.Since(started)
			d.logger.TaskDone(tgt, string(o.Status), o.ExitCode, o.Duration, attempts)
			return o
		}

		// Retryable loops back to Connecting; anything else is Fatal.
		if glueerr.IsRetryable(execErr) && execAttempt < d.cfg.Retry.MaxAttempts {
			backoff := d.cfg.Retry.Backoff(execAttempt)
			d.logger.Retry(tgt, execAttempt, backoff, "transport error during execution")
			select {
			case <-time.After(backoff):
				continue
			case <-tctx.Done():
			}
		}

		return d.failure(ctx, tctx, tgt, execErr, attempts, started)
	}
}

// execute runs the task body over an acquired session.
func (d *Dispatcher) execute(ctx context.Context, sess *session.Session, tk task.Task, tgt target.Target) (report.Outcome, error) {
	switch tk.Kind {
	case task.Transfer:
		var n int64
		var err error
		if tk.Direction == task.Download {
			n, err = sess.Conn().Pull(ctx, tk.Source, tk.Destination)
		} else {
			n, err = sess.Conn().Push(ctx, tk.Source, tk.Destination)
		}
		if err != nil {
			return report.Outcome{}, err
		}
		return report.Outcome{Status: report.StatusSuccess, Bytes: n}, nil

	default:
		command := tk.Command
		if d.cfg.Expand != nil {
			expanded, err := d.cfg.Expand(command, tgt)
			if err != nil {
				return report.Outcome{
					Status:   report.StatusCommandError,
					ExitCode: -1,
					Err:      err,
				}, nil
			}
			command = expanded
		}

		res, err := sess.Conn().Exec(ctx, command)
		if err != nil {
			return report.Outcome{}, err
		}

		o := report.Outcome{
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
		if tk.Accepts(res.ExitCode) {
			o.Status = report.StatusSuccess
		} else {
			o.Status = report.StatusCommandError
			o.Err = &glueerr.CommandError{Addr: tgt.Addr(), ExitCode: res.ExitCode}
		}
		return o, nil
	}
}

// failure classifies a terminal error into an outcome status.
func (d *Dispatcher) failure(ctx, tctx context.Context, tgt target.Target, err error, attempts int, started time.Time) report.Outcome {
	o := report.Outcome{
		Target:   tgt,
		Attempts: attempts,
		Duration: time.Since(started),
		Err:      err,
	}

	switch {
	case ctx.Err() != nil:
		// Run-level abort wins over per-target classification.
		o.Status = report.StatusCancelled
		o.Err = &glueerr.CancelledError{Addr: tgt.Addr()}
	case tctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		o.Status = report.StatusTimeout
		o.Err = &glueerr.TimeoutError{Addr: tgt.Addr(), Err: err}
	default:
		o.Status = report.StatusConnectionError
	}

	d.logger.TaskDone(tgt, string(o.Status), o.ExitCode, o.Duration, attempts)
	return o
}
