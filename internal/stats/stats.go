// Package stats provides real-time statistics tracking for glue runs.
package stats

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jpoppe/libglue/internal/report"
)

// Counters holds the live run counters.
type Counters struct {
	StartTime        time.Time
	TotalTargets     int
	Succeeded        int
	Failed           int
	Cancelled        int
	Active           int
	TotalAttempts    int
	BytesTransferred int64
}

// Tracker accumulates outcomes and periodically renders a status line.
type Tracker struct {
	mu       sync.RWMutex
	counters Counters
	writer   io.Writer
	enabled  bool
	ticker   *time.Ticker
	done     chan struct{}
}

// NewTracker creates a tracker for a fleet of the given size.
func NewTracker(totalTargets int, writer io.Writer, enabled bool) *Tracker {
	return &Tracker{
		counters: Counters{
			StartTime:    time.Now(),
			TotalTargets: totalTargets,
		},
		writer:  writer,
		enabled: enabled,
		done:    make(chan struct{}),
	}
}

// Start begins the periodic status line. No-op when disabled.
func (t *Tracker) Start() {
	if !t.enabled {
		return
	}

	t.ticker = time.NewTicker(time.Second)
	go func() {
		for {
			select {
			case <-t.ticker.C:
				t.render()
			case <-t.done:
				return
			}
		}
	}()
}

// Stop halts the status line and prints the final summary.
func (t *Tracker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
		close(t.done)
	}
	if t.enabled {
		t.renderFinal()
	}
}

// TargetStarted notes that a worker picked up a target.
func (t *Tracker) TargetStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters.Active++
}

// TargetCompleted folds one outcome into the counters.
func (t *Tracker) TargetCompleted(o report.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters.Active--
	t.counters.TotalAttempts += o.Attempts
	t.counters.BytesTransferred += o.Bytes

	switch {
	case o.OK():
		t.counters.Succeeded++
	case o.Status == report.StatusCancelled:
		t.counters.Cancelled++
	default:
		t.counters.Failed++
	}
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Counters {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counters
}

func (t *Tracker) render() {
	c := t.Snapshot()
	elapsed := time.Since(c.StartTime)
	completed := c.Succeeded + c.Failed + c.Cancelled

	var rate float64
	if elapsed.Seconds() > 0 {
		rate = float64(completed) / elapsed.Seconds()
	}

	eta := "calculating..."
	if rate > 0 {
		remaining := float64(c.TotalTargets-completed) / rate
		eta = (time.Duration(remaining) * time.Second).String()
	}

	fmt.Fprintf(t.writer, "\r\033[K")
	fmt.Fprintf(t.writer, "targets: %d/%d (ok %d, failed %d, active %d) | %.1f/s | data: %s | ETA %s | %v",
		completed, c.TotalTargets,
		c.Succeeded, c.Failed, c.Active,
		rate, humanize.IBytes(uint64(c.BytesTransferred)), eta,
		elapsed.Round(time.Second))
}

func (t *Tracker) renderFinal() {
	c := t.Snapshot()
	elapsed := time.Since(c.StartTime)

	fmt.Fprintf(t.writer, "\r\033[K\n")
	fmt.Fprintf(t.writer, "Run summary:\n")
	fmt.Fprintf(t.writer, "  Targets:     %d\n", c.TotalTargets)
	if c.TotalTargets > 0 {
		fmt.Fprintf(t.writer, "  Succeeded:   %d (%.1f%%)\n", c.Succeeded, percent(c.Succeeded, c.TotalTargets))
		fmt.Fprintf(t.writer, "  Failed:      %d (%.1f%%)\n", c.Failed, percent(c.Failed, c.TotalTargets))
	}
	if c.Cancelled > 0 {
		fmt.Fprintf(t.writer, "  Cancelled:   %d\n", c.Cancelled)
	}
	fmt.Fprintf(t.writer, "  Attempts:    %d\n", c.TotalAttempts)
	if c.BytesTransferred > 0 {
		fmt.Fprintf(t.writer, "  Transferred: %s\n", humanize.IBytes(uint64(c.BytesTransferred)))
	}
	fmt.Fprintf(t.writer, "  Elapsed:     %v\n", elapsed.Round(time.Millisecond))
}

func percent(part, total int) float64 {
	return float64(part) / float64(total) * 100
}
