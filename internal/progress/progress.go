// Package progress renders a terminal progress bar for fleet runs.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const barWidth = 40

// Tracker tracks per-target completion and draws a progress bar.
type Tracker struct {
	total     int
	succeeded int
	failed    int
	startTime time.Time
	mu        sync.Mutex
	writer    io.Writer
	enabled   bool
	lastDraw  time.Time
}

// NewTracker creates a tracker for a fleet of the given size.
func NewTracker(total int, writer io.Writer, enabled bool) *Tracker {
	return &Tracker{
		total:     total,
		startTime: time.Now(),
		writer:    writer,
		enabled:   enabled,
	}
}

// Update records one finished target. Cancelled and failed targets
// both count as not succeeded.
func (p *Tracker) Update(success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if success {
		p.succeeded++
	} else {
		p.failed++
	}
	if p.enabled {
		p.draw()
	}
}

// Finish clears the bar and prints the closing line.
func (p *Tracker) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}

	done := p.succeeded + p.failed
	elapsed := time.Since(p.startTime).Round(time.Second)

	fmt.Fprintf(p.writer, "\r\033[K")
	if p.failed == 0 {
		fmt.Fprintf(p.writer, "completed %d/%d targets in %v\n", p.succeeded, p.total, elapsed)
	} else {
		fmt.Fprintf(p.writer, "completed %d/%d targets (%d ok, %d failed) in %v\n",
			done, p.total, p.succeeded, p.failed, elapsed)
	}
}

// Counts returns the current counters.
func (p *Tracker) Counts() (succeeded, failed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.succeeded, p.failed, p.total
}

func (p *Tracker) draw() {
	now := time.Now()
	done := p.succeeded + p.failed

	// Redraw at most 10 times a second, but never skip the last target.
	if now.Sub(p.lastDraw) < 100*time.Millisecond && done < p.total {
		return
	}
	p.lastDraw = now

	if p.total == 0 {
		return
	}

	fraction := float64(done) / float64(p.total)
	filled := int(float64(barWidth) * fraction)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	elapsed := now.Sub(p.startTime)
	eta := "..."
	if done > 0 {
		remaining := elapsed / time.Duration(done) * time.Duration(p.total-done)
		eta = remaining.Round(time.Second).String()
	}

	fmt.Fprintf(p.writer, "\r[%s] %.1f%% (%d/%d) ok %d failed %d [%v] ETA %s",
		bar, fraction*100, done, p.total, p.succeeded, p.failed,
		elapsed.Round(time.Second), eta)
}
