// Package report aggregates per-target outcomes into an ordered run
// report.
package report

import (
	"fmt"
	"sync"
	"time"

	"github.com/jpoppe/libglue/internal/target"
)

// Status is the terminal state of one task execution on one target.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusCommandError    Status = "command-error"
	StatusConnectionError Status = "connection-error"
	StatusTimeout         Status = "timeout"
	StatusCancelled       Status = "cancelled"
)

// Outcome is the immutable result of running one task against one
// target.
type Outcome struct {
	Target   target.Target
	Status   Status
	ExitCode int
	Stdout   string
	Stderr   string
	Bytes    int64 // Bytes moved by a transfer task.
	Duration time.Duration
	Attempts int // Connection attempts consumed, 1 for a clean run.
	Err      error
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// Report is the ordered sequence of outcomes for a run, one per
// resolved target, in resolver order.
type Report struct {
	Outcomes []Outcome
	Elapsed  time.Duration
}

// OK reports whether every outcome succeeded.
func (r Report) OK() bool {
	for _, o := range r.Outcomes {
		if !o.OK() {
			return false
		}
	}
	return true
}

// Counts returns the number of outcomes per status.
func (r Report) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// Failed returns the outcomes that did not succeed, in report order.
func (r Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Aggregator collects outcomes as they complete, in any order, and
// reassembles them into the original target order. Each slot is
// written exactly once; slots are keyed by target index so duplicate
// targets still get independent outcomes.
type Aggregator struct {
	mu      sync.Mutex
	order   []target.Target
	slots   []*Outcome
	started time.Time
}

// NewAggregator creates an aggregator for the resolved target order.
func NewAggregator(order []target.Target) *Aggregator {
	return &Aggregator{
		order:   order,
		slots:   make([]*Outcome, len(order)),
		started: time.Now(),
	}
}

// Record stores the outcome for the target at index. Writing a slot
// twice is a dispatcher bug and panics rather than silently dropping a
// result.
func (a *Aggregator) Record(index int, o Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < 0 || index >= len(a.slots) {
		panic(fmt.Sprintf("report: outcome index %d out of range [0,%d)", index, len(a.slots)))
	}
	if a.slots[index] != nil {
		panic(fmt.Sprintf("report: duplicate outcome for target %s", a.order[index].Key()))
	}
	a.slots[index] = &o
}

// Recorded reports whether the slot at index has been written.
func (a *Aggregator) Recorded(index int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots[index] != nil
}

// Collect returns the final report in target order. Any slot with no
// recorded outcome gets a synthetic connection-error placeholder so
// the report always accounts for every resolved target.
func (a *Aggregator) Collect() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	outcomes := make([]Outcome, len(a.slots))
	for i, slot := range a.slots {
		if slot != nil {
			outcomes[i] = *slot
			continue
		}
		outcomes[i] = Outcome{
			Target: a.order[i],
			Status: StatusConnectionError,
			Err:    fmt.Errorf("no result recorded for %s", a.order[i].Key()),
		}
	}

	return Report{
		Outcomes: outcomes,
		Elapsed:  time.Since(a.started),
	}
}
