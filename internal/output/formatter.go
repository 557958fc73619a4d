// Package output renders run outcomes for the terminal.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/jpoppe/libglue/internal/report"
)

// Mode defines the available output formatting modes.
type Mode string

const (
	// StreamedMode outputs results as they complete with [host] prefixes.
	StreamedMode Mode = "streamed"

	// BufferedMode shows complete output per host after the run completes,
	// in target order.
	BufferedMode Mode = "buffered"

	// JSONMode emits one NDJSON object per outcome.
	JSONMode Mode = "json"
)

// Formatter renders outcomes in one of the output modes.
type Formatter struct {
	mode   Mode
	writer io.Writer
	mu     sync.Mutex
}

// NewFormatter creates a formatter writing to w, or stdout when w is nil.
func NewFormatter(mode Mode, w io.Writer) *Formatter {
	if w == nil {
		w = os.Stdout
	}
	return &Formatter{mode: mode, writer: w}
}

// Emit renders one outcome as it completes. Buffered mode emits nothing
// here; the full report is rendered by Finalize.
func (f *Formatter) Emit(o report.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.mode {
	case StreamedMode:
		return f.streamOutcome(o)
	case JSONMode:
		return f.jsonOutcome(o)
	case BufferedMode:
		return nil
	default:
		return fmt.Errorf("unknown output mode: %s", f.mode)
	}
}

// Finalize renders anything the mode deferred until the run completed.
func (f *Formatter) Finalize(r report.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mode != BufferedMode {
		return nil
	}
	for i, o := range r.Outcomes {
		if i > 0 {
			fmt.Fprintln(f.writer)
		}
		if err := f.bufferedOutcome(o); err != nil {
			return err
		}
	}
	return nil
}

func (f *Formatter) streamOutcome(o report.Outcome) error {
	prefix := fmt.Sprintf("[%s]", o.Target.Host)

	for _, stream := range []string{o.Stdout, o.Stderr} {
		if stream == "" {
			continue
		}
		scanner := bufio.NewScanner(strings.NewReader(stream))
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if _, err := fmt.Fprintf(f.writer, "%s %s\n", prefix, scanner.Text()); err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("scanning output: %w", err)
		}
	}

	if o.Err != nil {
		if _, err := fmt.Fprintf(f.writer, "%s ERROR: %s (status: %s)\n", prefix, o.Err, o.Status); err != nil {
			return fmt.Errorf("writing error: %w", err)
		}
	}
	return nil
}

func (f *Formatter) bufferedOutcome(o report.Outcome) error {
	if _, err := fmt.Fprintf(f.writer, "=== %s ===\n", o.Target.Host); err != nil {
		return fmt.Errorf("writing host header: %w", err)
	}

	for _, stream := range []string{o.Stdout, o.Stderr} {
		if stream == "" {
			continue
		}
		if _, err := fmt.Fprint(f.writer, stream); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
		if !strings.HasSuffix(stream, "\n") {
			fmt.Fprintln(f.writer)
		}
	}

	if o.Err != nil {
		if _, err := fmt.Fprintf(f.writer, "ERROR: %s\n", o.Err); err != nil {
			return fmt.Errorf("writing error: %w", err)
		}
	}

	if _, err := fmt.Fprintf(f.writer, "Status: %s, Exit code: %d, Duration: %v", o.Status, o.ExitCode, o.Duration); err != nil {
		return fmt.Errorf("writing outcome line: %w", err)
	}
	if o.Attempts > 1 {
		fmt.Fprintf(f.writer, ", Attempts: %d", o.Attempts)
	}
	fmt.Fprintln(f.writer)
	return nil
}

// jsonOutcome is the NDJSON shape for one outcome.
type jsonOutcome struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Status     string `json:"status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	Bytes      int64  `json:"bytes,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

func (f *Formatter) jsonOutcome(o report.Outcome) error {
	out := jsonOutcome{
		Host:       o.Target.Host,
		Port:       o.Target.Port,
		Status:     string(o.Status),
		Stdout:     o.Stdout,
		Stderr:     o.Stderr,
		ExitCode:   o.ExitCode,
		Bytes:      o.Bytes,
		DurationMs: o.Duration.Milliseconds(),
		Attempts:   o.Attempts,
	}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}
	if _, err := fmt.Fprintf(f.writer, "%s\n", raw); err != nil {
		return fmt.Errorf("writing outcome: %w", err)
	}
	return nil
}
