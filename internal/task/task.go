// Package task defines the unit of work applied uniformly across
// targets.
package task

import "fmt"

// Kind discriminates between command execution and file transfer.
type Kind int

const (
	// Command runs a shell command on the remote host.
	Command Kind = iota
	// Transfer copies a file or directory between hosts.
	Transfer
)

// Direction of a file transfer, relative to the control process.
type Direction int

const (
	// Upload copies from the control process to the target.
	Upload Direction = iota
	// Download copies from the target to the control process.
	Download
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

// Task is one unit of work. A single Task value is shared read-only
// across all targets of a run.
type Task struct {
	Kind Kind

	// Command fields.
	Command       string
	ExpectedCodes []int // Exit codes treated as success; empty means {0}.

	// Transfer fields.
	Source      string
	Destination string
	Direction   Direction
}

// NewCommand builds a command task. expected lists additional exit
// codes to treat as success besides zero.
func NewCommand(command string, expected ...int) Task {
	return Task{Kind: Command, Command: command, ExpectedCodes: expected}
}

// NewTransfer builds a file-transfer task.
func NewTransfer(source, destination string, direction Direction) Task {
	return Task{
		Kind:        Transfer,
		Source:      source,
		Destination: destination,
		Direction:   direction,
	}
}

// Accepts reports whether exitCode counts as success for this task.
func (t Task) Accepts(exitCode int) bool {
	if exitCode == 0 {
		return true
	}
	for _, c := range t.ExpectedCodes {
		if c == exitCode {
			return true
		}
	}
	return false
}

// Validate checks that the task is complete enough to dispatch.
func (t Task) Validate() error {
	switch t.Kind {
	case Command:
		if t.Command == "" {
			return fmt.Errorf("command task without a command")
		}
	case Transfer:
		if t.Source == "" || t.Destination == "" {
			return fmt.Errorf("transfer task requires source and destination")
		}
	default:
		return fmt.Errorf("unknown task kind %d", t.Kind)
	}
	return nil
}

// String describes the task for logs and dry runs. Command text is
// not included; commands may embed secrets.
func (t Task) String() string {
	if t.Kind == Transfer {
		return fmt.Sprintf("%s %s -> %s", t.Direction, t.Source, t.Destination)
	}
	return "command"
}
