package logging

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jpoppe/libglue/internal/target"
)

func TestQuietSuppressesInfoButNotErrors(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Format: FormatText, Output: &buf, Quiet: true})

	l.Info("should be dropped")
	assert.Empty(t, buf.String())

	l.Error("kept", "reason", "boom")
	assert.Contains(t, buf.String(), "kept")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Format: FormatJSON, Output: &buf})

	l.Info("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestSessionEventsOmitSecrets(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Format: FormatText, Output: &buf})

	tgt := target.Target{
		User:         "admin",
		Host:         "web1",
		Port:         22,
		Password:     "hunter2",
		IdentityFile: "/home/admin/.ssh/id_ed25519",
	}
	l.SessionOpened(tgt, 42*time.Millisecond, 1)
	l.TaskDone(tgt, "success", 0, time.Second, 1)

	out := buf.String()
	assert.Contains(t, out, "web1")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "id_ed25519")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "error", Format: FormatText, Output: &buf})

	l.Info("dropped")
	l.Warn("dropped too")
	assert.Empty(t, buf.String())

	l.Error("kept")
	assert.Contains(t, buf.String(), "kept")
}
