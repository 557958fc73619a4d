package sshtransport

import (
	"bytes"
	"sync"
)

// cappedBuffer keeps at most max bytes and silently drops the rest.
// It is safe for the concurrent writes an SSH session performs.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	dropped int64
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

// Write implements io.Writer. It always reports the full length so the
// remote stream is drained rather than stalled.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.dropped += int64(n)
		return n, nil
	}
	if n > room {
		b.dropped += int64(n - room)
		p = p[:room]
	}
	b.buf.Write(p)
	return n, nil
}

// String returns the captured bytes.
func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Truncated reports whether any output was dropped.
func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}
