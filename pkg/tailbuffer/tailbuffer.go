// Package tailbuffer provides a fixed-capacity writer that retains only the
// most recently written bytes. The launcher attaches one to the engine
// process's stderr so that crash diagnostics can include the tail of its
// output without buffering the whole stream.
package tailbuffer

import (
	"io"
	"strings"
	"sync"
)

type TailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	start     int
	length    int
	truncated bool
}

// New creates a tail buffer retaining at most capacity bytes.
func New(capacity int) *TailBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &TailBuffer{buf: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails and never blocks on the reader
// side; older bytes are dropped once capacity is exceeded.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= len(t.buf) {
		copy(t.buf, p[n-len(t.buf):])
		t.start = 0
		if n > len(t.buf) || t.length > 0 {
			t.truncated = true
		}
		t.length = len(t.buf)
		return n, nil
	}
	for _, b := range p {
		end := (t.start + t.length) % len(t.buf)
		t.buf[end] = b
		if t.length < len(t.buf) {
			t.length++
		} else {
			t.start = (t.start + 1) % len(t.buf)
			t.truncated = true
		}
	}
	return n, nil
}

// Bytes returns a copy of the retained tail without draining it.
func (t *TailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]byte, t.length)
	for i := 0; i < t.length; i++ {
		out[i] = t.buf[(t.start+i)%len(t.buf)]
	}
	return out
}

// String returns the retained tail trimmed to whole lines. If the oldest
// retained line was cut mid-way by capacity eviction it is dropped, so the
// result always starts at a line boundary.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	truncated := t.truncated
	t.mu.Unlock()

	s := string(t.Bytes())
	if truncated {
		if idx := strings.IndexByte(s, '\n'); idx >= 0 {
			s = s[idx+1:]
		}
	}
	return strings.TrimRight(s, "\n")
}

// Read implements io.Reader, draining the retained tail.
func (t *TailBuffer) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.length == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && t.length > 0 {
		p[n] = t.buf[t.start]
		t.start = (t.start + 1) % len(t.buf)
		t.length--
		n++
	}
	return n, nil
}
