package supervisor

import (
	"strings"
	"sync"
)

// cappedBuffer accumulates process output under a byte cap. When a write
// pushes it over the cap, the oldest half is discarded: completeness is
// traded for liveness under pathological output volume. Length never
// exceeds the cap plus one write's worth of slack.
type cappedBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newCappedBuffer(capBytes int) *cappedBuffer {
	if capBytes <= 0 {
		capBytes = 1 << 20 // 1 MiB default
	}
	return &cappedBuffer{cap: capBytes}
}

// Write implements io.Writer.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.cap {
		keep := len(b.buf) / 2
		copy(b.buf, b.buf[len(b.buf)-keep:])
		b.buf = b.buf[:keep]
	}
	return len(p), nil
}

// Len returns the current accumulated length.
func (b *cappedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// HasLine reports whether the buffer holds at least one completed,
// non-blank line.
func (b *cappedBuffer) HasLine() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := strings.IndexByte(string(b.buf), '\n')
	if i < 0 {
		return false
	}
	return strings.TrimSpace(string(b.buf[:i+1])) != ""
}

// TakeAll returns the accumulated content and clears the buffer.
func (b *cappedBuffer) TakeAll() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := string(b.buf)
	b.buf = b.buf[:0]
	return out
}

// Discard drops any accumulated content.
func (b *cappedBuffer) Discard() {
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.mu.Unlock()
}

// TakeThroughMarker looks for a completed line equal to marker. If found it
// returns everything before that line and consumes through it, leaving any
// trailing output in place. Returns ok=false when no marker line exists yet.
func (b *cappedBuffer) TakeThroughMarker(marker string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	content := string(b.buf)
	offset := 0
	for {
		nl := strings.IndexByte(content[offset:], '\n')
		if nl < 0 {
			return "", false
		}
		line := content[offset : offset+nl]
		if strings.TrimSpace(line) == marker {
			before := content[:offset]
			rest := content[offset+nl+1:]
			b.buf = append(b.buf[:0], rest...)
			return before, true
		}
		offset += nl + 1
	}
}
