package logging

import (
	"os"
	"sync"
)

// defaultRingSize holds roughly the last few thousand JSONL records, enough
// to reconstruct the turns leading up to a crash.
const defaultRingSize = 4 * 1024 * 1024

// RingBuffer keeps the most recent log bytes in memory so they can be
// dumped after a failure even if file logging lagged or was rotated away.
// It implements io.Writer; old data is overwritten once capacity is reached.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	head  int // index of the oldest byte
	count int // bytes currently stored
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = defaultRingSize
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. Never fails; oversized writes keep only
// their newest bytes.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	size := len(rb.buf)
	if n >= size {
		copy(rb.buf, p[n-size:])
		rb.head = 0
		rb.count = size
		return n, nil
	}

	tail := (rb.head + rb.count) % size
	wrote := copy(rb.buf[tail:], p)
	if wrote < n {
		copy(rb.buf, p[wrote:])
	}

	rb.count += n
	if rb.count > size {
		rb.head = (rb.head + rb.count - size) % size
		rb.count = size
	}
	return n, nil
}

// Len returns the number of bytes currently held.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Bytes returns the stored contents in write order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.count)
	first := copy(out, rb.buf[rb.head:min(rb.head+rb.count, len(rb.buf))])
	if first < rb.count {
		copy(out[first:], rb.buf[:rb.count-first])
	}
	return out
}

// DumpToFile writes the stored contents to path. Log lines can carry
// message text, so the dump is not world-readable.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
