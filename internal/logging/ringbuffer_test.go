package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRingBufferBasicWrite(t *testing.T) {
	rb := NewRingBuffer(64)

	n, err := rb.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected n=5, got %d", n)
	}

	got := rb.Bytes()
	if string(got) != "hello" {
		t.Errorf("expected 'hello', got %q", string(got))
	}
}

func TestRingBufferWrap(t *testing.T) {
	rb := NewRingBuffer(10)

	_, _ = rb.Write([]byte("abcdefghij")) // fills exactly
	_, _ = rb.Write([]byte("12345"))      // wraps

	got := rb.Bytes()
	if string(got) != "fghij12345" {
		t.Errorf("expected 'fghij12345', got %q", string(got))
	}
}

func TestRingBufferLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(5)

	_, _ = rb.Write([]byte("0123456789"))

	got := rb.Bytes()
	if string(got) != "56789" {
		t.Errorf("expected '56789', got %q", string(got))
	}
}

func TestRingBufferMultipleSmallWrites(t *testing.T) {
	rb := NewRingBuffer(8)

	_, _ = rb.Write([]byte("AA"))
	_, _ = rb.Write([]byte("BB"))
	_, _ = rb.Write([]byte("CC"))
	_, _ = rb.Write([]byte("DD"))
	got := rb.Bytes()
	if string(got) != "AABBCCDD" {
		t.Errorf("expected 'AABBCCDD', got %q", string(got))
	}

	// One more write wraps
	_, _ = rb.Write([]byte("EE"))
	got = rb.Bytes()
	if string(got) != "BBCCDDEE" {
		t.Errorf("expected 'BBCCDDEE', got %q", string(got))
	}
}

func TestRingBufferLen(t *testing.T) {
	rb := NewRingBuffer(8)
	if rb.Len() != 0 {
		t.Errorf("expected empty buffer, got %d", rb.Len())
	}

	_, _ = rb.Write([]byte("abc"))
	if rb.Len() != 3 {
		t.Errorf("expected 3, got %d", rb.Len())
	}

	_, _ = rb.Write([]byte("0123456789"))
	if rb.Len() != 8 {
		t.Errorf("expected capacity 8 after overflow, got %d", rb.Len())
	}
}

func TestRingBufferDumpToFile(t *testing.T) {
	rb := NewRingBuffer(32)
	_, _ = rb.Write([]byte("dump_test_data"))

	dir := t.TempDir()
	path := filepath.Join(dir, "dump.log")
	if err := rb.DumpToFile(path); err != nil {
		t.Fatalf("dump failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read dump file: %v", err)
	}
	if string(data) != "dump_test_data" {
		t.Errorf("expected 'dump_test_data', got %q", string(data))
	}
}
