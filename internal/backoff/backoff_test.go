package backoff

import (
	"testing"
	"time"
)

func TestNextDoublesUpToCap(t *testing.T) {
	p := New(time.Second, 30*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := p.Next(); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestDelaysAreMonotonic(t *testing.T) {
	p := New(2*time.Second, 30*time.Second)

	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := p.Next()
		if d < prev {
			t.Fatalf("delay decreased: %v after %v", d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("delay exceeded cap: %v", d)
		}
		prev = d
	}
}

func TestResetReturnsToBase(t *testing.T) {
	p := New(time.Second, 30*time.Second)

	for i := 0; i < 5; i++ {
		p.Next()
	}
	if p.Attempt() != 5 {
		t.Fatalf("expected attempt=5, got %d", p.Attempt())
	}

	p.Reset()
	if p.Attempt() != 0 {
		t.Fatalf("expected attempt=0 after reset, got %d", p.Attempt())
	}
	if got := p.Next(); got != time.Second {
		t.Fatalf("expected base delay after reset, got %v", got)
	}
}

func TestDefaults(t *testing.T) {
	p := New(0, 0)
	if got := p.Next(); got != time.Second {
		t.Fatalf("expected 1s default base, got %v", got)
	}
}

func TestCapBelowBase(t *testing.T) {
	p := New(10*time.Second, time.Second)
	if got := p.Next(); got != 10*time.Second {
		t.Fatalf("expected cap raised to base, got %v", got)
	}
	if got := p.Next(); got != 10*time.Second {
		t.Fatalf("expected capped at base, got %v", got)
	}
}
