package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := Fake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	c.Advance(11 * time.Second)
	if got := c.Now().Sub(start); got != 11*time.Second {
		t.Fatalf("after Advance, elapsed = %v, want 11s", got)
	}

	c.Set(start.Add(-time.Minute))
	if got := c.Now(); !got.Equal(start.Add(-time.Minute)) {
		t.Fatalf("after Set, Now() = %v", got)
	}
}

func TestRealIsMonotonicEnough(t *testing.T) {
	c := Real()
	a := c.Now()
	b := c.Now()
	if b.Before(a) {
		t.Fatalf("real clock went backwards: %v then %v", a, b)
	}
}
