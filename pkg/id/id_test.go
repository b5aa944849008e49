package id

import (
	"testing"
	"time"
)

func TestNextMonotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		cur := g.Next()
		if prev.Compare(cur) != -1 {
			t.Fatalf("not strictly increasing: %s then %s", prev, cur)
		}
		prev = cur
	}
}

func TestParseRoundTrip(t *testing.T) {
	g := NewGenerator()
	want := g.Next()
	got, err := Parse(want.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Compare(want) != 0 {
		t.Fatalf("round trip mismatch: %s vs %s", got, want)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	if _, err := Parse("zz"); err == nil {
		t.Fatalf("expected error for non-hex")
	}
	if _, err := Parse("00ff"); err == nil {
		t.Fatalf("expected error for short input")
	}
}

func TestClockRegressionGuard(t *testing.T) {
	g := NewGenerator()
	saved := NowMs
	defer func() { NowMs = saved }()

	var now int64 = 1_000_000
	NowMs = func() int64 { return now }
	a := g.Next()
	now = 999_000 // clock went backwards
	b := g.Next()
	if a.Compare(b) != -1 {
		t.Fatalf("ids must stay ordered across clock regressions: %s then %s", a, b)
	}
	if b.TimeMs() != 1_000_000 {
		t.Fatalf("expected pinned timestamp, got %d", b.TimeMs())
	}
}

func TestSequenceOverflowWaitsNextMs(t *testing.T) {
	g := NewGenerator()
	saved := NowMs
	defer func() { NowMs = saved }()
	NowMs = func() int64 { return 2000 }

	g.lastMs = 2000
	g.sequence = ^uint64(0) - 1
	_ = g.Next() // sequence reaches MaxUint64

	done := make(chan struct{})
	go func() {
		_ = g.Next() // must wait for the next ms and reset the sequence
		close(done)
	}()

	time.AfterFunc(10*time.Millisecond, func() { NowMs = func() int64 { return 2001 } })

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for overflow handling")
	}
}
