package eventlog

import "testing"

func TestCursorCommitMonotonic(t *testing.T) {
	l := newTestLog(t)
	seedLog(t, l, 5)

	if err := l.CommitCursor("g1", TokenFromSeq(3)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	tok, ok := l.GetCursor("g1")
	if !ok || tok.Seq() != 3 {
		t.Fatalf("cursor=%d ok=%v want 3", tok.Seq(), ok)
	}

	// lower commits are ignored
	if err := l.CommitCursor("g1", TokenFromSeq(1)); err != nil {
		t.Fatalf("lower commit: %v", err)
	}
	tok, _ = l.GetCursor("g1")
	if tok.Seq() != 3 {
		t.Fatalf("cursor regressed to %d", tok.Seq())
	}

	if err := l.CommitCursor("g1", TokenFromSeq(5)); err != nil {
		t.Fatalf("higher commit: %v", err)
	}
	tok, _ = l.GetCursor("g1")
	if tok.Seq() != 5 {
		t.Fatalf("cursor=%d want 5", tok.Seq())
	}
}

func TestSeekCursorRewinds(t *testing.T) {
	l := newTestLog(t)
	seedLog(t, l, 5)

	if err := l.CommitCursor("g1", TokenFromSeq(4)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.SeekCursor("g1", TokenFromSeq(1)); err != nil {
		t.Fatalf("seek: %v", err)
	}
	tok, ok := l.GetCursor("g1")
	if !ok || tok.Seq() != 1 {
		t.Fatalf("cursor=%d ok=%v want 1 after seek", tok.Seq(), ok)
	}
}

func TestCursorsIsolatedPerGroup(t *testing.T) {
	l := newTestLog(t)
	seedLog(t, l, 3)

	if err := l.CommitCursor("a", TokenFromSeq(2)); err != nil {
		t.Fatalf("commit a: %v", err)
	}
	if _, ok := l.GetCursor("b"); ok {
		t.Fatalf("group b should have no cursor")
	}
}

func TestDeleteCursor(t *testing.T) {
	l := newTestLog(t)
	seedLog(t, l, 2)

	if err := l.CommitCursor("g", TokenFromSeq(1)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.DeleteCursor("g"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := l.GetCursor("g"); ok {
		t.Fatalf("cursor should be gone")
	}
}
