package eventlog

import (
	"context"
	"errors"
	"testing"

	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l, err := OpenLog(db, "ns", "s", 1)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l
}

func TestAppendAssignsSequential(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	seqs, err := l.Append(ctx, []AppendRecord{{Header: []byte("h1"), Payload: []byte("p1")}, {Header: []byte("h2"), Payload: []byte("p2")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(seqs) != 2 {
		t.Fatalf("want 2 seqs, got %d", len(seqs))
	}
	if !(seqs[0] < seqs[1]) {
		t.Fatalf("expected increasing seqs: %v", seqs)
	}
}

func TestAppendDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	l, err := OpenLog(db, "ns", "s", 1)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	ctx := context.Background()
	seqs, err := l.Append(ctx, []AppendRecord{{Payload: []byte("x")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(seqs) != 1 {
		t.Fatalf("want one seq")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// reopen and ensure lastSeq is restored via meta
	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	l2, err := OpenLog(db2, "ns", "s", 1)
	if err != nil {
		t.Fatalf("open log2: %v", err)
	}
	seqs2, err := l2.Append(ctx, []AppendRecord{{Payload: []byte("y")}})
	if err != nil {
		t.Fatalf("append2: %v", err)
	}
	if !(seqs[0] < seqs2[0]) {
		t.Fatalf("expected next seq > previous: prev=%d next=%d", seqs[0], seqs2[0])
	}
}

func TestAppendCapacityBackpressure(t *testing.T) {
	l := newTestLog(t)
	l.SetMaxBytes(64)
	ctx := context.Background()

	if _, err := l.Append(ctx, []AppendRecord{{Payload: []byte("small")}}); err != nil {
		t.Fatalf("append within capacity: %v", err)
	}
	big := make([]byte, 128)
	_, err := l.Append(ctx, []AppendRecord{{Payload: big}})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("want ErrCapacityExceeded, got %v", err)
	}

	// raising the cap clears the backpressure
	l.SetMaxBytes(0)
	if _, err := l.Append(ctx, []AppendRecord{{Payload: big}}); err != nil {
		t.Fatalf("append after lifting cap: %v", err)
	}
}

func TestByteAccountingSurvivesTrim(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, []AppendRecord{{Payload: []byte("0123456789")}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	before := l.TotalBytes()
	if before == 0 {
		t.Fatalf("expected non-zero byte accounting")
	}
	if _, err := l.TrimToMaxBytes(ctx, 15, 10, 0); err != nil {
		t.Fatalf("trim: %v", err)
	}
	if l.TotalBytes() >= before {
		t.Fatalf("byte accounting not reduced: before=%d after=%d", before, l.TotalBytes())
	}
}

func TestAppendFailureKeepsSequenceContiguous(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	seqs, err := l.Append(ctx, []AppendRecord{{Payload: []byte("a")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	first := seqs[0]
	bytes := l.TotalBytes()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Append(canceled, []AppendRecord{{Payload: []byte("b")}}); err == nil {
		t.Fatalf("append with canceled context succeeded")
	}
	if got := l.LastSeq(); got != first {
		t.Fatalf("lastSeq=%d after failed append, want %d", got, first)
	}
	if got := l.TotalBytes(); got != bytes {
		t.Fatalf("totalBytes=%d after failed append, want %d", got, bytes)
	}

	seqs, err = l.Append(ctx, []AppendRecord{{Payload: []byte("b")}})
	if err != nil {
		t.Fatalf("append after failure: %v", err)
	}
	if seqs[0] != first+1 {
		t.Fatalf("sequence gap: got %d want %d", seqs[0], first+1)
	}
}
