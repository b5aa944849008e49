package eventlog

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func seedLog(t *testing.T, l *Log, n int) []uint64 {
	t.Helper()
	recs := make([]AppendRecord, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, AppendRecord{Payload: []byte(fmt.Sprintf("p%d", i))})
	}
	seqs, err := l.Append(context.Background(), recs)
	if err != nil {
		t.Fatalf("seed append: %v", err)
	}
	return seqs
}

func TestReadForward(t *testing.T) {
	l := newTestLog(t)
	seqs := seedLog(t, l, 5)

	items, next := l.Read(ReadOptions{Start: TokenFromSeq(seqs[0]), Limit: 3})
	if len(items) != 3 {
		t.Fatalf("want 3 items, got %d", len(items))
	}
	for i, it := range items {
		if it.Seq != seqs[i] {
			t.Fatalf("item %d seq=%d want %d", i, it.Seq, seqs[i])
		}
	}
	if next.Seq() != seqs[3] {
		t.Fatalf("next token seq=%d want %d", next.Seq(), seqs[3])
	}

	items, _ = l.Read(ReadOptions{Start: next, Limit: 10})
	if len(items) != 2 {
		t.Fatalf("want 2 remaining items, got %d", len(items))
	}
}

func TestReadReverse(t *testing.T) {
	l := newTestLog(t)
	seqs := seedLog(t, l, 4)

	items, _ := l.Read(ReadOptions{Start: TokenFromSeq(seqs[3]), Limit: 2, Reverse: true})
	if len(items) != 2 {
		t.Fatalf("want 2 items, got %d", len(items))
	}
	if items[0].Seq != seqs[3] || items[1].Seq != seqs[2] {
		t.Fatalf("reverse order wrong: %d, %d", items[0].Seq, items[1].Seq)
	}
}

func TestReadEmptyBeyondTail(t *testing.T) {
	l := newTestLog(t)
	seqs := seedLog(t, l, 2)

	items, _ := l.Read(ReadOptions{Start: TokenFromSeq(seqs[1] + 1), Limit: 10})
	if len(items) != 0 {
		t.Fatalf("want no items past the tail, got %d", len(items))
	}
}

func TestGetSingle(t *testing.T) {
	l := newTestLog(t)
	seqs := seedLog(t, l, 3)

	it, err := l.Get(seqs[1])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(it.Payload) != "p1" {
		t.Fatalf("payload=%q want p1", it.Payload)
	}
	if _, err := l.Get(seqs[2] + 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestFirstSeq(t *testing.T) {
	l := newTestLog(t)
	if got := l.FirstSeq(); got != 0 {
		t.Fatalf("empty log FirstSeq=%d want 0", got)
	}
	seqs := seedLog(t, l, 3)
	if got := l.FirstSeq(); got != seqs[0] {
		t.Fatalf("FirstSeq=%d want %d", got, seqs[0])
	}
}
