package eventlog

import (
	"context"
	"encoding/binary"
	"testing"
)

// makeTs builds a header whose first 8 bytes carry a big-endian ms timestamp.
func makeTs(ms int64) []byte {
	h := make([]byte, 8)
	binary.BigEndian.PutUint64(h, uint64(ms))
	return h
}

func tsFromHeader(h []byte) (int64, bool) {
	if len(h) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(h[:8])), true
}

func TestTrimOlderThan(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	seqs, err := l.Append(ctx, []AppendRecord{
		{Header: makeTs(100), Payload: []byte("a")},
		{Header: makeTs(200), Payload: []byte("b")},
		{Header: makeTs(300), Payload: []byte("c")},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	deleted, last, err := l.TrimOlderThan(ctx, 250, 0, 0, tsFromHeader)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if deleted != 2 || last != seqs[1] {
		t.Fatalf("deleted=%d last=%d want 2/%d", deleted, last, seqs[1])
	}

	items, _ := l.Read(ReadOptions{Start: TokenFromSeq(0), Limit: 10})
	if len(items) != 1 || items[0].Seq != seqs[2] {
		t.Fatalf("survivor wrong: %+v", items)
	}
	// surviving entries keep their offsets
	if l.FirstSeq() != seqs[2] {
		t.Fatalf("FirstSeq=%d want %d", l.FirstSeq(), seqs[2])
	}
}

func TestTrimOlderThanNoMatch(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	if _, err := l.Append(ctx, []AppendRecord{{Header: makeTs(500), Payload: []byte("x")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	deleted, _, err := l.TrimOlderThan(ctx, 100, 0, 0, tsFromHeader)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted=%d want 0", deleted)
	}
}

func TestTrimToMaxBytesDropsOldest(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	seqs, err := l.Append(ctx, []AppendRecord{
		{Header: makeTs(1), Payload: []byte("0123456789")},
		{Header: makeTs(2), Payload: []byte("0123456789")},
		{Header: makeTs(3), Payload: []byte("0123456789")},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// budget that fits roughly one encoded record
	deleted, err := l.TrimToMaxBytes(ctx, 40, 0, 0)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if deleted == 0 {
		t.Fatalf("expected deletions")
	}
	items, _ := l.Read(ReadOptions{Start: TokenFromSeq(0), Limit: 10})
	if len(items) == 0 {
		t.Fatalf("trim removed everything")
	}
	if items[0].Seq == seqs[0] {
		t.Fatalf("oldest entry survived")
	}
}

func TestSeqAt(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	seqs, err := l.Append(ctx, []AppendRecord{
		{Header: makeTs(100), Payload: []byte("a")},
		{Header: makeTs(200), Payload: []byte("b")},
		{Header: makeTs(300), Payload: []byte("c")},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if seq, ok := l.SeqAt(150, tsFromHeader); !ok || seq != seqs[1] {
		t.Fatalf("SeqAt(150)=%d/%v want %d", seq, ok, seqs[1])
	}
	if seq, ok := l.SeqAt(0, tsFromHeader); !ok || seq != seqs[0] {
		t.Fatalf("SeqAt(0)=%d/%v want %d", seq, ok, seqs[0])
	}
	if _, ok := l.SeqAt(1000, tsFromHeader); ok {
		t.Fatalf("SeqAt past tail should report no match")
	}
}
