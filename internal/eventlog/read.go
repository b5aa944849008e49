package eventlog

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
)

// Token encodes a position as a sequence number (8 bytes big-endian).
type Token [8]byte

// TokenFromSeq builds a Token for a sequence number.
func TokenFromSeq(seq uint64) Token {
	var t Token
	binary.BigEndian.PutUint64(t[:], seq)
	return t
}

// Seq returns the sequence the token addresses.
func (t Token) Seq() uint64 { return binary.BigEndian.Uint64(t[:]) }

// Bytes returns a copy of the token bytes.
func (t Token) Bytes() []byte { b := make([]byte, 8); copy(b, t[:]); return b }

// ReadOptions controls a range read.
type ReadOptions struct {
	Start   Token // if zero, begin from the first entry
	Limit   int
	Reverse bool
}

// Item is a single read entry.
type Item struct {
	Seq     uint64
	Header  []byte
	Payload []byte
}

// Read returns up to Limit items starting at Start (inclusive). Reverse
// scans descending. The returned token is the position of the next
// unconsumed entry, when one exists.
func (l *Log) Read(opts ReadOptions) ([]Item, Token) {
	startSeq := opts.Start.Seq()
	startKey := KeyLogEntry(l.namespace, l.stream, l.part, startSeq)
	low := KeyLogEntry(l.namespace, l.stream, l.part, 0)
	hi := KeyLogEntry(l.namespace, l.stream, l.part, ^uint64(0))

	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	items := make([]Item, 0, maxInt(1, opts.Limit))
	var next Token
	if err != nil {
		return items, next
	}
	defer iter.Close()

	if opts.Reverse {
		if startSeq == 0 {
			if !iter.Last() {
				return items, next
			}
		} else {
			if !iter.SeekLT(startKey) {
				if !iter.Last() {
					return items, next
				}
			}
		}
		for iter.Valid() && (opts.Limit == 0 || len(items) < opts.Limit) {
			seq := binary.BigEndian.Uint64(iter.Key()[len(startKey)-8:])
			dec, ok := DecodeRecord(iter.Value())
			if ok {
				items = append(items, Item{Seq: seq, Header: dec.Header, Payload: dec.Payload})
			}
			if !iter.Prev() {
				break
			}
		}
		if iter.Valid() {
			copy(next[:], iter.Key()[len(startKey)-8:len(startKey)])
		}
		return items, next
	}

	if startSeq == 0 {
		if !iter.First() {
			return items, next
		}
	} else {
		if !iter.SeekGE(startKey) {
			return items, next
		}
	}
	for iter.Valid() && (opts.Limit == 0 || len(items) < opts.Limit) {
		seq := binary.BigEndian.Uint64(iter.Key()[len(startKey)-8:])
		dec, ok := DecodeRecord(iter.Value())
		if ok {
			items = append(items, Item{Seq: seq, Header: dec.Header, Payload: dec.Payload})
		}
		if !iter.Next() {
			break
		}
	}
	if iter.Valid() {
		copy(next[:], iter.Key()[len(startKey)-8:len(startKey)])
	}
	return items, next
}

// Get reads a single entry by sequence.
func (l *Log) Get(seq uint64) (Item, error) {
	val, err := l.db.Get(KeyLogEntry(l.namespace, l.stream, l.part, seq))
	if err != nil {
		return Item{}, ErrNotFound
	}
	dec, ok := DecodeRecord(val)
	if !ok {
		return Item{}, ErrNotFound
	}
	return Item{Seq: seq, Header: dec.Header, Payload: dec.Payload}, nil
}

// FirstSeq returns the lowest surviving sequence (0 when the partition is
// empty).
func (l *Log) FirstSeq() uint64 {
	items, _ := l.Read(ReadOptions{Limit: 1})
	if len(items) == 0 {
		return 0
	}
	return items[0].Seq
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
