package eventlog

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
)

// SeqAt returns the sequence of the first entry whose header timestamp is
// >= tsMs, scanning forward. Returns (0, false) when no such entry exists.
func (l *Log) SeqAt(tsMs int64, tsx HeaderTimestampExtractor) (uint64, bool) {
	low := KeyLogEntry(l.namespace, l.stream, l.part, 0)
	hi := KeyLogEntry(l.namespace, l.stream, l.part, ^uint64(0))
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return 0, false
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		dec, okDec := DecodeRecord(iter.Value())
		if !okDec {
			continue
		}
		if ms, okTs := tsx(dec.Header); okTs && ms >= tsMs {
			return binary.BigEndian.Uint64(iter.Key()[len(low)-8:]), true
		}
	}
	return 0, false
}
