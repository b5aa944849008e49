package eventlog

import (
	"encoding/binary"
)

// CommitCursor stores the last processed token for a group/partition
// idempotently. If the provided token is at or below the stored one, the
// commit is ignored; committed offsets never regress through this path.
func (l *Log) CommitCursor(group string, tok Token) error {
	key := KeyCursor(l.namespace, l.stream, group, l.part)
	cur, err := l.db.Get(key)
	if err == nil && len(cur) >= 8 {
		prev := binary.BigEndian.Uint64(cur[:8])
		if tok.Seq() <= prev {
			return nil
		}
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], tok.Seq())
	return l.db.Set(key, b[:])
}

// SeekCursor force-sets the cursor, allowing rewinds for replay. It only
// moves this group's own cursor; the underlying log is untouched.
func (l *Log) SeekCursor(group string, tok Token) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], tok.Seq())
	return l.db.Set(KeyCursor(l.namespace, l.stream, group, l.part), b[:])
}

// GetCursor loads the current cursor token for a group/partition.
func (l *Log) GetCursor(group string) (Token, bool) {
	cur, err := l.db.Get(KeyCursor(l.namespace, l.stream, group, l.part))
	if err != nil || len(cur) < 8 {
		return Token{}, false
	}
	var t Token
	copy(t[:], cur[:8])
	return t, true
}

// DeleteCursor removes a group's cursor for this partition.
func (l *Log) DeleteCursor(group string) error {
	return l.db.Delete(KeyCursor(l.namespace, l.stream, group, l.part))
}
