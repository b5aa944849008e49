package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("eventlog: entry not found")

// ErrCapacityExceeded signals backpressure: the partition's configured byte
// capacity would be exceeded by the append. Producers should retry later or
// reduce rate.
var ErrCapacityExceeded = errors.New("eventlog: capacity exceeded")

// AppendRecord represents a single appendable entry.
type AppendRecord struct {
	Header  []byte
	Payload []byte
}

// Log provides append-only operations for one namespace/stream/partition.
type Log struct {
	db        *pebblestore.DB
	namespace string
	stream    string
	part      uint32

	mu         sync.Mutex
	lastSeq    uint64
	totalBytes uint64
	maxBytes   uint64
	notifyCh   chan struct{}
}

// OpenLog initializes a Log and loads persisted metadata if present.
func OpenLog(db *pebblestore.DB, namespace, stream string, partition uint32) (*Log, error) {
	l := &Log{db: db, namespace: namespace, stream: stream, part: partition, notifyCh: make(chan struct{})}
	meta, err := db.Get(KeyLogMeta(namespace, stream, partition))
	if err == nil {
		if len(meta) >= 8 {
			l.lastSeq = binary.BigEndian.Uint64(meta[:8])
		}
		if len(meta) >= 16 {
			l.totalBytes = binary.BigEndian.Uint64(meta[8:16])
		}
	}
	return l, nil
}

// Namespace returns the owning namespace name.
func (l *Log) Namespace() string { return l.namespace }

// Stream returns the stream name.
func (l *Log) Stream() string { return l.stream }

// Partition returns the partition index.
func (l *Log) Partition() uint32 { return l.part }

// SetMaxBytes configures the partition's byte capacity. Zero disables the
// limit.
func (l *Log) SetMaxBytes(n uint64) {
	l.mu.Lock()
	l.maxBytes = n
	l.mu.Unlock()
}

// LastSeq returns the highest assigned sequence (0 when empty).
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// TotalBytes returns the approximate stored bytes for the partition.
func (l *Log) TotalBytes() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalBytes
}

// Append appends the provided records as a single atomic batch and returns
// the assigned sequence numbers. Appends to the same partition are
// linearized by the internal mutex and durable before return.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var incoming uint64
	vals := make([][]byte, len(recs))
	for i, r := range recs {
		vals[i] = EncodeRecord(r.Header, r.Payload)
		incoming += uint64(len(vals[i]))
	}
	if l.maxBytes > 0 && l.totalBytes+incoming > l.maxBytes {
		return nil, ErrCapacityExceeded
	}

	b := l.db.NewBatch()
	defer b.Close()

	// in-memory state must only advance once the batch is durable
	prevSeq := l.lastSeq

	seqs := make([]uint64, len(recs))
	for i := range recs {
		l.lastSeq++
		if err := b.Set(KeyLogEntry(l.namespace, l.stream, l.part, l.lastSeq), vals[i], nil); err != nil {
			l.lastSeq = prevSeq
			return nil, err
		}
		seqs[i] = l.lastSeq
	}
	l.totalBytes += incoming

	if err := b.Set(KeyLogMeta(l.namespace, l.stream, l.part), l.encodeMetaLocked(), nil); err != nil {
		l.lastSeq = prevSeq
		l.totalBytes -= incoming
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		l.lastSeq = prevSeq
		l.totalBytes -= incoming
		return nil, err
	}

	// wake blocked readers
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return seqs, nil
}

func (l *Log) encodeMetaLocked() []byte {
	var meta [16]byte
	binary.BigEndian.PutUint64(meta[0:8], l.lastSeq)
	binary.BigEndian.PutUint64(meta[8:16], l.totalBytes)
	return meta[:]
}

// reduceBytes decrements the byte accounting after trims.
func (l *Log) reduceBytes(ctx context.Context, n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.totalBytes {
		l.totalBytes = 0
	} else {
		l.totalBytes -= n
	}
	_ = l.db.Set(KeyLogMeta(l.namespace, l.stream, l.part), l.encodeMetaLocked())
}
