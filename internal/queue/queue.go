package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/lease"
	"github.com/calder-io/calder/internal/record"
	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
	"github.com/calder-io/calder/pkg/id"
	"github.com/calder-io/calder/pkg/log"
)

var (
	// ErrCapacityExceeded signals producer backpressure: the queue is at
	// its configured size limit. Retry later or reduce rate.
	ErrCapacityExceeded = errors.New("queue: capacity exceeded")

	// ErrRecordTooLarge rejects a payload over the configured cap at
	// submission time; the message is never stored.
	ErrRecordTooLarge = errors.New("queue: record too large")

	// ErrHeadersTooLarge rejects metadata over the configured cap.
	ErrHeadersTooLarge = errors.New("queue: headers too large")

	// ErrSessionRequired rejects a sessionless send to a queue that
	// requires sessions.
	ErrSessionRequired = errors.New("queue: session id required")

	// ErrLockLost means the caller's lock expired or was fenced out; the
	// settlement did not happen and the message must be re-received.
	ErrLockLost = errors.New("queue: lock lost")
)

// Config is a queue's durable configuration.
type Config struct {
	Partitions       uint32        `json:"partitions"`
	MaxDeliveryCount int           `json:"max_delivery_count"`
	LockDuration     time.Duration `json:"lock_duration"`
	DefaultTTL       time.Duration `json:"default_ttl,omitempty"`
	MaxSizeBytes     int64         `json:"max_size_bytes,omitempty"`
	MaxPayloadBytes  int64         `json:"max_payload_bytes,omitempty"`
	MaxHeadersBytes  int64         `json:"max_headers_bytes,omitempty"`
	RequireSession   bool          `json:"require_session,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Partitions == 0 {
		c.Partitions = 4
	}
	if c.MaxDeliveryCount <= 0 {
		c.MaxDeliveryCount = 10
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 60 * time.Second
	}
	return c
}

type partState struct {
	lastSeq    uint64
	totalBytes uint64
}

// Queue is one open queue. Safe for concurrent use.
type Queue struct {
	db        *pebblestore.DB
	namespace string
	name      string
	cfg       Config
	logger    log.Logger

	locks       *lease.Manager
	sessLocks   *lease.Manager
	sweeper     *lease.Sweeper
	sessSweeper *lease.Sweeper

	idgen *id.Generator

	mu       sync.Mutex
	parts    []partState
	nextPart uint32

	// serializes destructive settlement so the existence check and the
	// delete observe the same state
	settleMu sync.Mutex

	notifyMu sync.Mutex
	notifyCh chan struct{}

	nowMs func() int64
}

// Open loads (or initializes) a queue's partition state and lock arenas.
// The lock-expiry sweeper is not started; call StartSweeper.
func Open(db *pebblestore.DB, namespace, name string, cfg Config, logger log.Logger) (*Queue, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	q := &Queue{
		db:        db,
		namespace: namespace,
		name:      name,
		cfg:       cfg,
		logger:    logger.With(log.Component("queue"), log.Str("queue", name)),
		locks:     lease.NewManager(db, namespace, "q/"+name+"/msg"),
		sessLocks: lease.NewManager(db, namespace, "q/"+name+"/sess"),
		idgen:     id.NewGenerator(),
		parts:     make([]partState, cfg.Partitions),
		notifyCh:  make(chan struct{}),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
	for p := uint32(0); p < cfg.Partitions; p++ {
		meta, err := db.Get(pmetaKey(namespace, name, p))
		if err != nil {
			if errors.Is(err, pebblestore.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("load queue meta: %w", err)
		}
		if len(meta) >= 16 {
			q.parts[p].lastSeq = binary.BigEndian.Uint64(meta[:8])
			q.parts[p].totalBytes = binary.BigEndian.Uint64(meta[8:16])
		}
	}
	return q, nil
}

// Config returns the queue's effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// StartSweeper launches the lock-expiry sweeper: expired message locks put
// their messages back in the ready index or dead-letter them, expired
// session locks simply free the session.
func (q *Queue) StartSweeper(ctx context.Context, interval time.Duration) {
	if q.sweeper != nil {
		return
	}
	q.sweeper = lease.NewSweeper(q.locks, interval, 512, q.onLockExpired, q.logger)
	q.sweeper.Start(ctx)
	// session locks need no callback: the lease disappearing is enough
	// for AcceptSession to hand the session to someone else
	sess := lease.NewSweeper(q.sessLocks, interval, 512, nil, q.logger)
	sess.Start(ctx)
	q.sessSweeper = sess
}

// StopSweeper halts both sweepers.
func (q *Queue) StopSweeper() {
	if q.sweeper != nil {
		q.sweeper.Stop()
		q.sweeper = nil
	}
	if q.sessSweeper != nil {
		q.sessSweeper.Stop()
		q.sessSweeper = nil
	}
}

// SendOptions control placement and lifecycle of a sent message.
type SendOptions struct {
	ID           string
	PartitionKey string
	SessionID    string
	Subject      string
	TTL          time.Duration
	Delay        time.Duration
	Properties   map[string]string
}

// SendResult reports where a message landed.
type SendResult struct {
	ID        string
	Partition uint32
	Offset    uint64
}

// Send validates, places, and durably stores one message. Session
// messages are pinned to the partition derived from their session id so
// session FIFO holds regardless of partition layout.
func (q *Queue) Send(ctx context.Context, payload []byte, opts SendOptions) (SendResult, error) {
	if q.cfg.MaxPayloadBytes > 0 && int64(len(payload)) > q.cfg.MaxPayloadBytes {
		return SendResult{}, fmt.Errorf("%w: %d bytes (max %d)", ErrRecordTooLarge, len(payload), q.cfg.MaxPayloadBytes)
	}
	if q.cfg.RequireSession && opts.SessionID == "" {
		return SendResult{}, ErrSessionRequired
	}
	if opts.SessionID != "" {
		if err := record.CheckName("session", opts.SessionID); err != nil {
			return SendResult{}, err
		}
	}

	now := q.nowMs()
	meta := record.Meta{
		ID:           opts.ID,
		EnqueuedAtMs: now,
		PartitionKey: opts.PartitionKey,
		SessionID:    opts.SessionID,
		Subject:      opts.Subject,
		Properties:   opts.Properties,
	}
	if meta.ID == "" {
		meta.ID = q.idgen.Next().String()
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = q.cfg.DefaultTTL
	}
	if ttl > 0 {
		meta.TTLMs = ttl.Milliseconds()
	}

	part := q.pickPartition(meta)
	header, err := record.EncodeHeader(meta)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode header: %w", err)
	}
	if q.cfg.MaxHeadersBytes > 0 && int64(len(header)) > q.cfg.MaxHeadersBytes {
		return SendResult{}, fmt.Errorf("%w: %d bytes (max %d)", ErrHeadersTooLarge, len(header), q.cfg.MaxHeadersBytes)
	}
	val := eventlog.EncodeRecord(header, payload)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.MaxSizeBytes > 0 {
		var total uint64
		for i := range q.parts {
			total += q.parts[i].totalBytes
		}
		if total+uint64(len(val)) > uint64(q.cfg.MaxSizeBytes) {
			return SendResult{}, ErrCapacityExceeded
		}
	}

	b := q.db.NewBatch()
	defer b.Close()

	seq := q.parts[part].lastSeq + 1
	if err := b.Set(msgKey(q.namespace, q.name, part, seq), val, nil); err != nil {
		return SendResult{}, err
	}
	var zero [4]byte
	if err := b.Set(stateKey(q.namespace, q.name, part, seq), zero[:], nil); err != nil {
		return SendResult{}, err
	}
	switch {
	case opts.Delay > 0:
		fire := now + opts.Delay.Milliseconds()
		if err := b.Set(delayKey(q.namespace, q.name, fire, part, seq), nil, nil); err != nil {
			return SendResult{}, err
		}
	case meta.SessionID != "":
		if err := b.Set(sessKey(q.namespace, q.name, meta.SessionID, part, seq), nil, nil); err != nil {
			return SendResult{}, err
		}
	default:
		if err := b.Set(readyKey(q.namespace, q.name, part, seq), nil, nil); err != nil {
			return SendResult{}, err
		}
	}

	var pm [16]byte
	binary.BigEndian.PutUint64(pm[:8], seq)
	binary.BigEndian.PutUint64(pm[8:], q.parts[part].totalBytes+uint64(len(val)))
	if err := b.Set(pmetaKey(q.namespace, q.name, part), pm[:], nil); err != nil {
		return SendResult{}, err
	}

	if err := q.db.CommitBatch(ctx, b); err != nil {
		return SendResult{}, fmt.Errorf("commit send: %w", err)
	}
	q.parts[part].lastSeq = seq
	q.parts[part].totalBytes += uint64(len(val))

	if opts.Delay <= 0 {
		q.notify()
	}
	return SendResult{ID: meta.ID, Partition: part, Offset: seq}, nil
}

func (q *Queue) pickPartition(meta record.Meta) uint32 {
	if meta.SessionID != "" {
		p, _ := record.PartitionFor(meta.SessionID, q.cfg.Partitions)
		return p
	}
	if p, ok := record.PartitionFor(meta.PartitionKey, q.cfg.Partitions); ok {
		return p
	}
	q.nextPart++
	return q.nextPart % q.cfg.Partitions
}

// reduceBytes persists a lower byte count for a partition after messages
// leave the live queue.
func (q *Queue) reduceBytesLocked(part uint32, n uint64) {
	if n > q.parts[part].totalBytes {
		q.parts[part].totalBytes = 0
	} else {
		q.parts[part].totalBytes -= n
	}
	var pm [16]byte
	binary.BigEndian.PutUint64(pm[:8], q.parts[part].lastSeq)
	binary.BigEndian.PutUint64(pm[8:], q.parts[part].totalBytes)
	_ = q.db.Set(pmetaKey(q.namespace, q.name, part), pm[:])
}

func (q *Queue) notify() {
	q.notifyMu.Lock()
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
	q.notifyMu.Unlock()
}

func (q *Queue) notifyChan() <-chan struct{} {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	return q.notifyCh
}
