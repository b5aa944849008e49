package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/lease"
	"github.com/calder-io/calder/internal/record"
	"github.com/calder-io/calder/pkg/log"
)

// ReceiveMode selects settlement semantics.
type ReceiveMode int

const (
	// PeekLock locks the message and waits for an explicit settlement.
	PeekLock ReceiveMode = iota
	// ReceiveAndDelete removes the message at receive time. No lock, no
	// redelivery: acceptable-loss semantics only.
	ReceiveAndDelete
)

// Message is a received message plus the state needed to settle it.
type Message struct {
	Partition     uint32
	Offset        uint64
	Meta          record.Meta
	Payload       []byte
	DeliveryCount int

	// LockToken fences settlement calls; zero in receive-and-delete mode.
	LockToken   uint64
	Owner       string
	LockedUntil int64
}

// Receive returns the next receivable sessionless message, or nil when
// none became available within wait. Competing receivers never obtain the
// same message: the loser of the lock race moves on to the next one.
func (q *Queue) Receive(ctx context.Context, mode ReceiveMode, owner string, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, err := q.tryReceive(ctx, mode, owner)
		if err != nil || msg != nil {
			return msg, err
		}
		if wait <= 0 {
			return nil, nil
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notifyChan():
		case <-time.After(remain):
			return nil, nil
		case <-time.After(250 * time.Millisecond):
			// re-poll for delays coming due
		}
	}
}

func (q *Queue) tryReceive(ctx context.Context, mode ReceiveMode, owner string) (*Message, error) {
	now := q.nowMs()
	if err := q.promoteDue(ctx, now); err != nil {
		return nil, err
	}

	prefix := readyPrefix(q.namespace, q.name)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		part, seq, okKey := partSeqFromSuffix(iter.Key()[len(prefix):])
		if !okKey {
			continue
		}
		meta, payload, found, err := q.loadMessage(part, seq)
		if err != nil {
			return nil, err
		}
		if !found {
			// orphaned index entry
			_ = q.db.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		if meta.Expired(now) {
			if err := q.deadLetterMessage(ctx, part, seq, meta, payload, ReasonTTLExpired); err != nil {
				return nil, err
			}
			continue
		}

		if mode == ReceiveAndDelete {
			count := q.deliveryCount(part, seq) + 1
			if err := q.dropMessage(ctx, part, seq, meta); err != nil {
				return nil, err
			}
			return &Message{Partition: part, Offset: seq, Meta: meta, Payload: payload, DeliveryCount: count}, nil
		}

		l, err := q.locks.Acquire(ctx, msgResource(part, seq), owner, q.cfg.LockDuration)
		if err != nil {
			if errors.Is(err, lease.ErrAlreadyLocked) {
				continue
			}
			return nil, err
		}
		count, err := q.markDelivered(ctx, part, seq)
		if err != nil {
			return nil, err
		}
		return &Message{
			Partition:     part,
			Offset:        seq,
			Meta:          meta,
			Payload:       payload,
			DeliveryCount: count,
			LockToken:     l.Fencing,
			Owner:         owner,
			LockedUntil:   l.ExpiresAtMs,
		}, nil
	}
	return nil, nil
}

// markDelivered increments the delivery counter and removes the ready
// entry so other receivers stop scanning past the lock.
func (q *Queue) markDelivered(ctx context.Context, part uint32, seq uint64) (int, error) {
	count := q.deliveryCount(part, seq) + 1
	b := q.db.NewBatch()
	defer b.Close()
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(count))
	if err := b.Set(stateKey(q.namespace, q.name, part, seq), buf[:], nil); err != nil {
		return 0, err
	}
	if err := b.Delete(readyKey(q.namespace, q.name, part, seq), nil); err != nil {
		return 0, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	return count, nil
}

func (q *Queue) deliveryCount(part uint32, seq uint64) int {
	v, err := q.db.Get(stateKey(q.namespace, q.name, part, seq))
	if err != nil || len(v) < 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(v[:4]))
}

func (q *Queue) loadMessage(part uint32, seq uint64) (record.Meta, []byte, bool, error) {
	raw, err := q.db.Get(msgKey(q.namespace, q.name, part, seq))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return record.Meta{}, nil, false, nil
		}
		return record.Meta{}, nil, false, err
	}
	dec, ok := eventlog.DecodeRecord(raw)
	if !ok {
		return record.Meta{}, nil, false, nil
	}
	meta, err := record.DecodeHeader(dec.Header)
	if err != nil {
		return record.Meta{}, nil, false, err
	}
	return meta, dec.Payload, true, nil
}

// promoteDue moves scheduled messages whose visibility time arrived into
// the ready index (or the session index for session messages).
func (q *Queue) promoteDue(ctx context.Context, nowMs int64) error {
	prefix := delayPrefix(q.namespace, q.name)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	promoted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+20 {
			continue
		}
		fire := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if fire > nowMs {
			break
		}
		part := binary.BigEndian.Uint32(k[len(prefix)+8 : len(prefix)+12])
		seq := binary.BigEndian.Uint64(k[len(prefix)+12:])

		meta, _, found, err := q.loadMessage(part, seq)
		if err != nil {
			return err
		}
		if err := b.Delete(append([]byte(nil), k...), nil); err != nil {
			return err
		}
		if !found {
			continue
		}
		var dst []byte
		if meta.SessionID != "" {
			dst = sessKey(q.namespace, q.name, meta.SessionID, part, seq)
		} else {
			dst = readyKey(q.namespace, q.name, part, seq)
		}
		if err := b.Set(dst, nil, nil); err != nil {
			return err
		}
		promoted++
	}
	if promoted == 0 {
		return nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	q.logger.Debug("promoted scheduled messages", log.Int("count", promoted))
	q.notify()
	return nil
}
