package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/calder-io/calder/internal/lease"
	"github.com/calder-io/calder/internal/record"
	"github.com/calder-io/calder/pkg/log"
)

// Dead-letter reasons recorded alongside the payload.
const (
	ReasonMaxDeliveryCount = "MaxDeliveryCountExceeded"
	ReasonTTLExpired       = "TTLExpired"
	ReasonExplicit         = "Explicit"
	ReasonFilterError      = "FilterEvaluationError"
)

// SettleStatus distinguishes a completion that removed the message from
// the benign idempotent case where someone already removed it.
type SettleStatus int

const (
	SettleCompleted SettleStatus = iota
	SettleAlreadyCompleted
)

// DeadLetter is the terminal form of an undeliverable message.
type DeadLetter struct {
	Partition       uint32            `json:"partition"`
	Offset          uint64            `json:"offset"`
	Reason          string            `json:"reason"`
	Detail          string            `json:"detail,omitempty"`
	DeliveryCount   int               `json:"delivery_count"`
	DeadLetteredMs  int64             `json:"dead_lettered_ms"`
	Meta            record.Meta       `json:"meta"`
	Payload         []byte            `json:"payload"`
	SourceQueue     string            `json:"source_queue"`
	ExtraProperties map[string]string `json:"extra_properties,omitempty"`
}

// Complete destructively settles a peek-locked message. Exactly one
// concurrent caller wins; later callers on an already-removed message get
// SettleAlreadyCompleted. A caller whose lock expired gets ErrLockLost.
func (q *Queue) Complete(ctx context.Context, msg *Message) (SettleStatus, error) {
	q.settleMu.Lock()
	defer q.settleMu.Unlock()

	exists, err := q.db.Has(msgKey(q.namespace, q.name, msg.Partition, msg.Offset))
	if err != nil {
		return 0, err
	}
	if !exists {
		return SettleAlreadyCompleted, nil
	}
	if err := q.checkLock(msg); err != nil {
		return 0, err
	}
	if err := q.dropMessage(ctx, msg.Partition, msg.Offset, msg.Meta); err != nil {
		return 0, err
	}
	if err := q.locks.Release(ctx, msgResource(msg.Partition, msg.Offset), msg.Owner, msg.LockToken); err != nil && !errors.Is(err, lease.ErrLeaseLost) {
		return 0, err
	}
	return SettleCompleted, nil
}

// Abandon releases the lock early. The message becomes immediately
// receivable again unless its delivery budget is exhausted, in which case
// it is dead-lettered instead.
func (q *Queue) Abandon(ctx context.Context, msg *Message) error {
	if err := q.checkLock(msg); err != nil {
		return err
	}
	if err := q.locks.Release(ctx, msgResource(msg.Partition, msg.Offset), msg.Owner, msg.LockToken); err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			return ErrLockLost
		}
		return err
	}
	return q.requeueOrDeadLetter(ctx, msg.Partition, msg.Offset)
}

// DeadLetterMessage explicitly moves a locked message to the dead-letter
// sub-log with the caller's reason.
func (q *Queue) DeadLetterMessage(ctx context.Context, msg *Message, reason, detail string) error {
	if err := q.checkLock(msg); err != nil {
		return err
	}
	if reason == "" {
		reason = ReasonExplicit
	}
	meta, payload, found, err := q.loadMessage(msg.Partition, msg.Offset)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := q.deadLetterDetail(ctx, msg.Partition, msg.Offset, meta, payload, reason, detail); err != nil {
		return err
	}
	if err := q.locks.Release(ctx, msgResource(msg.Partition, msg.Offset), msg.Owner, msg.LockToken); err != nil && !errors.Is(err, lease.ErrLeaseLost) {
		return err
	}
	return nil
}

// RenewLock extends the caller's lock and returns the new expiry.
func (q *Queue) RenewLock(ctx context.Context, msg *Message) (int64, error) {
	l, err := q.locks.Renew(ctx, msgResource(msg.Partition, msg.Offset), msg.Owner, msg.LockToken, q.cfg.LockDuration)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			return 0, ErrLockLost
		}
		return 0, err
	}
	msg.LockedUntil = l.ExpiresAtMs
	return l.ExpiresAtMs, nil
}

func (q *Queue) checkLock(msg *Message) error {
	l, ok, err := q.locks.Get(msgResource(msg.Partition, msg.Offset))
	if err != nil {
		return err
	}
	if !ok || l.Owner != msg.Owner || l.Fencing != msg.LockToken || l.ExpiresAtMs <= q.nowMs() {
		return ErrLockLost
	}
	return nil
}

// onLockExpired is the sweeper callback: each reaped message lock either
// requeues its message or dead-letters it when the budget is spent.
func (q *Queue) onLockExpired(ctx context.Context, expired []lease.Lease) {
	for _, l := range expired {
		part, seq, ok := parseMsgResource(l.Resource)
		if !ok {
			continue
		}
		if err := q.requeueOrDeadLetter(ctx, part, seq); err != nil {
			q.logger.Warn("requeue after lock expiry failed",
				log.Str("resource", l.Resource), log.Err(err))
		}
	}
}

func (q *Queue) requeueOrDeadLetter(ctx context.Context, part uint32, seq uint64) error {
	meta, payload, found, err := q.loadMessage(part, seq)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	count := q.deliveryCount(part, seq)
	if count >= q.cfg.MaxDeliveryCount {
		return q.deadLetterMessage(ctx, part, seq, meta, payload, ReasonMaxDeliveryCount)
	}
	if meta.Expired(q.nowMs()) {
		return q.deadLetterMessage(ctx, part, seq, meta, payload, ReasonTTLExpired)
	}
	var dst []byte
	if meta.SessionID != "" {
		dst = sessKey(q.namespace, q.name, meta.SessionID, part, seq)
	} else {
		dst = readyKey(q.namespace, q.name, part, seq)
	}
	if err := q.db.Set(dst, nil); err != nil {
		return err
	}
	q.notify()
	return nil
}

// dropMessage removes every live trace of a message and updates byte
// accounting. Used by complete and receive-and-delete.
func (q *Queue) dropMessage(ctx context.Context, part uint32, seq uint64, meta record.Meta) error {
	raw, _ := q.db.Get(msgKey(q.namespace, q.name, part, seq))

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(msgKey(q.namespace, q.name, part, seq), nil); err != nil {
		return err
	}
	if err := b.Delete(stateKey(q.namespace, q.name, part, seq), nil); err != nil {
		return err
	}
	if err := b.Delete(readyKey(q.namespace, q.name, part, seq), nil); err != nil {
		return err
	}
	if meta.SessionID != "" {
		if err := b.Delete(sessKey(q.namespace, q.name, meta.SessionID, part, seq), nil); err != nil {
			return err
		}
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	if len(raw) > 0 {
		q.mu.Lock()
		q.reduceBytesLocked(part, uint64(len(raw)))
		q.mu.Unlock()
	}
	return nil
}

func (q *Queue) deadLetterMessage(ctx context.Context, part uint32, seq uint64, meta record.Meta, payload []byte, reason string) error {
	return q.deadLetterDetail(ctx, part, seq, meta, payload, reason, "")
}

// deadLetterDetail moves a message into the dead-letter sub-log in one
// batch: the live message disappears and the dead letter appears with the
// original payload and the tagged reason.
func (q *Queue) deadLetterDetail(ctx context.Context, part uint32, seq uint64, meta record.Meta, payload []byte, reason, detail string) error {
	dl := DeadLetter{
		Partition:      part,
		Offset:         seq,
		Reason:         reason,
		Detail:         detail,
		DeliveryCount:  q.deliveryCount(part, seq),
		DeadLetteredMs: q.nowMs(),
		Meta:           meta,
		Payload:        payload,
		SourceQueue:    q.name,
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	raw, _ := q.db.Get(msgKey(q.namespace, q.name, part, seq))

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(dlqKey(q.namespace, q.name, part, seq), data, nil); err != nil {
		return err
	}
	if err := b.Delete(msgKey(q.namespace, q.name, part, seq), nil); err != nil {
		return err
	}
	if err := b.Delete(stateKey(q.namespace, q.name, part, seq), nil); err != nil {
		return err
	}
	if err := b.Delete(readyKey(q.namespace, q.name, part, seq), nil); err != nil {
		return err
	}
	if meta.SessionID != "" {
		if err := b.Delete(sessKey(q.namespace, q.name, meta.SessionID, part, seq), nil); err != nil {
			return err
		}
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	if len(raw) > 0 {
		q.mu.Lock()
		q.reduceBytesLocked(part, uint64(len(raw)))
		q.mu.Unlock()
	}
	q.logger.Info("message dead-lettered",
		log.Str("reason", reason), log.Uint64("offset", seq), log.Int("partition", int(part)))
	return nil
}

// Stats summarizes observable queue state via index scans.
type Stats struct {
	Ready       int
	Scheduled   int
	DeadLetters int
}

// QueueStats scans the indexes; intended for admin surfaces, not hot paths.
func (q *Queue) QueueStats() (Stats, error) {
	var s Stats
	counts := []struct {
		prefix []byte
		dst    *int
	}{
		{readyPrefix(q.namespace, q.name), &s.Ready},
		{delayPrefix(q.namespace, q.name), &s.Scheduled},
		{dlqPrefix(q.namespace, q.name), &s.DeadLetters},
	}
	for _, c := range counts {
		n, err := q.countPrefix(c.prefix)
		if err != nil {
			return Stats{}, err
		}
		*c.dst = n
	}
	return s, nil
}
