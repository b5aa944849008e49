package topic

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/filter"
	"github.com/calder-io/calder/internal/lease"
	"github.com/calder-io/calder/internal/record"
	"github.com/calder-io/calder/pkg/log"
)

// ErrLockLost mirrors the queue engine: the caller's lock expired or was
// fenced out and the settlement did not happen.
var ErrLockLost = errors.New("topic: lock lost")

// Dead-letter reasons.
const (
	ReasonMaxDeliveryCount = "MaxDeliveryCountExceeded"
	ReasonTTLExpired       = "TTLExpired"
	ReasonFilterError      = "FilterEvaluationError"
	ReasonExplicit         = "Explicit"
)

// ReceiveMode selects settlement semantics, as in the queue engine.
type ReceiveMode int

const (
	PeekLock ReceiveMode = iota
	ReceiveAndDelete
)

// SettleStatus distinguishes completion from the idempotent repeat.
type SettleStatus int

const (
	SettleCompleted SettleStatus = iota
	SettleAlreadyCompleted
)

// Message is a record surfaced through one subscription's view.
type Message struct {
	Partition     uint32
	Offset        uint64
	Meta          record.Meta
	Payload       []byte
	DeliveryCount int

	LockToken   uint64
	Owner       string
	LockedUntil int64
}

// DeadLetter is the terminal record for a subscription's undeliverable
// message.
type DeadLetter struct {
	Partition      uint32      `json:"partition"`
	Offset         uint64      `json:"offset"`
	Reason         string      `json:"reason"`
	Detail         string      `json:"detail,omitempty"`
	DeliveryCount  int         `json:"delivery_count"`
	DeadLetteredMs int64       `json:"dead_lettered_ms"`
	Meta           record.Meta `json:"meta"`
	Payload        []byte      `json:"payload"`
	Subscription   string      `json:"subscription"`
}

// Subscription is an open filtered view. Safe for concurrent use.
type Subscription struct {
	t    *Topic
	name string
	cfg  SubConfig
	f    filter.Filter

	locks     *lease.Manager
	sessLocks *lease.Manager
	sweeper   *lease.Sweeper
}

func newSubscription(t *Topic, name string, cfg SubConfig, f filter.Filter) *Subscription {
	scope := "t/" + t.name + "/s/" + name
	return &Subscription{
		t:         t,
		name:      name,
		cfg:       cfg,
		f:         f,
		locks:     lease.NewManager(t.db, t.namespace, scope+"/msg"),
		sessLocks: lease.NewManager(t.db, t.namespace, scope+"/sess"),
	}
}

// Name returns the subscription's registered name.
func (s *Subscription) Name() string { return s.name }

// Config returns the subscription's stored configuration.
func (s *Subscription) Config() SubConfig { return s.cfg }

// StartSweeper launches the lock-expiry sweeper for this subscription.
func (s *Subscription) StartSweeper(ctx context.Context, interval time.Duration) {
	if s.sweeper != nil {
		return
	}
	s.sweeper = lease.NewSweeper(s.locks, interval, 512, s.onLockExpired, s.t.logger)
	s.sweeper.Start(ctx)
}

// StopSweeper halts the sweeper.
func (s *Subscription) StopSweeper() {
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.sweeper = nil
	}
}

// Receive returns the subscription's next matching sessionless record, or
// nil when none became available within wait.
func (s *Subscription) Receive(ctx context.Context, mode ReceiveMode, owner string, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, err := s.tryReceive(ctx, mode, owner)
		if err != nil || msg != nil {
			return msg, err
		}
		if wait <= 0 || time.Until(deadline) <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.t.notifyChan():
		case <-time.After(time.Until(deadline)):
			return nil, nil
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (s *Subscription) tryReceive(ctx context.Context, mode ReceiveMode, owner string) (*Message, error) {
	now := s.t.nowMs()
	for part, l := range s.t.logs {
		items := s.pending(l)
		for _, it := range items {
			settled, err := s.isDone(uint32(part), it.Seq)
			if err != nil {
				return nil, err
			}
			if settled {
				continue
			}
			meta, err := record.DecodeHeader(it.Header)
			if err != nil {
				if err := s.deadLetter(ctx, uint32(part), it.Seq, record.Meta{}, it.Payload, ReasonFilterError, "undecodable header"); err != nil {
					return nil, err
				}
				continue
			}

			match, ferr := s.f.Eval(meta, it.Payload)
			if ferr != nil {
				if err := s.deadLetter(ctx, uint32(part), it.Seq, meta, it.Payload, ReasonFilterError, ferr.Error()); err != nil {
					return nil, err
				}
				continue
			}
			if !match {
				// never surfaced to this subscription; not an error
				if err := s.markDone(ctx, uint32(part), it.Seq); err != nil {
					return nil, err
				}
				continue
			}
			if meta.Expired(now) {
				if err := s.deadLetter(ctx, uint32(part), it.Seq, meta, it.Payload, ReasonTTLExpired, ""); err != nil {
					return nil, err
				}
				continue
			}
			if meta.SessionID != "" {
				// session records flow through AcceptSession
				continue
			}

			if mode == ReceiveAndDelete {
				count := s.deliveryCount(uint32(part), it.Seq) + 1
				if err := s.markDone(ctx, uint32(part), it.Seq); err != nil {
					return nil, err
				}
				return &Message{Partition: uint32(part), Offset: it.Seq, Meta: meta, Payload: it.Payload, DeliveryCount: count}, nil
			}

			lse, err := s.locks.Acquire(ctx, subResource(uint32(part), it.Seq), owner, s.cfg.LockDuration)
			if err != nil {
				if errors.Is(err, lease.ErrAlreadyLocked) {
					continue
				}
				return nil, err
			}
			count, err := s.bumpDeliveryCount(uint32(part), it.Seq)
			if err != nil {
				return nil, err
			}
			return &Message{
				Partition:     uint32(part),
				Offset:        it.Seq,
				Meta:          meta,
				Payload:       it.Payload,
				DeliveryCount: count,
				LockToken:     lse.Fencing,
				Owner:         owner,
				LockedUntil:   lse.ExpiresAtMs,
			}, nil
		}
	}
	return nil, nil
}

// pending reads the next batch of unadvanced records from one partition.
func (s *Subscription) pending(l *eventlog.Log) []eventlog.Item {
	tok, ok := l.GetCursor(subGroup(s.name))
	if !ok {
		first := l.FirstSeq()
		if first == 0 {
			first = 1
		}
		tok = eventlog.TokenFromSeq(first)
	}
	items, _ := l.Read(eventlog.ReadOptions{Start: tok, Limit: 128})
	return items
}

// Complete settles a record for this subscription. The underlying log
// record is untouched; only this subscription's view advances.
func (s *Subscription) Complete(ctx context.Context, msg *Message) (SettleStatus, error) {
	settled, err := s.isDone(msg.Partition, msg.Offset)
	if err != nil {
		return 0, err
	}
	if settled {
		return SettleAlreadyCompleted, nil
	}
	if err := s.checkLock(msg); err != nil {
		return 0, err
	}
	if err := s.markDone(ctx, msg.Partition, msg.Offset); err != nil {
		return 0, err
	}
	if err := s.locks.Release(ctx, subResource(msg.Partition, msg.Offset), msg.Owner, msg.LockToken); err != nil && !errors.Is(err, lease.ErrLeaseLost) {
		return 0, err
	}
	return SettleCompleted, nil
}

// Abandon releases the lock; the record is re-receivable unless its
// delivery budget is spent, in which case it is dead-lettered.
func (s *Subscription) Abandon(ctx context.Context, msg *Message) error {
	if err := s.checkLock(msg); err != nil {
		return err
	}
	if err := s.locks.Release(ctx, subResource(msg.Partition, msg.Offset), msg.Owner, msg.LockToken); err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			return ErrLockLost
		}
		return err
	}
	if s.deliveryCount(msg.Partition, msg.Offset) >= s.cfg.MaxDeliveryCount {
		return s.deadLetter(ctx, msg.Partition, msg.Offset, msg.Meta, msg.Payload, ReasonMaxDeliveryCount, "")
	}
	s.t.notify()
	return nil
}

// DeadLetterMessage explicitly dead-letters a locked record.
func (s *Subscription) DeadLetterMessage(ctx context.Context, msg *Message, reason, detail string) error {
	if err := s.checkLock(msg); err != nil {
		return err
	}
	if reason == "" {
		reason = ReasonExplicit
	}
	if err := s.deadLetter(ctx, msg.Partition, msg.Offset, msg.Meta, msg.Payload, reason, detail); err != nil {
		return err
	}
	if err := s.locks.Release(ctx, subResource(msg.Partition, msg.Offset), msg.Owner, msg.LockToken); err != nil && !errors.Is(err, lease.ErrLeaseLost) {
		return err
	}
	return nil
}

// RenewLock extends the lock and returns the new expiry.
func (s *Subscription) RenewLock(ctx context.Context, msg *Message) (int64, error) {
	l, err := s.locks.Renew(ctx, subResource(msg.Partition, msg.Offset), msg.Owner, msg.LockToken, s.cfg.LockDuration)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			return 0, ErrLockLost
		}
		return 0, err
	}
	msg.LockedUntil = l.ExpiresAtMs
	return l.ExpiresAtMs, nil
}

func (s *Subscription) checkLock(msg *Message) error {
	l, ok, err := s.locks.Get(subResource(msg.Partition, msg.Offset))
	if err != nil {
		return err
	}
	if !ok || l.Owner != msg.Owner || l.Fencing != msg.LockToken || l.ExpiresAtMs <= s.t.nowMs() {
		return ErrLockLost
	}
	return nil
}

func (s *Subscription) onLockExpired(ctx context.Context, expired []lease.Lease) {
	for _, l := range expired {
		part, seq, ok := parseSubResource(l.Resource)
		if !ok {
			continue
		}
		if s.deliveryCount(part, seq) >= s.cfg.MaxDeliveryCount {
			item, err := s.t.logs[part].Get(seq)
			if err != nil {
				continue
			}
			meta, _ := record.DecodeHeader(item.Header)
			if err := s.deadLetter(ctx, part, seq, meta, item.Payload, ReasonMaxDeliveryCount, ""); err != nil {
				s.t.logger.Warn("dead-letter after lock expiry failed", log.Str("resource", l.Resource), log.Err(err))
			}
			continue
		}
		// unsettled and within budget: simply receivable again
		s.t.notify()
	}
}

func (s *Subscription) isDone(part uint32, seq uint64) (bool, error) {
	return s.t.db.Has(doneKey(s.t.namespace, s.t.name, s.name, part, seq))
}

// markDone settles a record for this view and advances the cursor over
// any contiguous settled run, pruning consumed done/state entries.
func (s *Subscription) markDone(ctx context.Context, part uint32, seq uint64) error {
	if err := s.t.db.Set(doneKey(s.t.namespace, s.t.name, s.name, part, seq), nil); err != nil {
		return err
	}
	return s.advanceCursor(ctx, part)
}

func (s *Subscription) advanceCursor(ctx context.Context, part uint32) error {
	l := s.t.logs[part]
	tok, ok := l.GetCursor(subGroup(s.name))
	next := uint64(1)
	if ok {
		next = tok.Seq()
	}

	b := s.t.db.NewBatch()
	defer b.Close()
	advanced := false
	for {
		done, err := s.isDone(part, next)
		if err != nil {
			return err
		}
		if !done {
			break
		}
		if err := b.Delete(doneKey(s.t.namespace, s.t.name, s.name, part, next), nil); err != nil {
			return err
		}
		if err := b.Delete(stateKey(s.t.namespace, s.t.name, s.name, part, next), nil); err != nil {
			return err
		}
		next++
		advanced = true
	}
	if !advanced {
		return nil
	}
	if err := s.t.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	return l.CommitCursor(subGroup(s.name), eventlog.TokenFromSeq(next))
}

func (s *Subscription) deliveryCount(part uint32, seq uint64) int {
	v, err := s.t.db.Get(stateKey(s.t.namespace, s.t.name, s.name, part, seq))
	if err != nil || len(v) < 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(v[:4]))
}

func (s *Subscription) bumpDeliveryCount(part uint32, seq uint64) (int, error) {
	count := s.deliveryCount(part, seq) + 1
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(count))
	if err := s.t.db.Set(stateKey(s.t.namespace, s.t.name, s.name, part, seq), buf[:]); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Subscription) deadLetter(ctx context.Context, part uint32, seq uint64, meta record.Meta, payload []byte, reason, detail string) error {
	dl := DeadLetter{
		Partition:      part,
		Offset:         seq,
		Reason:         reason,
		Detail:         detail,
		DeliveryCount:  s.deliveryCount(part, seq),
		DeadLetteredMs: s.t.nowMs(),
		Meta:           meta,
		Payload:        payload,
		Subscription:   s.name,
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	b := s.t.db.NewBatch()
	defer b.Close()
	if err := b.Set(dlqKey(s.t.namespace, s.t.name, s.name, part, seq), data, nil); err != nil {
		return err
	}
	if err := b.Set(doneKey(s.t.namespace, s.t.name, s.name, part, seq), nil, nil); err != nil {
		return err
	}
	if err := s.t.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	s.t.logger.Info("subscription message dead-lettered",
		log.Str("subscription", s.name), log.Str("reason", reason), log.Uint64("offset", seq))
	return s.advanceCursor(ctx, part)
}

// ListDeadLetters returns up to limit of this subscription's dead letters
// in partition/offset order.
func (s *Subscription) ListDeadLetters(limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := dlqPrefix(s.t.namespace, s.t.name, s.name)
	iter, err := s.t.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []DeadLetter
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		var dl DeadLetter
		if err := json.Unmarshal(iter.Value(), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}
