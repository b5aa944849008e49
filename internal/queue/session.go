package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/calder-io/calder/internal/lease"
)

// ErrSessionLocked is returned when the requested session is owned by
// another consumer.
var ErrSessionLocked = errors.New("queue: session locked")

// Session is an accepted session: one consumer holding the session-level
// lock, receiving that session's messages in strict append order. Not safe
// for concurrent use; a session belongs to one consumer by definition.
type Session struct {
	q       *Queue
	ID      string
	owner   string
	fencing uint64

	// pos is the session-index key after which the next receive scans.
	pos []byte
}

// AcceptSession locks a session for owner. With a session id, that exact
// session is requested; with an empty id, the first session that has
// messages and no active lock is taken. Returns nil when none is
// available within wait.
func (q *Queue) AcceptSession(ctx context.Context, owner, sessionID string, wait time.Duration) (*Session, error) {
	deadline := time.Now().Add(wait)
	for {
		s, err := q.tryAcceptSession(ctx, owner, sessionID)
		if err != nil || s != nil {
			return s, err
		}
		if wait <= 0 || time.Until(deadline) <= 0 {
			if sessionID != "" {
				return nil, ErrSessionLocked
			}
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notifyChan():
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (q *Queue) tryAcceptSession(ctx context.Context, owner, sessionID string) (*Session, error) {
	if sessionID != "" {
		l, err := q.sessLocks.Acquire(ctx, sessionID, owner, q.cfg.LockDuration)
		if err != nil {
			if errors.Is(err, lease.ErrAlreadyLocked) {
				return nil, nil
			}
			return nil, err
		}
		return &Session{q: q, ID: sessionID, owner: owner, fencing: l.Fencing}, nil
	}

	for _, sid := range q.sessionIDs() {
		l, err := q.sessLocks.Acquire(ctx, sid, owner, q.cfg.LockDuration)
		if err != nil {
			if errors.Is(err, lease.ErrAlreadyLocked) {
				continue
			}
			return nil, err
		}
		return &Session{q: q, ID: sid, owner: owner, fencing: l.Fencing}, nil
	}
	return nil, nil
}

// sessionIDs lists distinct sessions that currently have indexed
// messages, skipping from one session's range to the next.
func (q *Queue) sessionIDs() []string {
	root := sessRootPrefix(q.namespace, q.name)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: root, UpperBound: upper(root)})
	if err != nil {
		return nil
	}
	defer iter.Close()

	var ids []string
	for ok := iter.First(); ok; {
		key := iter.Key()
		rest := key[len(root):]
		slash := bytes.IndexByte(rest, '/')
		if slash < 0 {
			ok = iter.Next()
			continue
		}
		sid := string(rest[:slash])
		ids = append(ids, sid)
		ok = iter.SeekGE(upper(sessPrefix(q.namespace, q.name, sid)))
	}
	return ids
}

// Receive returns the session's next undelivered message in append
// order, or nil when the session is drained. The session lock covers the
// message; there is no per-record lock.
func (s *Session) Receive(ctx context.Context) (*Message, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	now := s.q.nowMs()
	_ = s.q.promoteDue(ctx, now)

	prefix := sessPrefix(s.q.namespace, s.q.name, s.ID)
	low := prefix
	if s.pos != nil {
		low = s.pos
	}
	iter, err := s.q.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: upper(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		part, seq, okKey := partSeqFromSuffix(iter.Key()[len(prefix):])
		if !okKey {
			continue
		}
		meta, payload, found, err := s.q.loadMessage(part, seq)
		if err != nil {
			return nil, err
		}
		if !found {
			_ = s.q.db.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		if meta.Expired(now) {
			if err := s.q.deadLetterMessage(ctx, part, seq, meta, payload, ReasonTTLExpired); err != nil {
				return nil, err
			}
			continue
		}
		count, err := s.markDeliveredKeepIndex(ctx, part, seq)
		if err != nil {
			return nil, err
		}
		// next receive resumes after this entry; abandon rewinds
		s.pos = upperKey(iter.Key())
		return &Message{
			Partition:     part,
			Offset:        seq,
			Meta:          meta,
			Payload:       payload,
			DeliveryCount: count,
			LockToken:     s.fencing,
			Owner:         s.owner,
		}, nil
	}
	return nil, nil
}

// markDeliveredKeepIndex bumps the delivery counter without touching the
// session index entry: the entry is removed only on settlement so FIFO
// order survives abandons.
func (s *Session) markDeliveredKeepIndex(ctx context.Context, part uint32, seq uint64) (int, error) {
	count := s.q.deliveryCount(part, seq) + 1
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(count))
	if err := s.q.db.Set(stateKey(s.q.namespace, s.q.name, part, seq), buf[:]); err != nil {
		return 0, err
	}
	return count, nil
}

// Complete destructively settles one of the session's messages.
func (s *Session) Complete(ctx context.Context, msg *Message) (SettleStatus, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	exists, err := s.q.db.Has(msgKey(s.q.namespace, s.q.name, msg.Partition, msg.Offset))
	if err != nil {
		return 0, err
	}
	if !exists {
		return SettleAlreadyCompleted, nil
	}
	if err := s.q.dropMessage(ctx, msg.Partition, msg.Offset, msg.Meta); err != nil {
		return 0, err
	}
	return SettleCompleted, nil
}

// Abandon rewinds the session's read position to the message so it is
// redelivered next, in order; an exhausted delivery budget dead-letters
// it instead.
func (s *Session) Abandon(ctx context.Context, msg *Message) error {
	if err := s.check(); err != nil {
		return err
	}
	count := s.q.deliveryCount(msg.Partition, msg.Offset)
	if count >= s.q.cfg.MaxDeliveryCount {
		meta, payload, found, err := s.q.loadMessage(msg.Partition, msg.Offset)
		if err != nil || !found {
			return err
		}
		return s.q.deadLetterMessage(ctx, msg.Partition, msg.Offset, meta, payload, ReasonMaxDeliveryCount)
	}
	s.pos = sessKey(s.q.namespace, s.q.name, s.ID, msg.Partition, msg.Offset)
	return nil
}

// DeadLetterMessage moves one of the session's messages to the DLQ.
func (s *Session) DeadLetterMessage(ctx context.Context, msg *Message, reason, detail string) error {
	if err := s.check(); err != nil {
		return err
	}
	meta, payload, found, err := s.q.loadMessage(msg.Partition, msg.Offset)
	if err != nil || !found {
		return err
	}
	if reason == "" {
		reason = ReasonExplicit
	}
	return s.q.deadLetterDetail(ctx, msg.Partition, msg.Offset, meta, payload, reason, detail)
}

// Renew extends the session lock.
func (s *Session) Renew(ctx context.Context) (int64, error) {
	l, err := s.q.sessLocks.Renew(ctx, s.ID, s.owner, s.fencing, s.q.cfg.LockDuration)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			return 0, ErrLockLost
		}
		return 0, err
	}
	return l.ExpiresAtMs, nil
}

// Close releases the session so another consumer may accept it.
func (s *Session) Close(ctx context.Context) error {
	err := s.q.sessLocks.Release(ctx, s.ID, s.owner, s.fencing)
	if errors.Is(err, lease.ErrLeaseLost) {
		return nil
	}
	return err
}

func (s *Session) check() error {
	l, ok, err := s.q.sessLocks.Get(s.ID)
	if err != nil {
		return err
	}
	if !ok || l.Owner != s.owner || l.Fencing != s.fencing || l.ExpiresAtMs <= s.q.nowMs() {
		return ErrLockLost
	}
	return nil
}

// upperKey returns the tightest key strictly greater than k.
func upperKey(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}
