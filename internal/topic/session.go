package topic

import (
	"context"
	"errors"
	"time"

	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/lease"
	"github.com/calder-io/calder/internal/record"
)

// ErrSessionLocked mirrors the queue engine's session conflict.
var ErrSessionLocked = errors.New("topic: session locked")

// Session is an accepted session over one subscription's view. Session
// records are pinned to one partition by publish-side placement, so FIFO
// within the session is partition order.
type Session struct {
	s       *Subscription
	ID      string
	owner   string
	fencing uint64

	part    uint32
	nextSeq uint64
}

// AcceptSession locks a session within the subscription. An empty session
// id takes the first session that has pending records and no holder.
func (s *Subscription) AcceptSession(ctx context.Context, owner, sessionID string, wait time.Duration) (*Session, error) {
	deadline := time.Now().Add(wait)
	for {
		sess, err := s.tryAcceptSession(ctx, owner, sessionID)
		if err != nil || sess != nil {
			return sess, err
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
		case <-s.t.notifyChan():
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *Subscription) tryAcceptSession(ctx context.Context, owner, sessionID string) (*Session, error) {
	if sessionID != "" {
		l, err := s.sessLocks.Acquire(ctx, sessionID, owner, s.cfg.LockDuration)
		if err != nil {
			if errors.Is(err, lease.ErrAlreadyLocked) {
				return nil, nil
			}
			return nil, err
		}
		part, _ := record.PartitionFor(sessionID, s.t.cfg.Partitions)
		return &Session{s: s, ID: sessionID, owner: owner, fencing: l.Fencing, part: part}, nil
	}

	for _, sid := range s.pendingSessionIDs() {
		l, err := s.sessLocks.Acquire(ctx, sid, owner, s.cfg.LockDuration)
		if err != nil {
			if errors.Is(err, lease.ErrAlreadyLocked) {
				continue
			}
			return nil, err
		}
		part, _ := record.PartitionFor(sid, s.t.cfg.Partitions)
		return &Session{s: s, ID: sid, owner: owner, fencing: l.Fencing, part: part}, nil
	}
	return nil, nil
}

// pendingSessionIDs scans unadvanced records for session ids with
// unsettled matching records.
func (s *Subscription) pendingSessionIDs() []string {
	seen := map[string]bool{}
	var ids []string
	for part, l := range s.t.logs {
		for _, it := range s.pending(l) {
			meta, err := record.DecodeHeader(it.Header)
			if err != nil || meta.SessionID == "" || seen[meta.SessionID] {
				continue
			}
			if done, _ := s.isDone(uint32(part), it.Seq); done {
				continue
			}
			if match, err := s.f.Eval(meta, it.Payload); err != nil || !match {
				continue
			}
			seen[meta.SessionID] = true
			ids = append(ids, meta.SessionID)
		}
	}
	return ids
}

// Receive returns the session's next unsettled matching record in append
// order, or nil when the session is drained.
func (ss *Session) Receive(ctx context.Context) (*Message, error) {
	if err := ss.check(); err != nil {
		return nil, err
	}
	s := ss.s
	l := s.t.logs[ss.part]

	start := ss.nextSeq
	if start == 0 {
		if tok, ok := l.GetCursor(subGroup(s.name)); ok {
			start = tok.Seq()
		} else {
			start = 1
		}
	}
	now := s.t.nowMs()
	items, _ := l.Read(eventlog.ReadOptions{Start: eventlog.TokenFromSeq(start), Limit: 128})
	for _, it := range items {
		if done, err := s.isDone(ss.part, it.Seq); err != nil {
			return nil, err
		} else if done {
			continue
		}
		meta, err := record.DecodeHeader(it.Header)
		if err != nil || meta.SessionID != ss.ID {
			continue
		}
		match, ferr := s.f.Eval(meta, it.Payload)
		if ferr != nil {
			if err := s.deadLetter(ctx, ss.part, it.Seq, meta, it.Payload, ReasonFilterError, ferr.Error()); err != nil {
				return nil, err
			}
			continue
		}
		if !match {
			if err := s.markDone(ctx, ss.part, it.Seq); err != nil {
				return nil, err
			}
			continue
		}
		if meta.Expired(now) {
			if err := s.deadLetter(ctx, ss.part, it.Seq, meta, it.Payload, ReasonTTLExpired, ""); err != nil {
				return nil, err
			}
			continue
		}
		count, err := s.bumpDeliveryCount(ss.part, it.Seq)
		if err != nil {
			return nil, err
		}
		ss.nextSeq = it.Seq + 1
		return &Message{
			Partition:     ss.part,
			Offset:        it.Seq,
			Meta:          meta,
			Payload:       it.Payload,
			DeliveryCount: count,
			LockToken:     ss.fencing,
			Owner:         ss.owner,
		}, nil
	}
	return nil, nil
}

// Complete settles one of the session's records.
func (ss *Session) Complete(ctx context.Context, msg *Message) (SettleStatus, error) {
	if err := ss.check(); err != nil {
		return 0, err
	}
	done, err := ss.s.isDone(msg.Partition, msg.Offset)
	if err != nil {
		return 0, err
	}
	if done {
		return SettleAlreadyCompleted, nil
	}
	if err := ss.s.markDone(ctx, msg.Partition, msg.Offset); err != nil {
		return 0, err
	}
	return SettleCompleted, nil
}

// Abandon rewinds the session so the record is redelivered next, in
// order; an exhausted budget dead-letters it.
func (ss *Session) Abandon(ctx context.Context, msg *Message) error {
	if err := ss.check(); err != nil {
		return err
	}
	if ss.s.deliveryCount(msg.Partition, msg.Offset) >= ss.s.cfg.MaxDeliveryCount {
		return ss.s.deadLetter(ctx, msg.Partition, msg.Offset, msg.Meta, msg.Payload, ReasonMaxDeliveryCount, "")
	}
	ss.nextSeq = msg.Offset
	return nil
}

// Renew extends the session lock.
func (ss *Session) Renew(ctx context.Context) (int64, error) {
	l, err := ss.s.sessLocks.Renew(ctx, ss.ID, ss.owner, ss.fencing, ss.s.cfg.LockDuration)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			return 0, ErrLockLost
		}
		return 0, err
	}
	return l.ExpiresAtMs, nil
}

// Close releases the session.
func (ss *Session) Close(ctx context.Context) error {
	err := ss.s.sessLocks.Release(ctx, ss.ID, ss.owner, ss.fencing)
	if errors.Is(err, lease.ErrLeaseLost) {
		return nil
	}
	return err
}

func (ss *Session) check() error {
	l, ok, err := ss.s.sessLocks.Get(ss.ID)
	if err != nil {
		return err
	}
	if !ok || l.Owner != ss.owner || l.Fencing != ss.fencing || l.ExpiresAtMs <= ss.s.t.nowMs() {
		return ErrLockLost
	}
	return nil
}
