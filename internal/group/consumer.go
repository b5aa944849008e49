package group

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/lease"
	"github.com/calder-io/calder/internal/record"
)

// Record is one fetched stream entry.
type Record struct {
	Partition uint32
	Offset    uint64
	Meta      record.Meta
	Payload   []byte
}

// PartitionClaim is exclusive ownership of one partition within a group.
// Reads and commits through the claim are fenced: a consumer that lost
// the lease gets ErrNotAssigned instead of silently double-reading.
type PartitionClaim struct {
	g         *Group
	Partition uint32
	consumer  string
	fencing   uint64
	ttl       time.Duration
}

// ClaimPartition takes the partition's ownership lease for the assigned
// consumer. Claiming a partition assigned to another member fails with
// ErrNotAssigned; claiming before the previous holder's lease has been
// released or expired fails with ErrPartitionHeld.
func (g *Group) ClaimPartition(ctx context.Context, consumerID string, part uint32, ttl time.Duration) (*PartitionClaim, error) {
	if int(part) >= len(g.c.logs) {
		return nil, fmt.Errorf("group: partition %d out of range", part)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	table, _, err := g.Assignments()
	if err != nil {
		return nil, err
	}
	if table[part] != consumerID {
		return nil, fmt.Errorf("%w: partition %d maps to %q", ErrNotAssigned, part, table[part])
	}
	l, err := g.parts.Acquire(ctx, partResource(part), consumerID, ttl)
	if err != nil {
		if errors.Is(err, lease.ErrAlreadyLocked) {
			return nil, fmt.Errorf("%w: partition %d", ErrPartitionHeld, part)
		}
		return nil, err
	}
	return &PartitionClaim{g: g, Partition: part, consumer: consumerID, fencing: l.Fencing, ttl: ttl}, nil
}

// Renew extends the claim's lease.
func (pc *PartitionClaim) Renew(ctx context.Context) error {
	l, err := pc.g.parts.Renew(ctx, partResource(pc.Partition), pc.consumer, pc.fencing, pc.ttl)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			return ErrNotAssigned
		}
		return err
	}
	pc.fencing = l.Fencing
	return nil
}

// Release gives the partition back, normally during a rebalance after
// the assignment moved elsewhere.
func (pc *PartitionClaim) Release(ctx context.Context) error {
	err := pc.g.parts.Release(ctx, partResource(pc.Partition), pc.consumer, pc.fencing)
	if errors.Is(err, lease.ErrLeaseLost) {
		return nil
	}
	return err
}

func (pc *PartitionClaim) check() error {
	l, ok, err := pc.g.parts.Get(partResource(pc.Partition))
	if err != nil {
		return err
	}
	if !ok || l.Owner != pc.consumer || l.Fencing != pc.fencing || l.ExpiresAtMs <= pc.g.c.nowMs() {
		return ErrNotAssigned
	}
	return nil
}

// Fetch reads up to max records from the group's committed position.
// Fetching does not advance the cursor; call Commit once the batch is
// processed.
func (pc *PartitionClaim) Fetch(ctx context.Context, max int) ([]Record, error) {
	if err := pc.check(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 64
	}
	l := pc.g.c.logs[pc.Partition]
	start, ok := l.GetCursor(cursorGroup(pc.g.name))
	if !ok {
		start = eventlog.TokenFromSeq(l.FirstSeq())
	}
	items, _ := l.Read(eventlog.ReadOptions{Start: start, Limit: max})
	out := make([]Record, 0, len(items))
	for _, it := range items {
		r := Record{Partition: pc.Partition, Offset: it.Seq, Payload: it.Payload}
		if meta, err := record.DecodeHeader(it.Header); err == nil {
			r.Meta = meta
		}
		out = append(out, r)
	}
	return out, nil
}

// Commit durably records that everything below nextOffset has been
// processed. Commits only move forward; a lost claim is ErrNotAssigned.
func (pc *PartitionClaim) Commit(ctx context.Context, nextOffset uint64) error {
	if err := pc.check(); err != nil {
		return err
	}
	return pc.g.CommitOffset(ctx, pc.Partition, nextOffset)
}

// CommitOffset records the group's next-unread offset for a partition.
// The cursor is monotonic; stale commits are ignored.
func (g *Group) CommitOffset(ctx context.Context, part uint32, nextOffset uint64) error {
	if int(part) >= len(g.c.logs) {
		return fmt.Errorf("group: partition %d out of range", part)
	}
	return g.c.logs[part].CommitCursor(cursorGroup(g.name), eventlog.TokenFromSeq(nextOffset))
}

// Committed returns the group's next-unread offset for a partition and
// whether a commit exists.
func (g *Group) Committed(part uint32) (uint64, bool) {
	if int(part) >= len(g.c.logs) {
		return 0, false
	}
	tok, ok := g.c.logs[part].GetCursor(cursorGroup(g.name))
	if !ok {
		return 0, false
	}
	return tok.Seq(), true
}

// SeekTarget names a replay position.
type SeekTarget struct {
	kind   seekKind
	offset uint64
	tsMs   int64
}

type seekKind int

const (
	seekEarliest seekKind = iota
	seekLatest
	seekOffset
	seekTimestamp
)

// Earliest replays the partition from its first retained record.
func Earliest() SeekTarget { return SeekTarget{kind: seekEarliest} }

// Latest skips to the live end: only records appended after the seek are
// fetched.
func Latest() SeekTarget { return SeekTarget{kind: seekLatest} }

// AtOffset replays from an explicit offset.
func AtOffset(off uint64) SeekTarget { return SeekTarget{kind: seekOffset, offset: off} }

// AtTimestamp replays from the first record at or after tsMs.
func AtTimestamp(tsMs int64) SeekTarget { return SeekTarget{kind: seekTimestamp, tsMs: tsMs} }

// Seek rewinds or advances the group's cursor on one partition. It only
// moves this group's position; the log itself is untouched and other
// groups never observe the seek.
func (g *Group) Seek(ctx context.Context, part uint32, target SeekTarget) error {
	if int(part) >= len(g.c.logs) {
		return fmt.Errorf("group: partition %d out of range", part)
	}
	l := g.c.logs[part]
	var seq uint64
	switch target.kind {
	case seekEarliest:
		seq = l.FirstSeq()
	case seekLatest:
		seq = l.LastSeq() + 1
	case seekOffset:
		seq = target.offset
	case seekTimestamp:
		s, ok := l.SeqAt(target.tsMs, record.HeaderTimestamp)
		if !ok {
			s = l.LastSeq() + 1
		}
		seq = s
	}
	return l.SeekCursor(cursorGroup(g.name), eventlog.TokenFromSeq(seq))
}

// cursorGroup namespaces group cursors away from subscription cursors
// that share the same stream.
func cursorGroup(name string) string { return "g/" + name }
