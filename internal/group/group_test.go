package group

import (
	"context"
	"testing"
	"time"

	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/record"
	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
)

func newTestCoordinator(t *testing.T, partitions int) *Coordinator {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	logs := make([]*eventlog.Log, partitions)
	for p := 0; p < partitions; p++ {
		l, err := eventlog.OpenLog(db, "ns", "t/events", uint32(p))
		if err != nil {
			t.Fatalf("open log %d: %v", p, err)
		}
		logs[p] = l
	}
	return NewCoordinator(db, "ns", "t/events", logs, nil)
}

func seed(t *testing.T, c *Coordinator, part uint32, payloads ...string) []uint64 {
	t.Helper()
	header, err := record.EncodeHeader(record.Meta{EnqueuedAtMs: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	var seqs []uint64
	for _, p := range payloads {
		got, err := c.logs[part].Append(context.Background(), []eventlog.AppendRecord{{Header: header, Payload: []byte(p)}})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		seqs = append(seqs, got...)
	}
	return seqs
}

func TestRoundRobinAssignment(t *testing.T) {
	c := newTestCoordinator(t, 4)
	g := c.Group("billing")
	ctx := context.Background()

	for _, id := range []string{"c-b", "c-a"} {
		if _, err := g.Join(ctx, id, time.Minute); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}

	table, gen, err := g.Assignments()
	if err != nil {
		t.Fatalf("assignments: %v", err)
	}
	if gen != 2 {
		t.Fatalf("generation=%d want 2", gen)
	}
	// sorted members, round-robin: c-a gets 0 and 2, c-b gets 1 and 3
	want := map[uint32]string{0: "c-a", 1: "c-b", 2: "c-a", 3: "c-b"}
	for p, owner := range want {
		if table[p] != owner {
			t.Fatalf("partition %d assigned to %q, want %q (table %v)", p, table[p], owner, table)
		}
	}

	parts, err := g.AssignedPartitions("c-a")
	if err != nil || len(parts) != 2 || parts[0] != 0 || parts[1] != 2 {
		t.Fatalf("c-a partitions=%v err=%v", parts, err)
	}
}

func TestExcessConsumersIdle(t *testing.T) {
	c := newTestCoordinator(t, 2)
	g := c.Group("g")
	ctx := context.Background()
	for _, id := range []string{"a", "b", "z"} {
		if _, err := g.Join(ctx, id, time.Minute); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	parts, err := g.AssignedPartitions("z")
	if err != nil {
		t.Fatalf("assigned: %v", err)
	}
	if len(parts) != 0 {
		t.Fatalf("excess consumer owns %v", parts)
	}
}

func TestClaimRequiresAssignment(t *testing.T) {
	c := newTestCoordinator(t, 2)
	g := c.Group("g")
	ctx := context.Background()
	if _, err := g.Join(ctx, "a", time.Minute); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := g.ClaimPartition(ctx, "intruder", 0, time.Minute); err == nil {
		t.Fatal("claim by non-member succeeded")
	}
}

func TestRevokeBeforeReassign(t *testing.T) {
	c := newTestCoordinator(t, 1)
	g := c.Group("g")
	ctx := context.Background()

	if _, err := g.Join(ctx, "a", time.Minute); err != nil {
		t.Fatalf("join a: %v", err)
	}
	claimA, err := g.ClaimPartition(ctx, "a", 0, time.Minute)
	if err != nil {
		t.Fatalf("claim a: %v", err)
	}

	// "0-aa" sorts before "a": the single partition moves to the joiner
	if _, err := g.Join(ctx, "0-aa", time.Minute); err != nil {
		t.Fatalf("join 0-aa: %v", err)
	}
	table, _, _ := g.Assignments()
	if table[0] != "0-aa" {
		t.Fatalf("rebalance kept partition on %q", table[0])
	}

	// new owner cannot take the partition until a releases
	if _, err := g.ClaimPartition(ctx, "0-aa", 0, time.Minute); err == nil {
		t.Fatal("claim succeeded before revoke")
	}
	if err := claimA.Release(ctx); err != nil {
		t.Fatalf("release a: %v", err)
	}
	if _, err := g.ClaimPartition(ctx, "0-aa", 0, time.Minute); err != nil {
		t.Fatalf("claim after revoke: %v", err)
	}

	// a's fetch through its old claim is fenced out
	if _, err := claimA.Fetch(ctx, 10); err != ErrNotAssigned {
		t.Fatalf("stale fetch: want ErrNotAssigned, got %v", err)
	}
}

func TestFetchCommitResume(t *testing.T) {
	c := newTestCoordinator(t, 1)
	g := c.Group("g")
	ctx := context.Background()

	seed(t, c, 0, "r1", "r2", "r3")
	if _, err := g.Join(ctx, "a", time.Minute); err != nil {
		t.Fatalf("join: %v", err)
	}
	claim, err := g.ClaimPartition(ctx, "a", 0, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	recs, err := claim.Fetch(ctx, 2)
	if err != nil || len(recs) != 2 {
		t.Fatalf("fetch: %d %v", len(recs), err)
	}
	if string(recs[0].Payload) != "r1" || string(recs[1].Payload) != "r2" {
		t.Fatalf("fetch order: %q %q", recs[0].Payload, recs[1].Payload)
	}

	// uncommitted fetch re-reads from the start
	again, _ := claim.Fetch(ctx, 2)
	if len(again) != 2 || again[0].Offset != recs[0].Offset {
		t.Fatalf("refetch before commit: %+v", again)
	}

	if err := claim.Commit(ctx, recs[1].Offset+1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	rest, err := claim.Fetch(ctx, 10)
	if err != nil || len(rest) != 1 || string(rest[0].Payload) != "r3" {
		t.Fatalf("resume after commit: %+v %v", rest, err)
	}

	off, ok := g.Committed(0)
	if !ok || off != recs[1].Offset+1 {
		t.Fatalf("committed=%d ok=%v", off, ok)
	}
}

func TestGroupsIsolated(t *testing.T) {
	c := newTestCoordinator(t, 1)
	ctx := context.Background()
	seed(t, c, 0, "x", "y")

	claim := func(group, consumer string) *PartitionClaim {
		g := c.Group(group)
		if _, err := g.Join(ctx, consumer, time.Minute); err != nil {
			t.Fatalf("join %s: %v", group, err)
		}
		pc, err := g.ClaimPartition(ctx, consumer, 0, time.Minute)
		if err != nil {
			t.Fatalf("claim %s: %v", group, err)
		}
		return pc
	}
	g1 := claim("g1", "a")
	g2 := claim("g2", "b")

	// both groups see the full record set from earliest
	r1, _ := g1.Fetch(ctx, 10)
	r2, _ := g2.Fetch(ctx, 10)
	if len(r1) != 2 || len(r2) != 2 {
		t.Fatalf("fetch counts: %d %d", len(r1), len(r2))
	}

	// committing in g1 never moves g2
	if err := g1.Commit(ctx, r1[1].Offset+1); err != nil {
		t.Fatalf("commit g1: %v", err)
	}
	r2b, _ := g2.Fetch(ctx, 10)
	if len(r2b) != 2 {
		t.Fatalf("g2 cursor moved by g1 commit: %d records", len(r2b))
	}
}

func TestSeekTargets(t *testing.T) {
	c := newTestCoordinator(t, 1)
	g := c.Group("g")
	ctx := context.Background()

	h1, _ := record.EncodeHeader(record.Meta{EnqueuedAtMs: 1000})
	h2, _ := record.EncodeHeader(record.Meta{EnqueuedAtMs: 2000})
	for _, ar := range []eventlog.AppendRecord{{Header: h1, Payload: []byte("old")}, {Header: h2, Payload: []byte("new")}} {
		if _, err := c.logs[0].Append(ctx, []eventlog.AppendRecord{ar}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := g.Join(ctx, "a", time.Minute); err != nil {
		t.Fatalf("join: %v", err)
	}
	pc, err := g.ClaimPartition(ctx, "a", 0, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := g.Seek(ctx, 0, Latest()); err != nil {
		t.Fatalf("seek latest: %v", err)
	}
	if recs, _ := pc.Fetch(ctx, 10); len(recs) != 0 {
		t.Fatalf("latest still returned %+v", recs)
	}

	if err := g.Seek(ctx, 0, Earliest()); err != nil {
		t.Fatalf("seek earliest: %v", err)
	}
	if recs, _ := pc.Fetch(ctx, 10); len(recs) != 2 {
		t.Fatalf("earliest returned %d", len(recs))
	}

	if err := g.Seek(ctx, 0, AtOffset(2)); err != nil {
		t.Fatalf("seek offset: %v", err)
	}
	if recs, _ := pc.Fetch(ctx, 10); len(recs) != 1 || string(recs[0].Payload) != "new" {
		t.Fatalf("offset seek: %+v", recs)
	}

	if err := g.Seek(ctx, 0, AtTimestamp(1500)); err != nil {
		t.Fatalf("seek ts: %v", err)
	}
	if recs, _ := pc.Fetch(ctx, 10); len(recs) != 1 || string(recs[0].Payload) != "new" {
		t.Fatalf("timestamp seek: %+v", recs)
	}
}

func TestHeartbeatAndExpiry(t *testing.T) {
	c := newTestCoordinator(t, 1)
	g := c.Group("g")
	ctx := context.Background()

	m, err := g.Join(ctx, "a", 40*time.Millisecond)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := g.ClaimPartition(ctx, "a", 0, 40*time.Millisecond); err != nil {
		t.Fatalf("claim: %v", err)
	}
	g.StartSweeper(ctx, 15*time.Millisecond)
	t.Cleanup(g.StopSweeper)

	// heartbeats keep the membership alive past the TTL
	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := g.Heartbeat(ctx, &m); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	if members, _ := g.Members(); len(members) != 1 {
		t.Fatalf("member lapsed under heartbeat: %v", members)
	}

	// stop heartbeating: the sweeper expels the member and frees the
	// partition for a successor
	deadline := time.Now().Add(2 * time.Second)
	for {
		members, err := g.Members()
		if err != nil {
			t.Fatalf("members: %v", err)
		}
		if len(members) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired member never expelled")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := g.Heartbeat(ctx, &m); err != ErrNotMember {
		t.Fatalf("post-expiry heartbeat: want ErrNotMember, got %v", err)
	}

	if _, err := g.Join(ctx, "b", time.Minute); err != nil {
		t.Fatalf("join b: %v", err)
	}
	if _, err := g.ClaimPartition(ctx, "b", 0, time.Minute); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
}

func TestLeaveReleasesPartitions(t *testing.T) {
	c := newTestCoordinator(t, 1)
	g := c.Group("g")
	ctx := context.Background()

	m, err := g.Join(ctx, "a", time.Minute)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := g.ClaimPartition(ctx, "a", 0, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := g.Leave(ctx, m); err != nil {
		t.Fatalf("leave: %v", err)
	}

	if _, err := g.Join(ctx, "b", time.Minute); err != nil {
		t.Fatalf("join b: %v", err)
	}
	if _, err := g.ClaimPartition(ctx, "b", 0, time.Minute); err != nil {
		t.Fatalf("claim after leave: %v", err)
	}
}
