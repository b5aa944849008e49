package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionFIFOAcrossReceiveCycles(t *testing.T) {
	q := newTestQueue(t, Config{Partitions: 4})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := q.Send(ctx, []byte{byte('a' + i)}, SendOptions{SessionID: "s1"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	s, err := q.AcceptSession(ctx, "c1", "s1", 0)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	for i := 0; i < 4; i++ {
		m, err := s.Receive(ctx)
		if err != nil || m == nil {
			t.Fatalf("receive %d: %+v %v", i, m, err)
		}
		if m.Payload[0] != byte('a'+i) {
			t.Fatalf("session order broken at %d: %q", i, m.Payload)
		}
		if _, err := s.Complete(ctx, m); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	if m, _ := s.Receive(ctx); m != nil {
		t.Fatalf("drained session returned %+v", m)
	}
}

func TestSessionExclusiveOwnership(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	if _, err := q.Send(ctx, []byte("x"), SendOptions{SessionID: "s1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	s1, err := q.AcceptSession(ctx, "c1", "s1", 0)
	if err != nil {
		t.Fatalf("accept c1: %v", err)
	}

	if _, err := q.AcceptSession(ctx, "c2", "s1", 0); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("want ErrSessionLocked for c2, got %v", err)
	}

	// after close, the session is up for grabs
	if err := s1.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	s2, err := q.AcceptSession(ctx, "c2", "s1", 0)
	if err != nil {
		t.Fatalf("accept c2 after close: %v", err)
	}
	m, err := s2.Receive(ctx)
	if err != nil || m == nil || string(m.Payload) != "x" {
		t.Fatalf("c2 receive: %+v %v", m, err)
	}
}

func TestAcceptAnySession(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	if _, err := q.Send(ctx, []byte("a"), SendOptions{SessionID: "alpha"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := q.Send(ctx, []byte("b"), SendOptions{SessionID: "beta"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	s1, err := q.AcceptSession(ctx, "c1", "", 0)
	if err != nil || s1 == nil {
		t.Fatalf("accept any (c1): %+v %v", s1, err)
	}
	s2, err := q.AcceptSession(ctx, "c2", "", 0)
	if err != nil || s2 == nil {
		t.Fatalf("accept any (c2): %+v %v", s2, err)
	}
	if s1.ID == s2.ID {
		t.Fatalf("both consumers accepted session %q", s1.ID)
	}
}

func TestSessionAbandonRedeliversInOrder(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	for _, p := range []string{"one", "two"} {
		if _, err := q.Send(ctx, []byte(p), SendOptions{SessionID: "s1"}); err != nil {
			t.Fatalf("send %s: %v", p, err)
		}
	}

	s, err := q.AcceptSession(ctx, "c1", "s1", 0)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	m1, err := s.Receive(ctx)
	if err != nil || m1 == nil || string(m1.Payload) != "one" {
		t.Fatalf("first receive: %+v %v", m1, err)
	}
	if err := s.Abandon(ctx, m1); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	// redelivery preserves order: "one" again, not "two"
	m, err := s.Receive(ctx)
	if err != nil || m == nil || string(m.Payload) != "one" {
		t.Fatalf("redelivery: %+v %v", m, err)
	}
	if m.DeliveryCount != 2 {
		t.Fatalf("delivery count=%d want 2", m.DeliveryCount)
	}
}

func TestSessionMaxDeliveryDeadLetters(t *testing.T) {
	q := newTestQueue(t, Config{MaxDeliveryCount: 2})
	ctx := context.Background()

	if _, err := q.Send(ctx, []byte("poison"), SendOptions{SessionID: "s1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	s, err := q.AcceptSession(ctx, "c1", "s1", 0)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	for cycle := 0; cycle < 2; cycle++ {
		m, err := s.Receive(ctx)
		if err != nil || m == nil {
			t.Fatalf("cycle %d receive: %+v %v", cycle, m, err)
		}
		if err := s.Abandon(ctx, m); err != nil {
			t.Fatalf("cycle %d abandon: %v", cycle, err)
		}
	}

	if m, _ := s.Receive(ctx); m != nil {
		t.Fatalf("poison session message still delivered: %+v", m)
	}
	dls, _ := q.ListDeadLetters(0, 0, 10)
	if len(dls) != 1 || dls[0].Reason != ReasonMaxDeliveryCount {
		t.Fatalf("dlq=%+v", dls)
	}
}

func TestSessionLockExpiryFreesSession(t *testing.T) {
	q := newTestQueue(t, Config{LockDuration: 30 * time.Millisecond})
	ctx := context.Background()

	if _, err := q.Send(ctx, []byte("x"), SendOptions{SessionID: "s1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	s1, err := q.AcceptSession(ctx, "c1", "s1", 0)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	// the lapsed holder is fenced out
	if _, err := s1.Receive(ctx); !errors.Is(err, ErrLockLost) {
		t.Fatalf("lapsed receive: want ErrLockLost, got %v", err)
	}

	s2, err := q.AcceptSession(ctx, "c2", "s1", time.Second)
	if err != nil || s2 == nil {
		t.Fatalf("takeover accept: %+v %v", s2, err)
	}
	if m, err := s2.Receive(ctx); err != nil || m == nil {
		t.Fatalf("takeover receive: %+v %v", m, err)
	}
}

func TestSessionRequiredValidation(t *testing.T) {
	q := newTestQueue(t, Config{RequireSession: true})
	if _, err := q.Send(context.Background(), []byte("x"), SendOptions{}); !errors.Is(err, ErrSessionRequired) {
		t.Fatalf("want ErrSessionRequired, got %v", err)
	}
}

func TestSessionPinnedToOnePartition(t *testing.T) {
	q := newTestQueue(t, Config{Partitions: 8})
	ctx := context.Background()

	var part uint32
	for i := 0; i < 6; i++ {
		res, err := q.Send(ctx, []byte{byte(i)}, SendOptions{SessionID: "pin"})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if i == 0 {
			part = res.Partition
		} else if res.Partition != part {
			t.Fatalf("session spread across partitions: %d vs %d", res.Partition, part)
		}
	}
}
