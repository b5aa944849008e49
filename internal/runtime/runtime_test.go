package runtime

import (
	"context"
	"errors"
	"testing"

	cfgpkg "github.com/calder-io/calder/internal/config"
	"github.com/calder-io/calder/internal/queue"
	"github.com/calder-io/calder/internal/topic"
)

func newTestRuntime(t *testing.T, mutate func(*cfgpkg.Config)) *Runtime {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	if mutate != nil {
		mutate(&cfg)
	}
	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func TestOpenCloseHealth(t *testing.T) {
	rt := newTestRuntime(t, nil)
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestQueueRoundTripThroughRuntime(t *testing.T) {
	rt := newTestRuntime(t, nil)
	ctx := context.Background()

	q, err := rt.CreateQueue(ctx, "default", "orders", queue.Config{})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	// namespace and runtime defaults applied
	if q.Config().Partitions != 4 || q.Config().MaxDeliveryCount != 10 {
		t.Fatalf("defaults: %+v", q.Config())
	}

	if _, err := q.Send(ctx, []byte("hello"), queue.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	m, err := q.Receive(ctx, queue.PeekLock, "c1", 0)
	if err != nil || m == nil {
		t.Fatalf("receive: %+v %v", m, err)
	}
	if _, err := q.Complete(ctx, m); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// cached handle
	q2, err := rt.Queue(ctx, "default", "orders")
	if err != nil || q2 != q {
		t.Fatalf("queue not cached: %p %p %v", q, q2, err)
	}
}

func TestTopicAndCoordinatorThroughRuntime(t *testing.T) {
	rt := newTestRuntime(t, nil)
	ctx := context.Background()

	tp, err := rt.CreateTopic(ctx, "default", "events", topic.Config{Partitions: 2})
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if _, err := tp.CreateSubscription(ctx, "all", topic.SubConfig{}); err != nil {
		t.Fatalf("create sub: %v", err)
	}
	if _, err := tp.Publish(ctx, []byte("x"), topic.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	s, err := rt.Subscription(ctx, "default", "events", "all")
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	m, err := s.Receive(ctx, topic.PeekLock, "c1", 0)
	if err != nil || m == nil {
		t.Fatalf("receive: %+v %v", m, err)
	}

	c, err := rt.Coordinator(ctx, "default", "events")
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if c.Partitions() != 2 {
		t.Fatalf("coordinator partitions=%d", c.Partitions())
	}
	c2, _ := rt.Coordinator(ctx, "default", "events")
	if c2 != c {
		t.Fatal("coordinator not cached")
	}
}

func TestNamespaceAutoCreateDisabled(t *testing.T) {
	rt := newTestRuntime(t, func(c *cfgpkg.Config) {
		c.AllowAutoCreateNamespaces = false
	})
	ctx := context.Background()

	if _, err := rt.CreateQueue(ctx, "nope", "q", queue.Config{}); !errors.Is(err, ErrNamespaceUnknown) {
		t.Fatalf("want ErrNamespaceUnknown, got %v", err)
	}
	// the default namespace exists from Open
	if _, err := rt.CreateQueue(ctx, "default", "q", queue.Config{}); err != nil {
		t.Fatalf("default namespace: %v", err)
	}
}

func TestDeleteQueueDropsCache(t *testing.T) {
	rt := newTestRuntime(t, nil)
	ctx := context.Background()

	if _, err := rt.CreateQueue(ctx, "default", "tmp", queue.Config{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rt.DeleteQueue(ctx, "default", "tmp"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := rt.Queue(ctx, "default", "tmp"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("want queue.ErrNotFound, got %v", err)
	}
}

func TestConfiguredNamespaceDefaultsApplied(t *testing.T) {
	rt := newTestRuntime(t, func(c *cfgpkg.Config) {
		c.NamespaceDefaults.Partitions = 2
		c.NamespaceDefaults.PayloadMaxBytes = 512
		c.NamespaceDefaults.HeadersMaxBytes = 128
	})
	ctx := context.Background()

	ns, err := rt.Namespace("tuned")
	if err != nil {
		t.Fatalf("namespace: %v", err)
	}
	if ns.Partitions != 2 || ns.PayloadMaxBytes != 512 || ns.HeadersMaxBytes != 128 {
		t.Fatalf("configured defaults not applied: %+v", ns)
	}

	q, err := rt.CreateQueue(ctx, "tuned", "orders", queue.Config{})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	if q.Config().Partitions != 2 || q.Config().MaxPayloadBytes != 512 || q.Config().MaxHeadersBytes != 128 {
		t.Fatalf("queue did not inherit namespace limits: %+v", q.Config())
	}
	if _, err := q.Send(ctx, make([]byte, 1024), queue.SendOptions{}); !errors.Is(err, queue.ErrRecordTooLarge) {
		t.Fatalf("payload over namespace limit: want ErrRecordTooLarge, got %v", err)
	}

	tp, err := rt.CreateTopic(ctx, "tuned", "events", topic.Config{})
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if tp.Config().MaxPayloadBytes != 512 || tp.Config().MaxHeadersBytes != 128 {
		t.Fatalf("topic did not inherit namespace limits: %+v", tp.Config())
	}
	if _, err := tp.Publish(ctx, make([]byte, 1024), topic.PublishOptions{}); !errors.Is(err, topic.ErrRecordTooLarge) {
		t.Fatalf("publish over namespace limit: want ErrRecordTooLarge, got %v", err)
	}
}
