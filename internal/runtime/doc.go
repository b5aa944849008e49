// Package runtime wires storage, the lease-backed engines, and the push
// dispatcher into a single-node broker instance. It exposes Open/Close,
// a health check, and cached handles for queues, topics, subscriptions,
// consumer-group coordinators, and dispatchers.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close(context.Background())
//	q, _ := rt.CreateQueue(ctx, "default", "orders", queue.Config{})
//	_, _ = q.Send(ctx, []byte("hello"), queue.SendOptions{})
package runtime
