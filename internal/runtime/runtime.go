package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cfgpkg "github.com/calder-io/calder/internal/config"
	"github.com/calder-io/calder/internal/dispatch"
	"github.com/calder-io/calder/internal/group"
	"github.com/calder-io/calder/internal/namespace"
	"github.com/calder-io/calder/internal/queue"
	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
	"github.com/calder-io/calder/internal/topic"
	"github.com/calder-io/calder/pkg/log"
)

// ErrNamespaceUnknown is returned when auto-creation is disabled and the
// namespace does not exist.
var ErrNamespaceUnknown = errors.New("runtime: unknown namespace")

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger log.Logger
}

// Runtime wires storage, engines, and the dispatcher for a single-node
// broker. Construction order is storage, then lease-backed engines, then
// dispatchers; teardown runs in reverse.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	queues      map[string]*queue.Queue
	topics      map[string]*topic.Topic
	coords      map[string]*group.Coordinator
	dispatchers map[string]*dispatch.Dispatcher
	sweptSubs   map[string]*topic.Subscription

	trimDone chan struct{}
}

// Open initializes storage and background maintenance and returns a
// Runtime.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = log.ApplyConfig(&cfg.Log)
		if err != nil {
			return nil, err
		}
	}
	log.SetDefaultLogger(logger)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = cfgpkg.DefaultDataDir()
	}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dataDir, Fsync: fsyncMode(cfg.Fsync)})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		db:          db,
		config:      cfg,
		logger:      logger.With(log.Component("runtime")),
		ctx:         ctx,
		cancel:      cancel,
		queues:      make(map[string]*queue.Queue),
		topics:      make(map[string]*topic.Topic),
		coords:      make(map[string]*group.Coordinator),
		dispatchers: make(map[string]*dispatch.Dispatcher),
		sweptSubs:   make(map[string]*topic.Subscription),
		trimDone:    make(chan struct{}),
	}
	if cfg.DefaultNamespaceName != "" {
		if _, err := namespace.EnsureNamespace(db, cfg.DefaultNamespaceName, rt.nsDefaults()); err != nil {
			cancel()
			_ = db.Close()
			return nil, err
		}
	}
	go rt.trimLoop()
	return rt, nil
}

func fsyncMode(s string) pebblestore.FsyncMode {
	switch s {
	case "always":
		return pebblestore.FsyncModeAlways
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeInterval
	}
}

// Close tears down dispatchers, sweepers, and storage, in that order.
func (r *Runtime) Close(ctx context.Context) error {
	r.cancel()
	<-r.trimDone

	r.mu.Lock()
	for _, d := range r.dispatchers {
		d.Stop()
	}
	for _, s := range r.sweptSubs {
		s.StopSweeper()
	}
	for _, q := range r.queues {
		q.StopSweeper()
	}
	r.mu.Unlock()

	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage read to confirm liveness.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// nsName maps the empty namespace to the configured default.
func (r *Runtime) nsName(name string) string {
	if name == "" {
		return r.config.DefaultNamespaceName
	}
	return name
}

// nsDefaults lifts the configured per-namespace limits into the meta
// used when a namespace is created.
func (r *Runtime) nsDefaults() namespace.Meta {
	return namespace.Meta{
		Partitions:      r.config.NamespaceDefaults.Partitions,
		PayloadMaxBytes: r.config.NamespaceDefaults.PayloadMaxBytes,
		HeadersMaxBytes: r.config.NamespaceDefaults.HeadersMaxBytes,
	}
}

// Namespace resolves a namespace, creating it when auto-creation is
// allowed. An empty name means the configured default namespace.
func (r *Runtime) Namespace(name string) (namespace.Meta, error) {
	name = r.nsName(name)
	if r.config.AllowAutoCreateNamespaces {
		return namespace.EnsureNamespace(r.db, name, r.nsDefaults())
	}
	m, ok, err := namespace.Get(r.db, name)
	if err != nil {
		return namespace.Meta{}, err
	}
	if !ok {
		return namespace.Meta{}, fmt.Errorf("%w: %s", ErrNamespaceUnknown, name)
	}
	return m, nil
}

// Namespaces lists all namespace metas.
func (r *Runtime) Namespaces() ([]namespace.Meta, error) {
	return namespace.List(r.db)
}

// queueDefaults fills unset queue config fields from the namespace and
// runtime configuration.
func (r *Runtime) queueDefaults(ns namespace.Meta, cfg queue.Config) queue.Config {
	if cfg.Partitions == 0 {
		cfg.Partitions = uint32(ns.Partitions)
	}
	if cfg.MaxPayloadBytes == 0 {
		cfg.MaxPayloadBytes = int64(ns.PayloadMaxBytes)
	}
	if cfg.MaxHeadersBytes == 0 {
		cfg.MaxHeadersBytes = int64(ns.HeadersMaxBytes)
	}
	if cfg.MaxDeliveryCount == 0 {
		cfg.MaxDeliveryCount = r.config.QueueDefaults.MaxDeliveryCount
	}
	if cfg.LockDuration == 0 {
		cfg.LockDuration = r.config.QueueDefaults.LockDuration.Std()
	}
	return cfg
}

// CreateQueue registers a queue with defaults applied and returns its
// open handle.
func (r *Runtime) CreateQueue(ctx context.Context, nsName, name string, cfg queue.Config) (*queue.Queue, error) {
	nsName = r.nsName(nsName)
	ns, err := r.Namespace(nsName)
	if err != nil {
		return nil, err
	}
	if _, err := queue.CreateQueue(ctx, r.db, nsName, name, r.queueDefaults(ns, cfg)); err != nil {
		return nil, err
	}
	return r.Queue(ctx, nsName, name)
}

// Queue returns the open handle for a registered queue, starting its
// lock sweeper on first open.
func (r *Runtime) Queue(ctx context.Context, nsName, name string) (*queue.Queue, error) {
	nsName = r.nsName(nsName)
	key := nsName + "/" + name
	r.mu.Lock()
	if q, ok := r.queues[key]; ok {
		r.mu.Unlock()
		return q, nil
	}
	r.mu.Unlock()

	cfg, err := queue.GetQueueConfig(r.db, nsName, name)
	if err != nil {
		return nil, err
	}
	q, err := queue.Open(r.db, nsName, name, cfg, r.logger)
	if err != nil {
		return nil, err
	}
	q.StartSweeper(r.ctx, r.config.SweepInterval.Std())

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.queues[key]; ok {
		q.StopSweeper()
		return existing, nil
	}
	r.queues[key] = q
	return q, nil
}

// DeleteQueue removes a queue and all of its state.
func (r *Runtime) DeleteQueue(ctx context.Context, nsName, name string) error {
	nsName = r.nsName(nsName)
	key := nsName + "/" + name
	r.mu.Lock()
	if q, ok := r.queues[key]; ok {
		q.StopSweeper()
		delete(r.queues, key)
	}
	r.mu.Unlock()
	return queue.DeleteQueue(ctx, r.db, nsName, name)
}

// CreateTopic registers a topic with namespace defaults applied and
// returns its open handle.
func (r *Runtime) CreateTopic(ctx context.Context, nsName, name string, cfg topic.Config) (*topic.Topic, error) {
	nsName = r.nsName(nsName)
	ns, err := r.Namespace(nsName)
	if err != nil {
		return nil, err
	}
	if cfg.Partitions == 0 {
		cfg.Partitions = uint32(ns.Partitions)
	}
	if cfg.MaxPayloadBytes == 0 {
		cfg.MaxPayloadBytes = int64(ns.PayloadMaxBytes)
	}
	if cfg.MaxHeadersBytes == 0 {
		cfg.MaxHeadersBytes = int64(ns.HeadersMaxBytes)
	}
	if _, err := topic.Create(ctx, r.db, nsName, name, cfg); err != nil {
		return nil, err
	}
	return r.Topic(ctx, nsName, name)
}

// Topic returns the open handle for a registered topic.
func (r *Runtime) Topic(ctx context.Context, nsName, name string) (*topic.Topic, error) {
	nsName = r.nsName(nsName)
	key := nsName + "/" + name
	r.mu.Lock()
	if t, ok := r.topics[key]; ok {
		r.mu.Unlock()
		return t, nil
	}
	r.mu.Unlock()

	t, err := topic.Open(r.db, nsName, name, r.logger)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.topics[key]; ok {
		return existing, nil
	}
	r.topics[key] = t
	return t, nil
}

// DeleteTopic removes a topic, its log, and all subscription state.
func (r *Runtime) DeleteTopic(ctx context.Context, nsName, name string) error {
	nsName = r.nsName(nsName)
	key := nsName + "/" + name
	r.mu.Lock()
	delete(r.topics, key)
	for k, s := range r.sweptSubs {
		if k == key || len(k) > len(key) && k[:len(key)+1] == key+"/" {
			s.StopSweeper()
			delete(r.sweptSubs, k)
		}
	}
	r.mu.Unlock()
	return topic.Delete(ctx, r.db, nsName, name)
}

// Subscription opens a subscription and starts its lock sweeper on first
// use.
func (r *Runtime) Subscription(ctx context.Context, nsName, topicName, subName string) (*topic.Subscription, error) {
	nsName = r.nsName(nsName)
	t, err := r.Topic(ctx, nsName, topicName)
	if err != nil {
		return nil, err
	}
	s, err := t.Subscription(subName)
	if err != nil {
		return nil, err
	}
	key := nsName + "/" + topicName + "/" + subName
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sweptSubs[key]; !ok {
		s.StartSweeper(r.ctx, r.config.SweepInterval.Std())
		r.sweptSubs[key] = s
	}
	return s, nil
}

// Coordinator returns the consumer-group coordinator over a topic's
// stream.
func (r *Runtime) Coordinator(ctx context.Context, nsName, topicName string) (*group.Coordinator, error) {
	nsName = r.nsName(nsName)
	t, err := r.Topic(ctx, nsName, topicName)
	if err != nil {
		return nil, err
	}
	key := nsName + "/" + topicName
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.coords[key]; ok {
		return c, nil
	}
	c := group.NewCoordinator(r.db, nsName, t.Stream(), t.Logs(), r.logger)
	r.coords[key] = c
	return c, nil
}

// Dispatcher returns the push dispatcher over a topic's stream, started
// on first use.
func (r *Runtime) Dispatcher(ctx context.Context, nsName, topicName string) (*dispatch.Dispatcher, error) {
	nsName = r.nsName(nsName)
	t, err := r.Topic(ctx, nsName, topicName)
	if err != nil {
		return nil, err
	}
	key := nsName + "/" + topicName
	r.mu.Lock()
	if d, ok := r.dispatchers[key]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	d := dispatch.New(r.db, nsName, t.Stream(), t.Logs(), dispatch.Options{
		Workers:        r.config.Dispatcher.Workers,
		RequestTimeout: r.config.Dispatcher.RequestTimeout.Std(),
	}, r.logger)
	if err := d.Start(r.ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.dispatchers[key]; ok {
		d.Stop()
		return existing, nil
	}
	r.dispatchers[key] = d
	return d, nil
}

// trimLoop applies retention to every open topic on a fixed cadence.
func (r *Runtime) trimLoop() {
	defer close(r.trimDone)
	interval := r.config.TrimInterval.Std()
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(interval):
		}
		r.mu.Lock()
		topics := make([]*topic.Topic, 0, len(r.topics))
		for _, t := range r.topics {
			topics = append(topics, t)
		}
		r.mu.Unlock()
		for _, t := range topics {
			if err := t.TrimRetention(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("retention trim failed", log.Err(err))
			}
		}
	}
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
