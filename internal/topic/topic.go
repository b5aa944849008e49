package topic

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/filter"
	"github.com/calder-io/calder/internal/record"
	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
	"github.com/calder-io/calder/pkg/id"
	"github.com/calder-io/calder/pkg/log"
)

var (
	// ErrNotFound covers unknown topics and subscriptions.
	ErrNotFound = errors.New("topic: not found")

	// ErrSubscriptionExists rejects creating a subscription name twice
	// with a different filter.
	ErrSubscriptionExists = errors.New("topic: subscription exists")

	// ErrRecordTooLarge rejects a payload over the configured cap at
	// publish time; the message is never stored.
	ErrRecordTooLarge = errors.New("topic: record too large")

	// ErrHeadersTooLarge rejects metadata over the configured cap.
	ErrHeadersTooLarge = errors.New("topic: headers too large")
)

// Config is a topic's durable configuration. Retention applies to the
// shared log; per-subscription delivery settings live in SubConfig.
type Config struct {
	Partitions      uint32        `json:"partitions"`
	RetentionAge    time.Duration `json:"retention_age,omitempty"`
	RetentionSize   int64         `json:"retention_size,omitempty"`
	MaxSizeBytes    int64         `json:"max_size_bytes,omitempty"`
	MaxPayloadBytes int64         `json:"max_payload_bytes,omitempty"`
	MaxHeadersBytes int64         `json:"max_headers_bytes,omitempty"`

	// Subscriptions lists this topic's subscription names. The names are
	// references into the registry, not owned objects.
	Subscriptions []string `json:"subscriptions,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Partitions == 0 {
		c.Partitions = 4
	}
	return c
}

// SubConfig is a subscription's durable configuration.
type SubConfig struct {
	Topic            string        `json:"topic"`
	Filter           string        `json:"filter,omitempty"`
	MaxDeliveryCount int           `json:"max_delivery_count"`
	LockDuration     time.Duration `json:"lock_duration"`
	DefaultTTL       time.Duration `json:"default_ttl,omitempty"`
}

func (c SubConfig) withDefaults() SubConfig {
	if c.MaxDeliveryCount <= 0 {
		c.MaxDeliveryCount = 10
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 60 * time.Second
	}
	return c
}

// Topic is one open topic: the shared partitioned log plus its
// subscriptions.
type Topic struct {
	db        *pebblestore.DB
	namespace string
	name      string
	cfg       Config
	logger    log.Logger
	idgen     *id.Generator

	mu       sync.Mutex
	logs     []*eventlog.Log
	subs     map[string]*Subscription
	nextPart uint32

	notifyMu sync.Mutex
	notifyCh chan struct{}

	nowMs func() int64
}

// Open loads a registered topic and its partition logs.
func Open(db *pebblestore.DB, namespace, name string, logger log.Logger) (*Topic, error) {
	raw, err := db.Get(topicRegKey(namespace, name))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal topic config: %w", err)
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	t := &Topic{
		db:        db,
		namespace: namespace,
		name:      name,
		cfg:       cfg,
		logger:    logger.With(log.Component("topic"), log.Str("topic", name)),
		idgen:     id.NewGenerator(),
		logs:      make([]*eventlog.Log, cfg.Partitions),
		subs:      make(map[string]*Subscription),
		notifyCh:  make(chan struct{}),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
	for p := uint32(0); p < cfg.Partitions; p++ {
		l, err := eventlog.OpenLog(db, namespace, streamName(name), p)
		if err != nil {
			return nil, err
		}
		if cfg.MaxSizeBytes > 0 {
			l.SetMaxBytes(uint64(cfg.MaxSizeBytes) / uint64(cfg.Partitions))
		}
		t.logs[p] = l
	}
	return t, nil
}

// Create registers a topic. Idempotent: an existing topic keeps its
// stored configuration.
func Create(ctx context.Context, db *pebblestore.DB, namespace, name string, cfg Config) (Config, error) {
	if err := record.CheckName("topic", name); err != nil {
		return Config{}, err
	}
	key := topicRegKey(namespace, name)
	if raw, err := db.Get(key); err == nil {
		var existing Config
		if err := json.Unmarshal(raw, &existing); err != nil {
			return Config{}, err
		}
		return existing, nil
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return Config{}, err
	}
	cfg = cfg.withDefaults()
	cfg.Subscriptions = nil
	data, err := json.Marshal(cfg)
	if err != nil {
		return Config{}, err
	}
	if err := db.Set(key, data); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// List returns topic names in a namespace.
func List(db *pebblestore.DB, namespace string) ([]string, error) {
	prefix := topicRegPrefix(namespace)
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var names []string
	for ok := iter.First(); ok; ok = iter.Next() {
		names = append(names, string(iter.Key()[len(prefix):]))
	}
	return names, nil
}

// Delete removes a topic, its log, and all subscription state.
func Delete(ctx context.Context, db *pebblestore.DB, namespace, name string) error {
	b := db.NewBatch()
	defer b.Close()
	if err := b.Delete(topicRegKey(namespace, name), nil); err != nil {
		return err
	}
	ranges := [][]byte{
		subRegPrefix(namespace, name),
		[]byte(fmt.Sprintf("ns/%s/t/%s/", namespace, name)),
		[]byte(fmt.Sprintf("ns/%s/log/%s/", namespace, streamName(name))),
		[]byte(fmt.Sprintf("ns/%s/cursor/%s/", namespace, streamName(name))),
	}
	for _, r := range ranges {
		if err := b.DeleteRange(r, upper(r), nil); err != nil {
			return err
		}
	}
	return db.CommitBatch(ctx, b)
}

// Config returns the topic's configuration including subscription names.
func (t *Topic) Config() Config { return t.cfg }

// Logs exposes the partition logs for consumers layered on the topic's
// stream, such as group coordinators and push dispatchers.
func (t *Topic) Logs() []*eventlog.Log { return t.logs }

// Stream returns the eventlog stream name backing this topic.
func (t *Topic) Stream() string { return streamName(t.name) }

// PublishOptions mirror queue send options; Delay is absent because a
// log record's visibility is its append time.
type PublishOptions struct {
	ID             string
	PartitionKey   string
	SessionID      string
	Subject        string
	TTL            time.Duration
	Properties     map[string]string
	IdempotencyKey string
}

// PublishResult reports the record's position in the shared log.
type PublishResult struct {
	ID        string
	Partition uint32
	Offset    uint64
	Duplicate bool
}

// Publish appends one record to the topic's log. A repeated idempotency
// key returns the original position with Duplicate set; the window is
// best-effort and narrows, never guarantees, exactly-once.
func (t *Topic) Publish(ctx context.Context, payload []byte, opts PublishOptions) (PublishResult, error) {
	if t.cfg.MaxPayloadBytes > 0 && int64(len(payload)) > t.cfg.MaxPayloadBytes {
		return PublishResult{}, fmt.Errorf("%w: %d bytes (max %d)", ErrRecordTooLarge, len(payload), t.cfg.MaxPayloadBytes)
	}
	if opts.SessionID != "" {
		if err := record.CheckName("session", opts.SessionID); err != nil {
			return PublishResult{}, err
		}
	}
	if opts.IdempotencyKey != "" {
		if raw, err := t.db.Get(idemKey(t.namespace, t.name, opts.IdempotencyKey)); err == nil && len(raw) >= 12 {
			return PublishResult{
				ID:        string(raw[12:]),
				Partition: binary.BigEndian.Uint32(raw[:4]),
				Offset:    binary.BigEndian.Uint64(raw[4:12]),
				Duplicate: true,
			}, nil
		}
	}

	now := t.nowMs()
	meta := record.Meta{
		ID:             opts.ID,
		EnqueuedAtMs:   now,
		PartitionKey:   opts.PartitionKey,
		SessionID:      opts.SessionID,
		Subject:        opts.Subject,
		Properties:     opts.Properties,
		IdempotencyKey: opts.IdempotencyKey,
	}
	if meta.ID == "" {
		meta.ID = t.idgen.Next().String()
	}
	if opts.TTL > 0 {
		meta.TTLMs = opts.TTL.Milliseconds()
	}

	part := t.pickPartition(meta)
	header, err := record.EncodeHeader(meta)
	if err != nil {
		return PublishResult{}, err
	}
	if t.cfg.MaxHeadersBytes > 0 && int64(len(header)) > t.cfg.MaxHeadersBytes {
		return PublishResult{}, fmt.Errorf("%w: %d bytes (max %d)", ErrHeadersTooLarge, len(header), t.cfg.MaxHeadersBytes)
	}
	seqs, err := t.logs[part].Append(ctx, []eventlog.AppendRecord{{Header: header, Payload: payload}})
	if err != nil {
		return PublishResult{}, err
	}
	seq := seqs[0]

	if opts.IdempotencyKey != "" {
		val := make([]byte, 12+len(meta.ID))
		binary.BigEndian.PutUint32(val[:4], part)
		binary.BigEndian.PutUint64(val[4:12], seq)
		copy(val[12:], meta.ID)
		if err := t.db.Set(idemKey(t.namespace, t.name, opts.IdempotencyKey), val); err != nil {
			return PublishResult{}, err
		}
	}

	t.notify()
	return PublishResult{ID: meta.ID, Partition: part, Offset: seq}, nil
}

func (t *Topic) pickPartition(meta record.Meta) uint32 {
	if meta.SessionID != "" {
		p, _ := record.PartitionFor(meta.SessionID, t.cfg.Partitions)
		return p
	}
	if p, ok := record.PartitionFor(meta.PartitionKey, t.cfg.Partitions); ok {
		return p
	}
	t.mu.Lock()
	t.nextPart++
	p := t.nextPart % t.cfg.Partitions
	t.mu.Unlock()
	return p
}

// TrimRetention applies the topic's age and size retention to every
// partition. Settled and unsettled records alike are subject to it;
// retention is time/size-based, not consumption-based.
func (t *Topic) TrimRetention(ctx context.Context) error {
	now := t.nowMs()
	for _, l := range t.logs {
		if t.cfg.RetentionAge > 0 {
			cutoff := now - t.cfg.RetentionAge.Milliseconds()
			if _, _, err := l.TrimOlderThan(ctx, cutoff, 0, 0, record.HeaderTimestamp); err != nil {
				return err
			}
		}
		if t.cfg.RetentionSize > 0 {
			perPart := t.cfg.RetentionSize / int64(len(t.logs))
			if _, err := l.TrimToMaxBytes(ctx, perPart, 0, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Topic) notify() {
	t.notifyMu.Lock()
	close(t.notifyCh)
	t.notifyCh = make(chan struct{})
	t.notifyMu.Unlock()
}

func (t *Topic) notifyChan() <-chan struct{} {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	return t.notifyCh
}

// CreateSubscription registers a filtered view and initializes its
// cursors at the current end of every partition: a subscription observes
// records published after its creation. The filter is compiled here so an
// invalid expression can never be stored.
func (t *Topic) CreateSubscription(ctx context.Context, name string, cfg SubConfig) (*Subscription, error) {
	if err := record.CheckName("subscription", name); err != nil {
		return nil, err
	}
	if _, err := filter.Compile(cfg.Filter); err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	cfg = cfg.withDefaults()
	cfg.Topic = t.name

	key := subRegKey(t.namespace, t.name, name)
	if raw, err := t.db.Get(key); err == nil {
		var existing SubConfig
		if err := json.Unmarshal(raw, &existing); err != nil {
			return nil, err
		}
		if existing.Filter != cfg.Filter {
			return nil, ErrSubscriptionExists
		}
		return t.Subscription(name)
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	b := t.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, data, nil); err != nil {
		return nil, err
	}

	// register the name on the topic record
	t.mu.Lock()
	t.cfg.Subscriptions = append(t.cfg.Subscriptions, name)
	topicData, err := json.Marshal(t.cfg)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := b.Set(topicRegKey(t.namespace, t.name), topicData, nil); err != nil {
		return nil, err
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}

	// cursor starts at the live end of each partition
	for _, l := range t.logs {
		if err := l.SeekCursor(subGroup(name), eventlog.TokenFromSeq(l.LastSeq()+1)); err != nil {
			return nil, err
		}
	}
	return t.Subscription(name)
}

// Subscription returns an open subscription handle, cached per topic.
func (t *Topic) Subscription(name string) (*Subscription, error) {
	t.mu.Lock()
	if s, ok := t.subs[name]; ok {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	raw, err := t.db.Get(subRegKey(t.namespace, t.name, name))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var cfg SubConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	f, err := filter.Compile(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("stored filter no longer compiles: %w", err)
	}
	s := newSubscription(t, name, cfg, f)

	t.mu.Lock()
	t.subs[name] = s
	t.mu.Unlock()
	return s, nil
}

// Subscriptions lists the topic's subscription names from the registry.
func (t *Topic) Subscriptions() ([]string, error) {
	prefix := subRegPrefix(t.namespace, t.name)
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var names []string
	for ok := iter.First(); ok; ok = iter.Next() {
		names = append(names, string(iter.Key()[len(prefix):]))
	}
	return names, nil
}

// DeleteSubscription removes a subscription and all its state.
func (t *Topic) DeleteSubscription(ctx context.Context, name string) error {
	b := t.db.NewBatch()
	defer b.Close()
	if err := b.Delete(subRegKey(t.namespace, t.name, name), nil); err != nil {
		return err
	}
	base := []byte(subBase(t.namespace, t.name, name))
	if err := b.DeleteRange(base, upper(base), nil); err != nil {
		return err
	}

	t.mu.Lock()
	kept := t.cfg.Subscriptions[:0]
	for _, s := range t.cfg.Subscriptions {
		if s != name {
			kept = append(kept, s)
		}
	}
	t.cfg.Subscriptions = kept
	delete(t.subs, name)
	topicData, err := json.Marshal(t.cfg)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if err := b.Set(topicRegKey(t.namespace, t.name), topicData, nil); err != nil {
		return err
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	for _, l := range t.logs {
		if err := l.DeleteCursor(subGroup(name)); err != nil {
			return err
		}
	}
	return nil
}

func subGroup(name string) string { return "s/" + name }
