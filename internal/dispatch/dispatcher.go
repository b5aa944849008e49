package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/record"
	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
	"github.com/calder-io/calder/pkg/log"
)

// DeliveryState is one record's position in the attempt state machine.
type DeliveryState string

const (
	StatePending           DeliveryState = "Pending"
	StateDelivering        DeliveryState = "Delivering"
	StateDelivered         DeliveryState = "Delivered"
	StateRetrying          DeliveryState = "Retrying"
	StatePermanentlyFailed DeliveryState = "PermanentlyFailed"
)

// Options tunes the dispatcher. The zero value is usable.
type Options struct {
	// Workers bounds concurrent outbound requests across all endpoints.
	Workers int
	// RequestTimeout is the per-attempt HTTP deadline.
	RequestTimeout time.Duration
	// PollInterval is the idle re-check period when no append arrives.
	PollInterval time.Duration
	// Client overrides the HTTP client, mostly for tests.
	Client *http.Client
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	return o
}

// Dispatcher drives push delivery for one stream's endpoints.
type Dispatcher struct {
	db        *pebblestore.DB
	namespace string
	stream    string
	logs      []*eventlog.Log
	opts      Options
	logger    log.Logger

	// slots bounds in-flight outbound requests.
	slots chan struct{}

	mu      sync.Mutex
	pumps   map[string]chan struct{}
	status  map[string]DeliveryStatus
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	nowMs func() int64
}

// DeliveryStatus is the last observed per-endpoint delivery state.
type DeliveryStatus struct {
	Partition uint32
	Offset    uint64
	Attempt   int
	State     DeliveryState
	UpdatedAt int64
}

// New builds a dispatcher over the stream's partition logs.
func New(db *pebblestore.DB, namespace, stream string, logs []*eventlog.Log, opts Options, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	opts = opts.withDefaults()
	return &Dispatcher{
		db:        db,
		namespace: namespace,
		stream:    stream,
		logs:      logs,
		opts:      opts,
		logger:    logger.With(log.Component("dispatch"), log.Str("stream", stream)),
		slots:     make(chan struct{}, opts.Workers),
		pumps:     make(map[string]chan struct{}),
		status:    make(map[string]DeliveryStatus),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Start launches pumps for every already-active endpoint. Endpoints
// activated later start their pump on activation.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.started = true
	d.mu.Unlock()

	eps, err := d.ListEndpoints()
	if err != nil {
		return err
	}
	for _, ep := range eps {
		if ep.Status == StatusActive {
			d.startPump(ep.ID)
		}
	}
	return nil
}

// Stop halts all pumps and waits for in-flight attempts to settle.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.cancel()
	for id, stop := range d.pumps {
		close(stop)
		delete(d.pumps, id)
	}
	d.started = false
	d.mu.Unlock()
	d.wg.Wait()
}

// Status returns the endpoint's last observed delivery state.
func (d *Dispatcher) Status(endpointID string) (DeliveryStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.status[endpointID]
	return s, ok
}

func (d *Dispatcher) setStatus(id string, s DeliveryStatus) {
	s.UpdatedAt = d.nowMs()
	d.mu.Lock()
	d.status[id] = s
	d.mu.Unlock()
}

func (d *Dispatcher) startPump(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	if _, ok := d.pumps[id]; ok {
		return
	}
	stop := make(chan struct{})
	d.pumps[id] = stop
	d.wg.Add(1)
	go d.pump(id, stop)
}

func (d *Dispatcher) stopPump(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if stop, ok := d.pumps[id]; ok {
		close(stop)
		delete(d.pumps, id)
	}
}

// pump drains one endpoint: partitions are polled round-robin and each
// record is fully settled (delivered or dead-lettered) before the
// cursor advances past it.
func (d *Dispatcher) pump(id string, stop chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-d.ctx.Done():
			return
		default:
		}

		ep, err := d.GetEndpoint(id)
		if err != nil || ep.Status != StatusActive {
			return
		}

		progressed := false
		for p, l := range d.logs {
			item, ok := d.nextItem(id, l)
			if !ok {
				continue
			}
			progressed = true
			if err := d.deliver(ep, uint32(p), item); err != nil {
				// ctx cancelled mid-backoff; leave the cursor so the
				// record is retried after restart
				return
			}
		}
		if progressed {
			continue
		}
		select {
		case <-stop:
			return
		case <-d.ctx.Done():
			return
		case <-time.After(d.opts.PollInterval):
		}
	}
}

func (d *Dispatcher) nextItem(id string, l *eventlog.Log) (eventlog.Item, bool) {
	start, ok := l.GetCursor(cursorGroup(id))
	if !ok {
		start = eventlog.TokenFromSeq(l.FirstSeq())
	}
	items, _ := l.Read(eventlog.ReadOptions{Start: start, Limit: 1})
	if len(items) == 0 {
		return eventlog.Item{}, false
	}
	return items[0], true
}

// deliver runs the attempt state machine for a single record. A non-nil
// error stops the pump: shutdown mid-backoff, or a storage failure while
// settling.
func (d *Dispatcher) deliver(ep Endpoint, part uint32, item eventlog.Item) error {
	meta, _ := record.DecodeHeader(item.Header)
	body, err := d.envelope(meta, item)
	if err != nil {
		return d.settle(ep, part, item, meta, 1, "BadEnvelope", err.Error())
	}

	firstAttempt := d.nowMs()
	deadline := firstAttempt + ep.Policy.TTL.Milliseconds()

	for attempt := 1; ; attempt++ {
		d.setStatus(ep.ID, DeliveryStatus{Partition: part, Offset: item.Seq, Attempt: attempt, State: StateDelivering})

		code, sendErr := d.post(ep.URL, body)
		switch {
		case sendErr == nil && code >= 200 && code < 300:
			d.setStatus(ep.ID, DeliveryStatus{Partition: part, Offset: item.Seq, Attempt: attempt, State: StateDelivered})
			return d.commit(ep.ID, part, item.Seq+1)

		case sendErr == nil && code >= 400 && code < 500:
			// client errors are terminal on first occurrence
			return d.settle(ep, part, item, meta, attempt, "ClientError", fmt.Sprintf("http %d", code))
		}

		reason := "http error"
		if sendErr != nil {
			reason = sendErr.Error()
		} else {
			reason = fmt.Sprintf("http %d", code)
		}
		if attempt >= ep.Policy.MaxAttempts {
			return d.settle(ep, part, item, meta, attempt, "AttemptsExhausted", reason)
		}
		delay := jitter(ep.Policy.delayFor(attempt))
		if d.nowMs()+delay.Milliseconds() > deadline {
			return d.settle(ep, part, item, meta, attempt, "TTLExpired", reason)
		}

		d.setStatus(ep.ID, DeliveryStatus{Partition: part, Offset: item.Seq, Attempt: attempt, State: StateRetrying})
		select {
		case <-d.ctx.Done():
			return d.ctx.Err()
		case <-time.After(delay):
		}
	}
}

// settle dead-letters a terminal failure and advances the cursor.
func (d *Dispatcher) settle(ep Endpoint, part uint32, item eventlog.Item, meta record.Meta, attempts int, reason, detail string) error {
	d.setStatus(ep.ID, DeliveryStatus{Partition: part, Offset: item.Seq, Attempt: attempts, State: StatePermanentlyFailed})
	if err := d.deadLetter(ep.ID, part, item, meta, attempts, reason, detail); err != nil {
		d.logger.Error("dead-letter failed", log.Str("endpoint", ep.ID), log.Err(err))
		return err
	}
	d.logger.Info("delivery permanently failed",
		log.Str("endpoint", ep.ID), log.Uint64("offset", item.Seq),
		log.Str("reason", reason), log.Int("attempts", attempts))
	return d.commit(ep.ID, part, item.Seq+1)
}

func (d *Dispatcher) commit(id string, part uint32, next uint64) error {
	return d.logs[part].CommitCursor(cursorGroup(id), eventlog.TokenFromSeq(next))
}

func (d *Dispatcher) post(url string, body []byte) (int, error) {
	select {
	case d.slots <- struct{}{}:
	case <-d.ctx.Done():
		return 0, d.ctx.Err()
	}
	defer func() { <-d.slots }()

	ctx, cancel := context.WithTimeout(d.ctx, d.opts.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

// envelope builds the outbound JSON payload for one record.
func (d *Dispatcher) envelope(meta record.Meta, item eventlog.Item) ([]byte, error) {
	env := map[string]any{
		"id":         meta.ID,
		"event_type": eventType(meta),
		"subject":    meta.Subject,
		"event_time": time.UnixMilli(meta.EnqueuedAtMs).UTC().Format(time.RFC3339Nano),
	}
	if json.Valid(item.Payload) {
		env["data"] = json.RawMessage(item.Payload)
	} else {
		env["data"] = string(item.Payload)
	}
	return json.Marshal(env)
}

func eventType(meta record.Meta) string {
	if t, ok := meta.Properties["event_type"]; ok {
		return t
	}
	return "calder.record"
}

// sendChallenge posts the validation event and reports whether the
// endpoint echoed the code synchronously.
func (d *Dispatcher) sendChallenge(ctx context.Context, ep Endpoint) bool {
	body, err := json.Marshal(map[string]any{
		"event_type":      "calder.endpoint-validation",
		"validation_code": ep.ChallengeCode,
	})
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	var echo struct {
		ValidationResponse string `json:"validation_response"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&echo); err != nil {
		return false
	}
	return echo.ValidationResponse == ep.ChallengeCode
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// cursorGroup namespaces endpoint cursors in the shared cursor space.
func cursorGroup(id string) string { return "ep/" + id }
