package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/record"
	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l, err := eventlog.OpenLog(db, "ns", "t/events", 0)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	d := New(db, "ns", "t/events", []*eventlog.Log{l}, Options{
		Workers:        2,
		RequestTimeout: 2 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func appendRecord(t *testing.T, d *Dispatcher, meta record.Meta, payload string) uint64 {
	t.Helper()
	if meta.EnqueuedAtMs == 0 {
		meta.EnqueuedAtMs = time.Now().UnixMilli()
	}
	header, err := record.EncodeHeader(meta)
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	seqs, err := d.logs[0].Append(context.Background(), []eventlog.AppendRecord{{Header: header, Payload: []byte(payload)}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return seqs[0]
}

// echoServer answers the validation handshake and forwards event bodies
// to a channel.
func echoServer(t *testing.T, status func() int) (*httptest.Server, <-chan []byte) {
	t.Helper()
	events := make(chan []byte, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var probe struct {
			ValidationCode string `json:"validation_code"`
		}
		if json.Unmarshal(body, &probe) == nil && probe.ValidationCode != "" {
			json.NewEncoder(w).Encode(map[string]string{"validation_response": probe.ValidationCode})
			return
		}
		code := status()
		w.WriteHeader(code)
		if code >= 200 && code < 300 {
			events <- body
		}
	}))
	t.Cleanup(srv.Close)
	return srv, events
}

func ok200() int { return 200 }

func waitEvent(t *testing.T, events <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-events:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery within deadline")
		return nil
	}
}

func TestRegisterSynchronousHandshake(t *testing.T) {
	d := newTestDispatcher(t)
	srv, _ := echoServer(t, ok200)

	ep, err := d.Register(context.Background(), srv.URL, RetryPolicy{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ep.Status != StatusActive {
		t.Fatalf("status=%s want active", ep.Status)
	}
	if ep.ChallengeCode != "" {
		t.Fatal("challenge survived activation")
	}
}

func TestManualValidation(t *testing.T) {
	d := newTestDispatcher(t)
	var challenge atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var probe struct {
			ValidationCode string `json:"validation_code"`
		}
		if json.Unmarshal(body, &probe) == nil && probe.ValidationCode != "" {
			challenge.Store(probe.ValidationCode)
		}
		// never echoes: validation must go through the manual call
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	ep, err := d.Register(context.Background(), srv.URL, RetryPolicy{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ep.Status != StatusPendingValidation {
		t.Fatalf("status=%s want pending", ep.Status)
	}

	if _, err := d.Validate(context.Background(), ep.ID, "wrong"); err != ErrBadChallenge {
		t.Fatalf("bad code: want ErrBadChallenge, got %v", err)
	}
	code, _ := challenge.Load().(string)
	got, err := d.Validate(context.Background(), ep.ID, code)
	if err != nil || got.Status != StatusActive {
		t.Fatalf("validate: %+v %v", got, err)
	}
}

func TestValidationWindowExpires(t *testing.T) {
	d := newTestDispatcher(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	ep, err := d.Register(context.Background(), srv.URL, RetryPolicy{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	d.nowMs = func() int64 { return ep.ValidationExpiry + 1 }
	if _, err := d.Validate(context.Background(), ep.ID, "any"); err != ErrValidationExpired {
		t.Fatalf("want ErrValidationExpired, got %v", err)
	}
}

func TestRejectsInvalidURL(t *testing.T) {
	d := newTestDispatcher(t)
	if _, err := d.Register(context.Background(), "not a url", RetryPolicy{}); err == nil {
		t.Fatal("registered a garbage url")
	}
}

func TestDeliversEnvelope(t *testing.T) {
	d := newTestDispatcher(t)
	srv, events := echoServer(t, ok200)
	if _, err := d.Register(context.Background(), srv.URL, RetryPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	appendRecord(t, d, record.Meta{
		ID:           "r-1",
		Subject:      "orders/1",
		EnqueuedAtMs: 1700000000000,
		Properties:   map[string]string{"event_type": "order.created"},
	}, `{"total":12}`)

	var env struct {
		ID        string          `json:"id"`
		EventType string          `json:"event_type"`
		Subject   string          `json:"subject"`
		EventTime string          `json:"event_time"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(waitEvent(t, events), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.ID != "r-1" || env.EventType != "order.created" || env.Subject != "orders/1" {
		t.Fatalf("envelope: %+v", env)
	}
	if string(env.Data) != `{"total":12}` {
		t.Fatalf("data=%s", env.Data)
	}

	// second record flows through the committed cursor
	appendRecord(t, d, record.Meta{ID: "r-2"}, `{}`)
	if err := json.Unmarshal(waitEvent(t, events), &env); err != nil || env.ID != "r-2" {
		t.Fatalf("second delivery: %+v %v", env, err)
	}
}

func TestPermanentFailureSingleAttempt(t *testing.T) {
	d := newTestDispatcher(t)
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var probe struct {
			ValidationCode string `json:"validation_code"`
		}
		if json.Unmarshal(body, &probe) == nil && probe.ValidationCode != "" {
			json.NewEncoder(w).Encode(map[string]string{"validation_response": probe.ValidationCode})
			return
		}
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	ep, err := d.Register(context.Background(), srv.URL, RetryPolicy{
		MaxAttempts: 10,
		Schedule:    []time.Duration{time.Millisecond},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	appendRecord(t, d, record.Meta{ID: "bad"}, `{}`)

	deadline := time.Now().Add(3 * time.Second)
	for {
		dls, err := d.ListDeadLetters(ep.ID, 10)
		if err != nil {
			t.Fatalf("list dlq: %v", err)
		}
		if len(dls) == 1 {
			if dls[0].Reason != "ClientError" || dls[0].Attempts != 1 {
				t.Fatalf("dlq entry: %+v", dls[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("record never dead-lettered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// no retries observed: exactly one delivery attempt
	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 1 {
		t.Fatalf("attempts=%d want 1", n)
	}
}

func TestRetriesThenDelivers(t *testing.T) {
	d := newTestDispatcher(t)
	var calls atomic.Int32
	srv, events := echoServer(t, func() int {
		if calls.Add(1) <= 2 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	})
	if _, err := d.Register(context.Background(), srv.URL, RetryPolicy{
		MaxAttempts: 5,
		Schedule:    []time.Duration{time.Millisecond},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	appendRecord(t, d, record.Meta{ID: "flaky"}, `{}`)
	waitEvent(t, events)
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls=%d want 3 (two transient failures, one success)", n)
	}
}

func TestAttemptsExhaustedDeadLettersAndAdvances(t *testing.T) {
	d := newTestDispatcher(t)
	var failing atomic.Bool
	failing.Store(true)
	srv, events := echoServer(t, func() int {
		if failing.Load() {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	})
	ep, err := d.Register(context.Background(), srv.URL, RetryPolicy{
		MaxAttempts: 2,
		Schedule:    []time.Duration{time.Millisecond},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	appendRecord(t, d, record.Meta{ID: "doomed"}, `{}`)
	deadline := time.Now().Add(3 * time.Second)
	for {
		dls, _ := d.ListDeadLetters(ep.ID, 10)
		if len(dls) == 1 {
			if dls[0].Reason != "AttemptsExhausted" || dls[0].Attempts != 2 {
				t.Fatalf("dlq entry: %+v", dls[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("never exhausted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the cursor moved past the failure: later records still deliver
	failing.Store(false)
	appendRecord(t, d, record.Meta{ID: "next"}, `{}`)
	var env struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(waitEvent(t, events), &env); err != nil || env.ID != "next" {
		t.Fatalf("post-failure delivery: %+v %v", env, err)
	}
}

func TestEndpointLifecycle(t *testing.T) {
	d := newTestDispatcher(t)
	srv, _ := echoServer(t, ok200)

	ep, err := d.Register(context.Background(), srv.URL, RetryPolicy{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	eps, err := d.ListEndpoints()
	if err != nil || len(eps) != 1 || eps[0].ID != ep.ID {
		t.Fatalf("list: %+v %v", eps, err)
	}
	if err := d.DeleteEndpoint(context.Background(), ep.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := d.GetEndpoint(ep.ID); err != ErrEndpointNotFound {
		t.Fatalf("want ErrEndpointNotFound, got %v", err)
	}
}

func TestWorkersBoundConcurrentDeliveries(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l, err := eventlog.OpenLog(db, "ns", "t/events", 0)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	d := New(db, "ns", "t/events", []*eventlog.Log{l}, Options{
		Workers:        1,
		RequestTimeout: 2 * time.Second,
		PollInterval:   5 * time.Millisecond,
	}, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(d.Stop)

	var inFlight, peak atomic.Int32
	done := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var probe struct {
			ValidationCode string `json:"validation_code"`
		}
		if json.Unmarshal(body, &probe) == nil && probe.ValidationCode != "" {
			json.NewEncoder(w).Encode(map[string]string{"validation_response": probe.ValidationCode})
			return
		}
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		inFlight.Add(-1)
		done <- struct{}{}
	}))
	t.Cleanup(srv.Close)

	// two pumps competing for one outbound slot
	for i := 0; i < 2; i++ {
		if _, err := d.Register(context.Background(), srv.URL, RetryPolicy{}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	appendRecord(t, d, record.Meta{ID: "a"}, `{}`)
	appendRecord(t, d, record.Meta{ID: "b"}, `{}`)

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("delivery %d never arrived", i)
		}
	}
	if got := peak.Load(); got > 1 {
		t.Fatalf("observed %d concurrent deliveries with 1 worker", got)
	}
}
