package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
)

var (
	ErrEndpointNotFound = errors.New("dispatch: endpoint not found")

	// ErrValidationExpired is returned when the challenge window has
	// closed; the endpoint must be registered again.
	ErrValidationExpired = errors.New("dispatch: validation window expired")

	// ErrBadChallenge is returned when the echoed code does not match.
	ErrBadChallenge = errors.New("dispatch: challenge mismatch")
)

// EndpointStatus tracks the registration lifecycle.
type EndpointStatus string

const (
	StatusPendingValidation EndpointStatus = "pending_validation"
	StatusActive            EndpointStatus = "active"
	StatusDisabled          EndpointStatus = "disabled"
)

// RetryPolicy bounds redelivery for one endpoint.
type RetryPolicy struct {
	// MaxAttempts caps delivery attempts per record, 1..30.
	MaxAttempts int `json:"max_attempts"`
	// TTL is the overall deadline for a record's delivery, measured from
	// its first attempt. Capped at 24h.
	TTL time.Duration `json:"ttl"`
	// Schedule overrides the backoff delays, mostly for tests.
	Schedule []time.Duration `json:"schedule,omitempty"`
}

// defaultSchedule is the delay before attempt n+1; past the end the last
// entry repeats.
var defaultSchedule = []time.Duration{
	10 * time.Second, 30 * time.Second, time.Minute,
	5 * time.Minute, 10 * time.Minute, 30 * time.Minute, time.Hour,
}

const (
	maxAttemptsCeil  = 30
	ttlCeil          = 24 * time.Hour
	validationWindow = 30 * time.Second
)

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	if p.MaxAttempts > maxAttemptsCeil {
		p.MaxAttempts = maxAttemptsCeil
	}
	if p.TTL <= 0 || p.TTL > ttlCeil {
		p.TTL = ttlCeil
	}
	if len(p.Schedule) == 0 {
		p.Schedule = defaultSchedule
	}
	return p
}

// delayFor returns the backoff before the given retry, 1-based.
func (p RetryPolicy) delayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Schedule) {
		attempt = len(p.Schedule)
	}
	return p.Schedule[attempt-1]
}

// Endpoint is a registered push destination.
type Endpoint struct {
	ID     string         `json:"id"`
	Stream string         `json:"stream"`
	URL    string         `json:"url"`
	Policy RetryPolicy    `json:"policy"`
	Status EndpointStatus `json:"status"`

	ChallengeCode    string `json:"challenge_code,omitempty"`
	ValidationExpiry int64  `json:"validation_expiry_ms,omitempty"`
	CreatedAtMs      int64  `json:"created_at_ms"`
}

func epKey(namespace, id string) []byte {
	return []byte(fmt.Sprintf("ns/%s/ep/%s", namespace, id))
}

func epPrefix(namespace string) []byte {
	return []byte(fmt.Sprintf("ns/%s/ep/", namespace))
}

func epUpper(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xff
	return end
}

// Register stores a pending endpoint and issues the validation
// challenge. The returned endpoint is active only if the destination
// echoed the challenge in its validation response; otherwise the caller
// has the validation window to complete the handshake via Validate.
func (d *Dispatcher) Register(ctx context.Context, rawURL string, policy RetryPolicy) (Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Endpoint{}, fmt.Errorf("dispatch: invalid endpoint url %q", rawURL)
	}
	now := d.nowMs()
	ep := Endpoint{
		ID:               uuid.NewString(),
		Stream:           d.stream,
		URL:              rawURL,
		Policy:           policy.withDefaults(),
		Status:           StatusPendingValidation,
		ChallengeCode:    uuid.NewString(),
		ValidationExpiry: now + validationWindow.Milliseconds(),
		CreatedAtMs:      now,
	}

	if echoed := d.sendChallenge(ctx, ep); echoed {
		ep.Status = StatusActive
		ep.ChallengeCode = ""
		ep.ValidationExpiry = 0
	}
	if err := d.putEndpoint(ep); err != nil {
		return Endpoint{}, err
	}
	if ep.Status == StatusActive {
		d.startPump(ep.ID)
	}
	return ep, nil
}

// Validate completes the handshake with an out-of-band echoed code.
func (d *Dispatcher) Validate(ctx context.Context, id, code string) (Endpoint, error) {
	ep, err := d.GetEndpoint(id)
	if err != nil {
		return Endpoint{}, err
	}
	if ep.Status == StatusActive {
		return ep, nil
	}
	if d.nowMs() > ep.ValidationExpiry {
		return Endpoint{}, ErrValidationExpired
	}
	if code == "" || code != ep.ChallengeCode {
		return Endpoint{}, ErrBadChallenge
	}
	ep.Status = StatusActive
	ep.ChallengeCode = ""
	ep.ValidationExpiry = 0
	if err := d.putEndpoint(ep); err != nil {
		return Endpoint{}, err
	}
	d.startPump(ep.ID)
	return ep, nil
}

// GetEndpoint loads one endpoint by id.
func (d *Dispatcher) GetEndpoint(id string) (Endpoint, error) {
	raw, err := d.db.Get(epKey(d.namespace, id))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Endpoint{}, ErrEndpointNotFound
		}
		return Endpoint{}, err
	}
	var ep Endpoint
	if err := json.Unmarshal(raw, &ep); err != nil {
		return Endpoint{}, fmt.Errorf("unmarshal endpoint: %w", err)
	}
	return ep, nil
}

// ListEndpoints returns all registered endpoints in the namespace.
func (d *Dispatcher) ListEndpoints() ([]Endpoint, error) {
	prefix := epPrefix(d.namespace)
	iter, err := d.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: epUpper(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []Endpoint
	for ok := iter.First(); ok; ok = iter.Next() {
		var ep Endpoint
		if json.Unmarshal(iter.Value(), &ep) == nil {
			out = append(out, ep)
		}
	}
	return out, nil
}

// DeleteEndpoint unregisters an endpoint, stops its pump, and removes
// its cursor and dead letters.
func (d *Dispatcher) DeleteEndpoint(ctx context.Context, id string) error {
	d.stopPump(id)
	b := d.db.NewBatch()
	defer b.Close()
	if err := b.Delete(epKey(d.namespace, id), nil); err != nil {
		return err
	}
	dlq := dlqPrefix(d.namespace, id)
	if err := b.DeleteRange(dlq, epUpper(dlq), nil); err != nil {
		return err
	}
	if err := d.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	for _, l := range d.logs {
		if err := l.DeleteCursor(cursorGroup(id)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) putEndpoint(ep Endpoint) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	return d.db.Set(epKey(d.namespace, ep.ID), data)
}
