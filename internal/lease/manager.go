package lease

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
)

var (
	// ErrAlreadyLocked is returned when the resource has an unexpired
	// lease held by a different owner.
	ErrAlreadyLocked = errors.New("lease: already locked")

	// ErrLeaseLost is returned when a renew or release presents an owner
	// or fencing token that no longer matches the stored lease.
	ErrLeaseLost = errors.New("lease: lease lost")
)

// Lease is the durable record of exclusive ownership.
type Lease struct {
	Resource     string `json:"resource"`
	Owner        string `json:"owner"`
	Fencing      uint64 `json:"fencing"`
	AcquiredAtMs int64  `json:"acquired_at_ms"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
}

// Manager manages leases within one (namespace, scope) arena.
type Manager struct {
	db        *pebblestore.DB
	namespace string
	scope     string

	// nowMs is overridable in tests.
	nowMs func() int64
}

// NewManager creates a Manager for the given scope, e.g. "q/orders/msg"
// or "group/billing/part".
func NewManager(db *pebblestore.DB, namespace, scope string) *Manager {
	return &Manager{
		db:        db,
		namespace: namespace,
		scope:     scope,
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Acquire takes the lease on resource for owner with the given TTL.
// Re-acquiring a lease you already hold extends it and keeps the fencing
// token. Taking over an expired lease bumps the token.
func (m *Manager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error) {
	now := m.nowMs()
	key := leaseKey(m.namespace, m.scope, resource)

	var prev *Lease
	if raw, err := m.db.Get(key); err == nil {
		var l Lease
		if json.Unmarshal(raw, &l) == nil {
			prev = &l
		}
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return Lease{}, fmt.Errorf("read lease: %w", err)
	}

	if prev != nil && prev.ExpiresAtMs > now && prev.Owner != owner {
		return Lease{}, fmt.Errorf("%w: held by %s until %d", ErrAlreadyLocked, prev.Owner, prev.ExpiresAtMs)
	}

	next := Lease{
		Resource:     resource,
		Owner:        owner,
		Fencing:      1,
		AcquiredAtMs: now,
		ExpiresAtMs:  now + ttl.Milliseconds(),
	}
	if prev != nil {
		if prev.Owner == owner && prev.ExpiresAtMs > now {
			next.Fencing = prev.Fencing
			next.AcquiredAtMs = prev.AcquiredAtMs
		} else {
			next.Fencing = prev.Fencing + 1
		}
	}

	if err := m.write(ctx, key, next, prev); err != nil {
		return Lease{}, err
	}
	return next, nil
}

// Renew extends a held lease. The caller must present the owner and
// fencing token from Acquire; any mismatch, or an expired lease, returns
// ErrLeaseLost.
func (m *Manager) Renew(ctx context.Context, resource, owner string, fencing uint64, ttl time.Duration) (Lease, error) {
	now := m.nowMs()
	key := leaseKey(m.namespace, m.scope, resource)

	raw, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Lease{}, ErrLeaseLost
		}
		return Lease{}, fmt.Errorf("read lease: %w", err)
	}
	var cur Lease
	if err := json.Unmarshal(raw, &cur); err != nil {
		return Lease{}, fmt.Errorf("unmarshal lease: %w", err)
	}
	if cur.Owner != owner || cur.Fencing != fencing || cur.ExpiresAtMs <= now {
		return Lease{}, ErrLeaseLost
	}

	prev := cur
	cur.ExpiresAtMs = now + ttl.Milliseconds()
	if err := m.write(ctx, key, cur, &prev); err != nil {
		return Lease{}, err
	}
	return cur, nil
}

// Release drops a held lease. Releasing a lease that no longer exists is
// not an error; releasing someone else's lease is ErrLeaseLost.
func (m *Manager) Release(ctx context.Context, resource, owner string, fencing uint64) error {
	key := leaseKey(m.namespace, m.scope, resource)

	raw, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("read lease: %w", err)
	}
	var cur Lease
	if err := json.Unmarshal(raw, &cur); err != nil {
		return fmt.Errorf("unmarshal lease: %w", err)
	}
	if cur.Owner != owner || cur.Fencing != fencing {
		return ErrLeaseLost
	}

	b := m.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	if err := b.Delete(indexKey(m.namespace, m.scope, cur.ExpiresAtMs, resource), nil); err != nil {
		return err
	}
	return m.db.CommitBatch(ctx, b)
}

// Get returns the stored lease for resource, expired or not.
func (m *Manager) Get(resource string) (Lease, bool, error) {
	raw, err := m.db.Get(leaseKey(m.namespace, m.scope, resource))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Lease{}, false, nil
		}
		return Lease{}, false, err
	}
	var l Lease
	if err := json.Unmarshal(raw, &l); err != nil {
		return Lease{}, false, fmt.Errorf("unmarshal lease: %w", err)
	}
	return l, true, nil
}

// Held reports whether resource has an unexpired lease right now.
func (m *Manager) Held(resource string) (bool, error) {
	l, ok, err := m.Get(resource)
	if err != nil || !ok {
		return false, err
	}
	return l.ExpiresAtMs > m.nowMs(), nil
}

// List returns the unexpired leases in the scope, ordered by resource.
func (m *Manager) List() ([]Lease, error) {
	now := m.nowMs()
	prefix := leasePrefix(m.namespace, m.scope)

	iter, err := m.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Lease
	for ok := iter.First(); ok; ok = iter.Next() {
		var l Lease
		if err := json.Unmarshal(iter.Value(), &l); err != nil {
			continue
		}
		if l.ExpiresAtMs > now {
			out = append(out, l)
		}
	}
	return out, nil
}

// ExpireDue removes up to limit expired leases and returns them. The
// expiry index is time-ordered, so the scan stops at the first live entry.
func (m *Manager) ExpireDue(ctx context.Context, limit int) ([]Lease, error) {
	if limit <= 0 {
		limit = 256
	}
	now := m.nowMs()
	prefix := indexPrefix(m.namespace, m.scope)

	iter, err := m.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Lease
	b := m.db.NewBatch()
	defer b.Close()

	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		key := iter.Key()
		if len(key) < len(prefix)+9 {
			continue
		}
		expMs := int64(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8]))
		if expMs > now {
			break
		}
		resource := string(key[len(prefix)+9:])

		l, found, err := m.Get(resource)
		if err != nil {
			return out, err
		}
		// An index entry may be stale after renew takeover; only reap the
		// lease itself when it matches this expiry.
		if found && l.ExpiresAtMs == expMs {
			if err := b.Delete(leaseKey(m.namespace, m.scope, resource), nil); err != nil {
				return out, err
			}
			out = append(out, l)
		}
		if err := b.Delete(append([]byte(nil), key...), nil); err != nil {
			return out, err
		}
	}

	if b.Count() == 0 {
		return out, nil
	}
	if err := m.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) write(ctx context.Context, key []byte, next Lease, prev *Lease) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	b := m.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, data, nil); err != nil {
		return err
	}
	if prev != nil && prev.ExpiresAtMs != next.ExpiresAtMs {
		if err := b.Delete(indexKey(m.namespace, m.scope, prev.ExpiresAtMs, next.Resource), nil); err != nil {
			return err
		}
	}
	if err := b.Set(indexKey(m.namespace, m.scope, next.ExpiresAtMs, next.Resource), []byte(next.Resource), nil); err != nil {
		return err
	}
	if err := m.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit lease: %w", err)
	}
	return nil
}
