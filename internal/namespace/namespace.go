package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
)

// Meta holds namespace metadata and optional limits/overrides.
type Meta struct {
	Name            string `json:"name"`
	CreatedAtMs     int64  `json:"createdAtMs"`
	Partitions      int    `json:"partitions"`
	PayloadMaxBytes int    `json:"payloadMaxBytes"`
	HeadersMaxBytes int    `json:"headersMaxBytes"`
}

// Defaults returns opinionated defaults for new namespaces.
func Defaults() Meta {
	return Meta{
		Partitions:      4,
		PayloadMaxBytes: 1 << 20,  // 1 MiB
		HeadersMaxBytes: 16 << 10, // 16 KiB
	}
}

var (
	nsMetaPrefix = []byte("nsmeta/")

	// namespace names end up embedded in storage keys, so the separator
	// is forbidden
	nameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

	ErrInvalidName = errors.New("namespace: invalid name")
)

// nsMetaKey builds metadata key for a namespace.
func nsMetaKey(ns string) []byte {
	k := make([]byte, 0, len(nsMetaPrefix)+len(ns))
	k = append(k, nsMetaPrefix...)
	k = append(k, ns...)
	return k
}

// EnsureNamespace creates a namespace meta record if absent, returning
// the effective meta. Unset fields of defaults fall back to Defaults().
// Idempotent: returns existing if already present.
func EnsureNamespace(db *pebblestore.DB, name string, defaults Meta) (Meta, error) {
	if !nameRe.MatchString(name) {
		return Meta{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	key := nsMetaKey(name)
	if b, err := db.Get(key); err == nil && len(b) > 0 {
		var m Meta
		if err := json.Unmarshal(b, &m); err == nil {
			return m, nil
		}
		// fallthrough to rewrite if corrupted
	}
	m := defaults
	base := Defaults()
	if m.Partitions <= 0 {
		m.Partitions = base.Partitions
	}
	if m.PayloadMaxBytes <= 0 {
		m.PayloadMaxBytes = base.PayloadMaxBytes
	}
	if m.HeadersMaxBytes <= 0 {
		m.HeadersMaxBytes = base.HeadersMaxBytes
	}
	m.Name = name
	m.CreatedAtMs = time.Now().UnixMilli()
	bytes, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := db.Set(key, bytes); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Get returns the stored meta for a namespace, if present.
func Get(db *pebblestore.DB, name string) (Meta, bool, error) {
	b, err := db.Get(nsMetaKey(name))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Meta{}, false, nil
		}
		return Meta{}, false, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, false, err
	}
	return m, true, nil
}

// List returns all namespace metas, ordered by name.
func List(db *pebblestore.DB) ([]Meta, error) {
	upper := make([]byte, len(nsMetaPrefix)+1)
	copy(upper, nsMetaPrefix)
	upper[len(nsMetaPrefix)] = 0xff

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: nsMetaPrefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []Meta
	for ok := iter.First(); ok; ok = iter.Next() {
		var m Meta
		if json.Unmarshal(iter.Value(), &m) == nil {
			out = append(out, m)
		}
	}
	return out, nil
}
