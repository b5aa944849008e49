package record

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"regexp"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrBadHeader reports a header too short to carry the timestamp prefix
// or with metadata that does not unmarshal.
var ErrBadHeader = errors.New("record: malformed header")

// Entity names and session ids are embedded verbatim in storage keys, so
// the key separator is forbidden.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

// ErrInvalidName rejects an identifier that cannot be embedded in a
// storage key.
var ErrInvalidName = errors.New("record: invalid name")

// CheckName validates a queue, topic, subscription, or session
// identifier against the key-safe character set.
func CheckName(kind, name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %s %q", ErrInvalidName, kind, name)
	}
	return nil
}

// Meta is the broker-level metadata carried alongside a payload. Zero
// fields are omitted on the wire.
type Meta struct {
	ID             string            `json:"id"`
	EnqueuedAtMs   int64             `json:"enqueued_at_ms"`
	TTLMs          int64             `json:"ttl_ms,omitempty"`
	PartitionKey   string            `json:"partition_key,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// Expired reports whether the message's TTL has elapsed at nowMs.
// A zero TTL never expires.
func (m Meta) Expired(nowMs int64) bool {
	return m.TTLMs > 0 && nowMs >= m.EnqueuedAtMs+m.TTLMs
}

// EncodeHeader renders the entry header: 8-byte BE timestamp then JSON meta.
func EncodeHeader(m Meta) ([]byte, error) {
	js, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8, 8+len(js))
	binary.BigEndian.PutUint64(out, uint64(m.EnqueuedAtMs))
	return append(out, js...), nil
}

// DecodeHeader parses a header produced by EncodeHeader.
func DecodeHeader(h []byte) (Meta, error) {
	if len(h) < 8 {
		return Meta{}, ErrBadHeader
	}
	var m Meta
	if err := json.Unmarshal(h[8:], &m); err != nil {
		return Meta{}, ErrBadHeader
	}
	return m, nil
}

// HeaderTimestamp extracts the enqueue timestamp without unmarshalling.
// Shaped to plug into the event log's trim and seek paths.
func HeaderTimestamp(h []byte) (int64, bool) {
	if len(h) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(h[:8])), true
}

// PartitionFor maps a partition key to a partition index. An empty key
// returns ok=false so the caller can pick its own placement.
func PartitionFor(key string, partitions uint32) (uint32, bool) {
	if key == "" || partitions == 0 {
		return 0, false
	}
	return crc32.Checksum([]byte(key), castagnoli) % partitions, true
}
