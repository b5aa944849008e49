package record

import (
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	in := Meta{
		ID:           "01",
		EnqueuedAtMs: 1700000000000,
		TTLMs:        60000,
		PartitionKey: "order-42",
		SessionID:    "sess-1",
		Properties:   map[string]string{"region": "eu"},
	}
	h, err := EncodeHeader(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeHeader(h)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != in.ID || out.EnqueuedAtMs != in.EnqueuedAtMs || out.SessionID != in.SessionID {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.Properties["region"] != "eu" {
		t.Fatalf("properties lost: %+v", out.Properties)
	}
}

func TestHeaderTimestampPrefix(t *testing.T) {
	h, err := EncodeHeader(Meta{ID: "x", EnqueuedAtMs: 12345})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ms, ok := HeaderTimestamp(h)
	if !ok || ms != 12345 {
		t.Fatalf("timestamp=%d ok=%v want 12345", ms, ok)
	}
	if _, ok := HeaderTimestamp([]byte("short")); ok {
		t.Fatalf("short header produced a timestamp")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 2, 3}); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("want ErrBadHeader for short input, got %v", err)
	}
	bad := make([]byte, 8)
	bad = append(bad, []byte("{not json")...)
	if _, err := DecodeHeader(bad); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("want ErrBadHeader for bad json, got %v", err)
	}
}

func TestExpired(t *testing.T) {
	m := Meta{EnqueuedAtMs: 1000, TTLMs: 500}
	if m.Expired(1400) {
		t.Fatalf("expired too early")
	}
	if !m.Expired(1500) {
		t.Fatalf("not expired at deadline")
	}
	if (Meta{EnqueuedAtMs: 1000}).Expired(1 << 60) {
		t.Fatalf("zero TTL should never expire")
	}
}

func TestPartitionForStable(t *testing.T) {
	p1, ok := PartitionFor("order-42", 8)
	if !ok {
		t.Fatalf("expected placement for non-empty key")
	}
	p2, _ := PartitionFor("order-42", 8)
	if p1 != p2 {
		t.Fatalf("placement not stable: %d vs %d", p1, p2)
	}
	if p1 >= 8 {
		t.Fatalf("partition %d out of range", p1)
	}
	if _, ok := PartitionFor("", 8); ok {
		t.Fatalf("empty key should not place")
	}
}
