package eventlog

import (
	"bytes"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	enc := EncodeRecord([]byte("hdr"), []byte("payload"))
	dec, ok := DecodeRecord(enc)
	if !ok {
		t.Fatalf("decode failed")
	}
	if !bytes.Equal(dec.Header, []byte("hdr")) || !bytes.Equal(dec.Payload, []byte("payload")) {
		t.Fatalf("round trip mismatch: header=%q payload=%q", dec.Header, dec.Payload)
	}
}

func TestRecordEmptyHeader(t *testing.T) {
	enc := EncodeRecord(nil, []byte("p"))
	dec, ok := DecodeRecord(enc)
	if !ok {
		t.Fatalf("decode failed")
	}
	if len(dec.Header) != 0 || !bytes.Equal(dec.Payload, []byte("p")) {
		t.Fatalf("unexpected decode: %+v", dec)
	}
}

func TestRecordDetectsCorruption(t *testing.T) {
	enc := EncodeRecord([]byte("h"), []byte("payload"))
	enc[len(enc)-1] ^= 0xff
	if _, ok := DecodeRecord(enc); ok {
		t.Fatalf("corrupted record decoded")
	}
}

func TestRecordRejectsTruncation(t *testing.T) {
	enc := EncodeRecord([]byte("h"), []byte("payload"))
	for cut := 1; cut < len(enc); cut++ {
		if _, ok := DecodeRecord(enc[:cut]); ok {
			t.Fatalf("truncated record at %d decoded", cut)
		}
	}
}
