// Package id provides 128-bit, lexicographically sortable record identifiers.
package id

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit identifier encoded big-endian as
// [8 bytes ms_timestamp][8 bytes sequence], so byte order equals time order.
type ID [16]byte

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns the hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// TimeMs returns the embedded millisecond timestamp.
func (i ID) TimeMs() int64 { return int64(binary.BigEndian.Uint64(i[0:8])) }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// Parse decodes a 32-character hex string into an ID.
func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != 16 {
		return id, errors.New("id: expected 16 bytes")
	}
	copy(id[:], b)
	return id, nil
}

// NowMs returns current time in milliseconds since the Unix epoch.
// Overridable in tests.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// Next returns a new ID. If the clock goes backwards it reuses lastMs and
// increments the sequence; on sequence overflow within one millisecond it
// waits for the next tick.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint64 {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint64(id[8:16], g.sequence)
	return id
}
