package dispatch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/record"
)

// DeadLetter is a record that permanently failed delivery to one
// endpoint. The original payload is retained.
type DeadLetter struct {
	Partition      uint32      `json:"partition"`
	Offset         uint64      `json:"offset"`
	Reason         string      `json:"reason"`
	Detail         string      `json:"detail,omitempty"`
	Attempts       int         `json:"attempts"`
	DeadLetteredMs int64       `json:"dead_lettered_ms"`
	Meta           record.Meta `json:"meta"`
	Payload        []byte      `json:"payload"`
	EndpointID     string      `json:"endpoint_id"`
}

func dlqPrefix(namespace, endpointID string) []byte {
	return []byte(fmt.Sprintf("ns/%s/epdlq/%s/", namespace, endpointID))
}

func dlqKey(namespace, endpointID string, part uint32, seq uint64) []byte {
	p := dlqPrefix(namespace, endpointID)
	k := make([]byte, len(p)+12)
	copy(k, p)
	binary.BigEndian.PutUint32(k[len(p):], part)
	binary.BigEndian.PutUint64(k[len(p)+4:], seq)
	return k
}

func (d *Dispatcher) deadLetter(endpointID string, part uint32, item eventlog.Item, meta record.Meta, attempts int, reason, detail string) error {
	dl := DeadLetter{
		Partition:      part,
		Offset:         item.Seq,
		Reason:         reason,
		Detail:         detail,
		Attempts:       attempts,
		DeadLetteredMs: d.nowMs(),
		Meta:           meta,
		Payload:        item.Payload,
		EndpointID:     endpointID,
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return d.db.Set(dlqKey(d.namespace, endpointID, part, item.Seq), data)
}

// ListDeadLetters returns up to limit dead letters for an endpoint in
// partition/offset order.
func (d *Dispatcher) ListDeadLetters(endpointID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := dlqPrefix(d.namespace, endpointID)
	iter, err := d.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: epUpper(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []DeadLetter
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		var dl DeadLetter
		if json.Unmarshal(iter.Value(), &dl) == nil {
			out = append(out, dl)
		}
	}
	return out, nil
}

// PurgeDeadLetter drops one dead letter.
func (d *Dispatcher) PurgeDeadLetter(ctx context.Context, endpointID string, part uint32, seq uint64) error {
	b := d.db.NewBatch()
	defer b.Close()
	if err := b.Delete(dlqKey(d.namespace, endpointID, part, seq), nil); err != nil {
		return err
	}
	return d.db.CommitBatch(ctx, b)
}
