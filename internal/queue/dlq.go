package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
)

// ListDeadLetters returns up to limit dead letters in partition/offset
// order, starting after the given position (use 0,0 for the beginning).
func (q *Queue) ListDeadLetters(afterPart uint32, afterSeq uint64, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := dlqPrefix(q.namespace, q.name)
	low := prefix
	if afterPart != 0 || afterSeq != 0 {
		low = dlqKey(q.namespace, q.name, afterPart, afterSeq+1)
	}
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: upper(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []DeadLetter
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		var dl DeadLetter
		if err := json.Unmarshal(iter.Value(), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// GetDeadLetter fetches one dead letter by position.
func (q *Queue) GetDeadLetter(part uint32, seq uint64) (DeadLetter, bool, error) {
	raw, err := q.db.Get(dlqKey(q.namespace, q.name, part, seq))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return DeadLetter{}, false, nil
		}
		return DeadLetter{}, false, err
	}
	var dl DeadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		return DeadLetter{}, false, err
	}
	return dl, true, nil
}

// PurgeDeadLetter removes one dead letter permanently.
func (q *Queue) PurgeDeadLetter(ctx context.Context, part uint32, seq uint64) error {
	return q.db.Delete(dlqKey(q.namespace, q.name, part, seq))
}

// ResubmitDeadLetter sends a dead letter back through the live queue as a
// fresh message with a reset delivery budget, then removes it from the
// dead-letter sub-log.
func (q *Queue) ResubmitDeadLetter(ctx context.Context, part uint32, seq uint64) (SendResult, error) {
	dl, ok, err := q.GetDeadLetter(part, seq)
	if err != nil {
		return SendResult{}, err
	}
	if !ok {
		return SendResult{}, pebblestore.ErrNotFound
	}
	res, err := q.Send(ctx, dl.Payload, SendOptions{
		PartitionKey: dl.Meta.PartitionKey,
		SessionID:    dl.Meta.SessionID,
		Subject:      dl.Meta.Subject,
		Properties:   dl.Meta.Properties,
	})
	if err != nil {
		return SendResult{}, err
	}
	return res, q.db.Delete(dlqKey(q.namespace, q.name, part, seq))
}

func (q *Queue) countPrefix(prefix []byte) (int, error) {
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, nil
}
