package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/calder-io/calder/internal/record"
	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
)

// ErrNotFound is returned for operations against an unknown queue.
var ErrNotFound = errors.New("queue: not found")

// CreateQueue stores a queue's configuration. Idempotent: re-creating an
// existing queue leaves its stored configuration untouched.
func CreateQueue(ctx context.Context, db *pebblestore.DB, namespace, name string, cfg Config) (Config, error) {
	if err := record.CheckName("queue", name); err != nil {
		return Config{}, err
	}
	key := regKey(namespace, name)
	if raw, err := db.Get(key); err == nil {
		var existing Config
		if err := json.Unmarshal(raw, &existing); err != nil {
			return Config{}, fmt.Errorf("unmarshal queue config: %w", err)
		}
		return existing, nil
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return Config{}, err
	}

	cfg = cfg.withDefaults()
	data, err := json.Marshal(cfg)
	if err != nil {
		return Config{}, err
	}
	if err := db.Set(key, data); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GetQueueConfig loads a queue's stored configuration.
func GetQueueConfig(db *pebblestore.DB, namespace, name string) (Config, error) {
	raw, err := db.Get(regKey(namespace, name))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Config{}, ErrNotFound
		}
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal queue config: %w", err)
	}
	return cfg, nil
}

// ListQueues returns queue names in a namespace.
func ListQueues(db *pebblestore.DB, namespace string) ([]string, error) {
	prefix := regPrefix(namespace)
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var names []string
	for ok := iter.First(); ok; ok = iter.Next() {
		names = append(names, string(iter.Key()[len(prefix):]))
	}
	return names, nil
}

// DeleteQueue removes a queue's configuration and wipes its keyspace,
// messages and dead letters included.
func DeleteQueue(ctx context.Context, db *pebblestore.DB, namespace, name string) error {
	b := db.NewBatch()
	defer b.Close()
	if err := b.Delete(regKey(namespace, name), nil); err != nil {
		return err
	}
	base := []byte(queueBase(namespace, name))
	if err := b.DeleteRange(base, upper(base), nil); err != nil {
		return err
	}
	// lock arenas live outside the queue base
	for _, scope := range []string{"q/" + name + "/msg", "q/" + name + "/sess"} {
		low := []byte(fmt.Sprintf("ns/%s/lease/%s/", namespace, scope))
		if err := b.DeleteRange(low, upper(low), nil); err != nil {
			return err
		}
		idx := []byte(fmt.Sprintf("ns/%s/lease_idx/%s/", namespace, scope))
		if err := b.DeleteRange(idx, upper(idx), nil); err != nil {
			return err
		}
	}
	return db.CommitBatch(ctx, b)
}
