// Package pebblestore wraps Pebble with a durability (fsync) policy,
// batches, snapshots, and a minimal metrics hook.
//
// Every Calder engine persists through this wrapper so that durability
// policy and observability stay uniform:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(context.Background(), b)
//	b.Close()
package pebblestore
