// Package eventlog implements Calder's append-only, partitioned storage log.
//
// The log is the foundation for every consumption surface in the broker:
// queues, topic subscriptions, consumer groups, and push dispatch all read
// offset-addressed records from it.
//
// Keys are lexicographically ordered for efficient range scans:
//   - ns/{ns}/log/{stream}/{part_be4}/m           (partition meta: lastSeq, totalBytes)
//   - ns/{ns}/log/{stream}/{part_be4}/e/{seq_be8} (entries)
//   - ns/{ns}/cursor/{stream}/{group}/{part_be4}  (durable group cursors)
//
// Entries are framed as: uvarint headerLen | header | payload | crc32c.
// Appends to one partition are serialized and durable (per the store's fsync
// policy) before the assigned offsets are returned. Reads from a given offset
// are repeatable until retention trims the range away; trims never reorder
// surviving entries.
//
// Cursor commits are monotonic: committing an offset at or below the stored
// one is a no-op. SeekCursor bypasses that rule for deliberate replay.
//
// When a partition carries a byte capacity, Append refuses to grow past it
// and returns ErrCapacityExceeded so producers observe backpressure instead
// of silent loss.
package eventlog
