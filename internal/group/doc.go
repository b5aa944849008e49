// Package group coordinates consumer groups over a partitioned stream.
//
// A group is an independent cursor set: each group commits its own
// offsets per partition and never shares progress with another group.
// Membership is lease-backed with a heartbeat TTL; partition ownership
// within a group is a second lease arena, so a partition can only be
// claimed by its assigned consumer once the previous holder's lease has
// been released or has expired.
//
// Keyspace, under the shared namespace prefix:
//
//	ns/{ns}/grp/{stream}/{group}/gen            big-endian generation counter
//	ns/{ns}/lease/grp/{stream}/{group}/member/  membership leases
//	ns/{ns}/lease/grp/{stream}/{group}/part/    partition ownership leases
//
// Committed offsets live in the eventlog cursor space under the group
// name, keeping them alongside every other durable cursor.
package group
