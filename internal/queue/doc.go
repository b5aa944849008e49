// Package queue implements point-to-point messaging over Pebble: sends
// with scheduled visibility and TTL, peek-lock and receive-and-delete
// consumption, completion/abandon/dead-letter settlement, lock renewal,
// session-scoped FIFO delivery, and automatic dead-lettering when a
// message exhausts its delivery budget or outlives its TTL.
//
// Keyspace (all under ns/{ns}/q/{queue}/):
//
//	pmeta/{part_be4}              -> lastSeq(8B) | totalBytes(8B)
//	msg/{part_be4}{seq_be8}       -> framed record (header | payload | crc)
//	state/{part_be4}{seq_be8}     -> deliveryCount(4B)
//	ready/{part_be4}{seq_be8}     -> nil (receivable, sessionless)
//	delay/{fire_be8}{part_be4}{seq_be8} -> nil (scheduled visibility)
//	sess/{session}/{part_be4}{seq_be8}  -> nil (session FIFO index)
//	dlq/{part_be4}{seq_be8}       -> JSON dead letter (payload + reason)
//
// Message locks and session locks are leases (internal/lease); the lock
// token handed to consumers is the lease fencing token. A message is in
// exactly one of: delayed, ready/session-indexed, locked, dead-lettered,
// or gone (completed / receive-and-delete).
package queue
