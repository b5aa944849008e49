// Package topic implements durable publish/subscribe fan-out over the
// event log. A topic is a partitioned log; each subscription is an
// independent, filtered, queue-like view over the same partitions.
//
// Fan-out is lazy: publish writes one record to the log, and every
// subscription evaluates its filter at read time against its own cursor.
// A record a subscription's filter rejects is marked processed for that
// subscription and never surfaced; a filter evaluation error dead-letters
// the record for that subscription instead of dropping it.
//
// Per-subscription state (under ns/{ns}/t/{topic}/sub/{sub}/):
//
//	done/{part_be4}{seq_be8}   -> nil (settled ahead of the cursor)
//	state/{part_be4}{seq_be8}  -> deliveryCount(4B)
//	dlq/{part_be4}{seq_be8}    -> JSON dead letter
//
// The subscription cursor itself is an event-log group cursor; it advances
// over contiguous settled records so the done set stays small.
//
// Topic and subscription metadata reference each other by name through the
// registry, never by pointer: the topic's record lists subscription names,
// each subscription's record names its owning topic.
package topic
