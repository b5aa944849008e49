// Package record defines the message metadata shared by the queue and
// topic engines and the wire header convention used to persist it.
//
// A persisted entry header is 8 bytes of big-endian enqueue timestamp
// (milliseconds) followed by the JSON-encoded Meta. The fixed prefix lets
// retention and time seeks read the timestamp without unmarshalling.
package record
