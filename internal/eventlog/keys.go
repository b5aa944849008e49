package eventlog

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - ns/{ns}/log/{stream}/{part_be4}/m
// - ns/{ns}/log/{stream}/{part_be4}/e/{seq_be8}
// - ns/{ns}/cursor/{stream}/{group}/{part_be4}

var (
	sep       = byte('/')
	nsPrefix  = []byte("ns/")
	logSeg    = []byte("/log/")
	cursorSeg = []byte("/cursor/")

	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyLogMeta builds the partition metadata key.
func KeyLogMeta(namespace, stream string, partition uint32) []byte {
	k := make([]byte, 0, len(namespace)+len(stream)+32)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	k = append(k, logSeg...)
	k = append(k, stream...)
	k = append(k, sep)
	k = appendBE4(k, partition)
	k = append(k, metaSuffix...)
	return k
}

// KeyLogEntry builds the entry key with a big-endian sequence for ordering.
func KeyLogEntry(namespace, stream string, partition uint32, seq uint64) []byte {
	k := make([]byte, 0, len(namespace)+len(stream)+48)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	k = append(k, logSeg...)
	k = append(k, stream...)
	k = append(k, sep)
	k = appendBE4(k, partition)
	k = append(k, entrySeg...)
	k = appendBE8(k, seq)
	return k
}

// KeyCursor builds the durable cursor key for a group and partition.
func KeyCursor(namespace, stream, group string, partition uint32) []byte {
	k := make([]byte, 0, len(namespace)+len(stream)+len(group)+48)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	k = append(k, cursorSeg...)
	k = append(k, stream...)
	k = append(k, sep)
	k = append(k, group...)
	k = append(k, sep)
	k = appendBE4(k, partition)
	return k
}

// KeyCursorGroupPrefix returns a range prefix covering every cursor of a
// stream across groups and partitions.
// Layout prefix: ns/{ns}/cursor/{stream}/
func KeyCursorGroupPrefix(namespace, stream string) []byte {
	k := make([]byte, 0, len(namespace)+len(stream)+24)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	k = append(k, cursorSeg...)
	k = append(k, stream...)
	k = append(k, sep)
	return k
}
