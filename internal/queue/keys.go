package queue

import (
	"encoding/binary"
	"fmt"
)

func queueBase(namespace, name string) string {
	return fmt.Sprintf("ns/%s/q/%s/", namespace, name)
}

// regKey holds a queue's JSON config, outside the queue's own keyspace so
// listing queues is a single prefix scan.
func regKey(namespace, name string) []byte {
	return []byte(fmt.Sprintf("ns/%s/qreg/%s", namespace, name))
}

func regPrefix(namespace string) []byte {
	return []byte(fmt.Sprintf("ns/%s/qreg/", namespace))
}

func pmetaKey(namespace, name string, part uint32) []byte {
	prefix := queueBase(namespace, name) + "pmeta/"
	k := make([]byte, len(prefix)+4)
	copy(k, prefix)
	binary.BigEndian.PutUint32(k[len(prefix):], part)
	return k
}

func msgKey(namespace, name string, part uint32, seq uint64) []byte {
	return appendPartSeq(queueBase(namespace, name)+"msg/", part, seq)
}

func stateKey(namespace, name string, part uint32, seq uint64) []byte {
	return appendPartSeq(queueBase(namespace, name)+"state/", part, seq)
}

func readyKey(namespace, name string, part uint32, seq uint64) []byte {
	return appendPartSeq(queueBase(namespace, name)+"ready/", part, seq)
}

func readyPrefix(namespace, name string) []byte {
	return []byte(queueBase(namespace, name) + "ready/")
}

func delayKey(namespace, name string, fireMs int64, part uint32, seq uint64) []byte {
	prefix := queueBase(namespace, name) + "delay/"
	k := make([]byte, len(prefix)+8+4+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(fireMs))
	binary.BigEndian.PutUint32(k[len(prefix)+8:], part)
	binary.BigEndian.PutUint64(k[len(prefix)+12:], seq)
	return k
}

func delayPrefix(namespace, name string) []byte {
	return []byte(queueBase(namespace, name) + "delay/")
}

func dlqKey(namespace, name string, part uint32, seq uint64) []byte {
	return appendPartSeq(queueBase(namespace, name)+"dlq/", part, seq)
}

func dlqPrefix(namespace, name string) []byte {
	return []byte(queueBase(namespace, name) + "dlq/")
}

func sessKey(namespace, name, session string, part uint32, seq uint64) []byte {
	return appendPartSeq(queueBase(namespace, name)+"sess/"+session+"/", part, seq)
}

func sessPrefix(namespace, name, session string) []byte {
	return []byte(queueBase(namespace, name) + "sess/" + session + "/")
}

func sessRootPrefix(namespace, name string) []byte {
	return []byte(queueBase(namespace, name) + "sess/")
}

func appendPartSeq(prefix string, part uint32, seq uint64) []byte {
	k := make([]byte, len(prefix)+4+8)
	copy(k, prefix)
	binary.BigEndian.PutUint32(k[len(prefix):], part)
	binary.BigEndian.PutUint64(k[len(prefix)+4:], seq)
	return k
}

func partSeqFromSuffix(suffix []byte) (uint32, uint64, bool) {
	if len(suffix) != 12 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(suffix[:4]), binary.BigEndian.Uint64(suffix[4:]), true
}

// msgResource names a message for the lock manager.
func msgResource(part uint32, seq uint64) string {
	return fmt.Sprintf("%08x/%016x", part, seq)
}

func parseMsgResource(res string) (uint32, uint64, bool) {
	var part uint32
	var seq uint64
	if _, err := fmt.Sscanf(res, "%08x/%016x", &part, &seq); err != nil {
		return 0, 0, false
	}
	return part, seq, true
}

func upper(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xff
	return end
}
