package topic

import (
	"encoding/binary"
	"fmt"
)

// streamName maps a topic onto the event log keyspace.
func streamName(topic string) string { return "t/" + topic }

func topicRegKey(namespace, name string) []byte {
	return []byte(fmt.Sprintf("ns/%s/treg/%s", namespace, name))
}

func topicRegPrefix(namespace string) []byte {
	return []byte(fmt.Sprintf("ns/%s/treg/", namespace))
}

func subRegKey(namespace, topic, sub string) []byte {
	return []byte(fmt.Sprintf("ns/%s/sreg/%s/%s", namespace, topic, sub))
}

func subRegPrefix(namespace, topic string) []byte {
	return []byte(fmt.Sprintf("ns/%s/sreg/%s/", namespace, topic))
}

func subBase(namespace, topic, sub string) string {
	return fmt.Sprintf("ns/%s/t/%s/sub/%s/", namespace, topic, sub)
}

func doneKey(namespace, topic, sub string, part uint32, seq uint64) []byte {
	return appendPartSeq(subBase(namespace, topic, sub)+"done/", part, seq)
}

func stateKey(namespace, topic, sub string, part uint32, seq uint64) []byte {
	return appendPartSeq(subBase(namespace, topic, sub)+"state/", part, seq)
}

func dlqKey(namespace, topic, sub string, part uint32, seq uint64) []byte {
	return appendPartSeq(subBase(namespace, topic, sub)+"dlq/", part, seq)
}

func dlqPrefix(namespace, topic, sub string) []byte {
	return []byte(subBase(namespace, topic, sub) + "dlq/")
}

func idemKey(namespace, topic, key string) []byte {
	return []byte(fmt.Sprintf("ns/%s/t/%s/idem/%s", namespace, topic, key))
}

func appendPartSeq(prefix string, part uint32, seq uint64) []byte {
	k := make([]byte, len(prefix)+4+8)
	copy(k, prefix)
	binary.BigEndian.PutUint32(k[len(prefix):], part)
	binary.BigEndian.PutUint64(k[len(prefix)+4:], seq)
	return k
}

func upper(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xff
	return end
}

// subResource names a record for the subscription's lock arena.
func subResource(part uint32, seq uint64) string {
	return fmt.Sprintf("%08x/%016x", part, seq)
}

func parseSubResource(res string) (uint32, uint64, bool) {
	var part uint32
	var seq uint64
	if _, err := fmt.Sscanf(res, "%08x/%016x", &part, &seq); err != nil {
		return 0, 0, false
	}
	return part, seq, true
}
