package lease

import "encoding/binary"

func leaseKey(namespace, scope, resource string) []byte {
	k := make([]byte, 0, len(namespace)+len(scope)+len(resource)+16)
	k = append(k, "ns/"...)
	k = append(k, namespace...)
	k = append(k, "/lease/"...)
	k = append(k, scope...)
	k = append(k, '/')
	k = append(k, resource...)
	return k
}

func leasePrefix(namespace, scope string) []byte {
	k := make([]byte, 0, len(namespace)+len(scope)+16)
	k = append(k, "ns/"...)
	k = append(k, namespace...)
	k = append(k, "/lease/"...)
	k = append(k, scope...)
	k = append(k, '/')
	return k
}

func indexPrefix(namespace, scope string) []byte {
	k := make([]byte, 0, len(namespace)+len(scope)+16)
	k = append(k, "ns/"...)
	k = append(k, namespace...)
	k = append(k, "/lease_idx/"...)
	k = append(k, scope...)
	k = append(k, '/')
	return k
}

func indexKey(namespace, scope string, expiresMs int64, resource string) []byte {
	p := indexPrefix(namespace, scope)
	k := make([]byte, len(p)+8, len(p)+8+1+len(resource))
	copy(k, p)
	binary.BigEndian.PutUint64(k[len(p):], uint64(expiresMs))
	k = append(k, '/')
	k = append(k, resource...)
	return k
}

func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xff
	return end
}
