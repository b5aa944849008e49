package group

import "fmt"

func genKey(namespace, stream, group string) []byte {
	return []byte(fmt.Sprintf("ns/%s/grp/%s/%s/gen", namespace, stream, group))
}

// partResource names a partition inside the ownership lease arena.
func partResource(part uint32) string {
	return fmt.Sprintf("%08x", part)
}
