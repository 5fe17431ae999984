// Package bus holds the transport-independent parts of the event bus:
// key partitioning, the per-partition consumer loop and an in-process log.
package bus

import "hash/fnv"

// Partition maps a record key onto one of n partitions. Every record with the
// same key maps to the same partition, which is what gives per-key ordering.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
