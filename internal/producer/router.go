package producer

import "hash/fnv"

// Route maps an owner key onto a partition: FNV-1a over the key, mod the
// partition count. The arithmetic mirrors the kafka-go Hash balancer
// (signed cast, then absolute value) so that the in-process broker and a
// real Kafka cluster place every owner identically.
func Route(ownerKey string, partitions int) int {
	if partitions <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ownerKey))
	p := int32(h.Sum32()) % int32(partitions)
	if p < 0 {
		p = -p
	}
	return int(p)
}
