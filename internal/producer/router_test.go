package producer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteIsStable(t *testing.T) {
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("user-%d", i)
		want := Route(key, 3)
		for j := 0; j < 100; j++ {
			assert.Equal(t, want, Route(key, 3), "key %s must always land on the same partition", key)
		}
	}
}

func TestRouteStaysInRange(t *testing.T) {
	for _, partitions := range []int{1, 2, 3, 7, 16} {
		for i := 0; i < 500; i++ {
			p := Route(fmt.Sprintf("owner-%d", i), partitions)
			assert.GreaterOrEqual(t, p, 0)
			assert.Less(t, p, partitions)
		}
	}
}

func TestRouteCoversAllPartitions(t *testing.T) {
	const partitions = 3
	seen := make(map[int]int)
	for i := 0; i < 300; i++ {
		seen[Route(fmt.Sprintf("user-%d", i), partitions)]++
	}
	for p := 0; p < partitions; p++ {
		assert.Greater(t, seen[p], 0, "partition %d never selected", p)
	}
}

func TestRouteDegenerateCounts(t *testing.T) {
	assert.Equal(t, 0, Route("anyone", 1))
	assert.Equal(t, 0, Route("anyone", 0))
	assert.Equal(t, 0, Route("anyone", -4))
}
