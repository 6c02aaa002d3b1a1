package simpledb

import (
	"math/rand"
	"sort"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func referenceLowerBound(keys []uint64, key uint64) int {
	return sort.Search(len(keys), func(i int) bool { return keys[i] >= key })
}

func TestLowerBoundBranchlessRandom(t *testing.T) {
	assert := assertion.New(t)

	rnd := rand.New(rand.NewSource(0))
	size := 100000

	keys := make([]uint64, size)
	for i := range keys {
		keys[i] = rnd.Uint64()
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for i := 0; i < size; i++ {
		s := rnd.Uint64()
		assert.Equal(referenceLowerBound(keys, s), lowerBoundBranchless(keys, s, CompareUint64))
	}
}

func TestLowerBoundBranchlessEdges(t *testing.T) {
	assert := assertion.New(t)

	assert.Equal(0, lowerBoundBranchless(nil, 42, CompareUint64))
	assert.Equal(0, lowerBoundBranchless([]uint64{5}, 4, CompareUint64))
	assert.Equal(0, lowerBoundBranchless([]uint64{5}, 5, CompareUint64))
	assert.Equal(1, lowerBoundBranchless([]uint64{5}, 6, CompareUint64))

	keys := []uint64{1, 3, 5, 7, 9}
	for _, key := range []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10} {
		assert.Equal(referenceLowerBound(keys, key), lowerBoundBranchless(keys, key, CompareUint64))
	}

	// every element present
	for i := 0; i < 64; i++ {
		seq := make([]uint64, i)
		for j := range seq {
			seq[j] = uint64(2 * j)
		}
		for _, key := range seq {
			assert.Equal(referenceLowerBound(seq, key), lowerBoundBranchless(seq, key, CompareUint64))
			assert.Equal(referenceLowerBound(seq, key+1), lowerBoundBranchless(seq, key+1, CompareUint64))
		}
	}
}
