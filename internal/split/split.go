// Package split partitions row indices into train and test sets.
package split

import (
	"math"
	"math/rand"

	"github.com/rotisserie/eris"
)

// DefaultSeed is the seed used when the caller does not supply one.
const DefaultSeed int64 = 42

// HoldoutSize returns how many of n rows go to the test partition for ratio.
// The count is rounded up and, for n >= 2, kept within [1, n-1] so neither
// side is empty. A single row always goes to train.
func HoldoutSize(n int, ratio float64) int {
	if n < 2 {
		return 0
	}
	k := int(math.Ceil(float64(n) * ratio))
	if k < 1 {
		k = 1
	}
	if k > n-1 {
		k = n - 1
	}
	return k
}

// TrainTest shuffles 0..n-1 with a generator seeded by seed and returns the
// train and test index sets. The same n, ratio, and seed always produce the
// same partition.
func TrainTest(n int, ratio float64, seed int64) (train, test []int, err error) {
	if n <= 0 {
		return nil, nil, eris.New("split: no rows")
	}
	if !(ratio > 0 && ratio < 1) {
		return nil, nil, eris.Errorf("split: ratio %v must be in (0,1)", ratio)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	k := HoldoutSize(n, ratio)
	return perm[k:], perm[:k], nil
}
