// Package sizing generates record sizes for the workload driver.
package sizing

import (
	"fmt"
	"math/rand"

	"allocbench/internal/itemstore"
)

const (
	// PageSize is the boundary between the small and large bands, before overhead.
	PageSize = 4096
	// SmallCeiling is the exclusive upper bound of the small band.
	SmallCeiling = PageSize - itemstore.Overhead
	// DefaultMaxItemSize is the exclusive upper bound of the large band.
	DefaultMaxItemSize = 1024*1024 - itemstore.Overhead

	// SmallPercent of every 100 trials draw from the small band.
	SmallPercent = 90
)

// Policy produces the logical size of the record inserted by a trial.
type Policy interface {
	NextSize(trial int) int
	// MaxSize is the largest size NextSize can return.
	MaxSize() int
}

// Bimodal draws 90 of every 100 trials uniformly from [0, SmallCeiling) and
// the remaining 10 uniformly from [SmallCeiling, maxItemSize).
type Bimodal struct {
	rng         *rand.Rand
	maxItemSize int
}

// NewBimodal creates the default small/large mix seeded with seed.
func NewBimodal(seed int64, maxItemSize int) (*Bimodal, error) {
	if maxItemSize == 0 {
		maxItemSize = DefaultMaxItemSize
	}
	if maxItemSize <= SmallCeiling {
		return nil, fmt.Errorf("max item size %d must exceed the small band ceiling %d", maxItemSize, SmallCeiling)
	}
	return &Bimodal{
		rng:         rand.New(rand.NewSource(seed)),
		maxItemSize: maxItemSize,
	}, nil
}

// NextSize implements Policy.
func (b *Bimodal) NextSize(trial int) int {
	if trial%100 < SmallPercent {
		return b.rng.Intn(SmallCeiling)
	}
	return SmallCeiling + b.rng.Intn(b.maxItemSize-SmallCeiling)
}

// MaxSize implements Policy.
func (b *Bimodal) MaxSize() int {
	return b.maxItemSize - 1
}

// Fixed returns the same size for every trial.
type Fixed int

// NextSize implements Policy.
func (f Fixed) NextSize(int) int { return int(f) }

// MaxSize implements Policy.
func (f Fixed) MaxSize() int { return int(f) }

// Sequence replays a list of sizes, cycling when trials outnumber them. An
// empty Sequence always yields 0.
type Sequence []int

// NextSize implements Policy.
func (s Sequence) NextSize(trial int) int {
	if len(s) == 0 {
		return 0
	}
	return s[trial%len(s)]
}

// MaxSize implements Policy.
func (s Sequence) MaxSize() int {
	m := 0
	for _, n := range s {
		if n > m {
			m = n
		}
	}
	return m
}
