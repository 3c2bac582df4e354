// Package alloc provides the memory allocator capability that the item store
// draws record buffers from. Strategies are selected by name at run time so
// the same workload can be replayed against each of them.
package alloc

import (
	"errors"
	"fmt"
	"sort"
)

// Strategy names accepted by New.
const (
	Runtime = "runtime"
	Pool    = "pool"
	Slab    = "slab"
)

var (
	// ErrOutOfMemory is returned when an allocator cannot satisfy a request.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInvalidSize is returned for non-positive allocation requests.
	ErrInvalidSize = errors.New("invalid allocation size")
	// ErrUntracked is returned when freeing memory the allocator did not hand out.
	ErrUntracked = errors.New("attempt to free untracked memory")
)

// Allocator hands out and takes back byte buffers. Alloc(n) returns a slice
// of exactly n bytes; Free must be given the same slice Alloc returned.
type Allocator interface {
	Name() string
	Alloc(n int) ([]byte, error)
	Free(b []byte) error
	Stats() Stats
}

// Trimmer is implemented by allocators that cache freed memory and can hand
// it back to the runtime.
type Trimmer interface {
	// Trim drops cached free memory and returns the bytes released.
	Trim() int64
}

// Stats is a point-in-time snapshot of an allocator's bookkeeping.
type Stats struct {
	Name        string
	Allocs      int64   // successful Alloc calls
	Frees       int64   // successful Free calls
	Failures    int64   // Alloc calls that returned an error
	Live        int64   // buffers handed out and not yet freed
	BytesInUse  int64   // bytes requested by live buffers
	BytesHeld   int64   // bytes the allocator holds, including cached free chunks
	Peak        int64   // high-water mark of BytesHeld
	Capacity    int64   // 0 means unbounded
	Pressure    float64 // BytesHeld / Capacity, 0 when unbounded
	Fragmented  int64   // BytesHeld - BytesInUse
	ClassDetail []ClassStats
}

// ClassStats describes one size class of a slab allocator.
type ClassStats struct {
	Size  int
	Live  int
	Free  int
	Ratio float64 // live / (live + free)
}

// Options carries strategy-specific tuning. Zero values select defaults.
type Options struct {
	// PoolCapacity bounds the pool strategy, in bytes.
	PoolCapacity int64
	// PoolThresholds are the warning, critical and panic pressure levels.
	PoolThresholds [3]float64

	SlabMinClass int
	SlabMaxClass int
	// SlabCapacity bounds the bytes a slab allocator may reserve, 0 for unbounded.
	SlabCapacity int64
}

// New constructs the named allocator strategy.
func New(name string, opts Options) (Allocator, error) {
	switch name {
	case Runtime, "":
		return NewRuntimeAllocator(), nil
	case Pool:
		capacity := opts.PoolCapacity
		if capacity <= 0 {
			return nil, fmt.Errorf("pool allocator requires a positive capacity, got %d", capacity)
		}
		pool := NewMemoryPool("records", capacity)
		if t := opts.PoolThresholds; t != [3]float64{} {
			if err := pool.SetPressureThresholds(t[0], t[1], t[2]); err != nil {
				return nil, err
			}
		}
		return pool, nil
	case Slab:
		return NewSlabAllocator(opts.SlabMinClass, opts.SlabMaxClass, opts.SlabCapacity)
	default:
		return nil, fmt.Errorf("unknown allocator %q, expected one of %v", name, Names())
	}
}

// Names lists the supported strategy names.
func Names() []string {
	names := []string{Runtime, Pool, Slab}
	sort.Strings(names)
	return names
}

// Variant is the executable-style label of a strategy, used in usage and
// startup lines.
func Variant(name string) string {
	if name == "" {
		name = Runtime
	}
	return name + "_test"
}
