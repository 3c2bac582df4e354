package alloc

import (
	"fmt"
	"math/bits"
	"unsafe"
)

const (
	// DefaultSlabMinClass is the smallest chunk a slab allocator hands out.
	DefaultSlabMinClass = 32
	// DefaultSlabMaxClass is the largest pooled chunk, bigger requests go
	// straight to the Go heap.
	DefaultSlabMaxClass = 64 * 1024
)

// slabClass is a free list of equal sized chunks.
type slabClass struct {
	size     int
	freelist [][]byte
	live     int
}

type slabEntry struct {
	requested int
	class     int // index into classes, -1 for large allocations
	chunk     []byte
}

// SlabAllocator rounds requests up to power-of-two size classes and keeps
// freed chunks on per-class free lists for reuse. Cached chunks are never
// returned to the runtime, so BytesHeld grows to the high-water mark of each
// class and the difference to BytesInUse is the fragmentation the workload
// induces.
type SlabAllocator struct {
	classes  []*slabClass
	minClass int
	maxClass int
	capacity int64

	live     map[uintptr]slabEntry
	held     int64
	peak     int64
	inUse    int64
	allocs   int64
	frees    int64
	failures int64
}

// NewSlabAllocator creates a slab allocator with classes minClass, 2*minClass,
// ... up to maxClass. Both bounds are rounded up to a power of two.
func NewSlabAllocator(minClass, maxClass int, capacity int64) (*SlabAllocator, error) {
	if minClass <= 0 {
		minClass = DefaultSlabMinClass
	}
	if maxClass <= 0 {
		maxClass = DefaultSlabMaxClass
	}
	minClass, maxClass = roundPow2(minClass), roundPow2(maxClass)
	if minClass > maxClass {
		return nil, fmt.Errorf("slab min class (%d) > max class (%d)", minClass, maxClass)
	}
	if capacity < 0 {
		return nil, fmt.Errorf("invalid slab capacity: %d", capacity)
	}

	sa := &SlabAllocator{
		minClass: minClass,
		maxClass: maxClass,
		capacity: capacity,
		live:     make(map[uintptr]slabEntry),
	}
	for size := minClass; size <= maxClass; size <<= 1 {
		sa.classes = append(sa.classes, &slabClass{size: size})
	}
	return sa, nil
}

func roundPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func (sa *SlabAllocator) Name() string { return Slab }

// classFor returns the index of the smallest class that fits n, or -1.
func (sa *SlabAllocator) classFor(n int) int {
	if n > sa.maxClass {
		return -1
	}
	size := roundPow2(n)
	if size < sa.minClass {
		size = sa.minClass
	}
	return bits.Len(uint(size)) - bits.Len(uint(sa.minClass))
}

func (sa *SlabAllocator) reserve(n int) error {
	if sa.capacity > 0 && sa.held+int64(n) > sa.capacity {
		sa.failures++
		return fmt.Errorf("%w: slab holds %d, need %d more, capacity %d",
			ErrOutOfMemory, sa.held, n, sa.capacity)
	}
	sa.held += int64(n)
	if sa.held > sa.peak {
		sa.peak = sa.held
	}
	return nil
}

func (sa *SlabAllocator) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		sa.failures++
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}

	idx := sa.classFor(n)
	var chunk []byte
	if idx < 0 {
		if err := sa.reserve(n); err != nil {
			return nil, err
		}
		chunk = make([]byte, n)
	} else {
		class := sa.classes[idx]
		if last := len(class.freelist) - 1; last >= 0 {
			chunk = class.freelist[last]
			class.freelist[last] = nil
			class.freelist = class.freelist[:last]
		} else {
			if err := sa.reserve(class.size); err != nil {
				return nil, err
			}
			chunk = make([]byte, class.size)
		}
		class.live++
	}

	sa.live[uintptr(unsafe.Pointer(&chunk[0]))] = slabEntry{requested: n, class: idx, chunk: chunk}
	sa.inUse += int64(n)
	sa.allocs++
	return chunk[:n:n], nil
}

func (sa *SlabAllocator) Free(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: nil or empty slice", ErrUntracked)
	}
	key := uintptr(unsafe.Pointer(&b[0]))
	entry, ok := sa.live[key]
	if !ok || entry.requested != len(b) {
		return fmt.Errorf("%w: slab buffer of %d bytes", ErrUntracked, len(b))
	}
	delete(sa.live, key)
	sa.inUse -= int64(entry.requested)
	sa.frees++

	if entry.class < 0 {
		sa.held -= int64(entry.requested)
		return nil
	}
	class := sa.classes[entry.class]
	class.live--
	class.freelist = append(class.freelist, entry.chunk)
	return nil
}

// Trim drops every cached free chunk and returns the number of bytes released.
func (sa *SlabAllocator) Trim() int64 {
	var released int64
	for _, class := range sa.classes {
		released += int64(len(class.freelist) * class.size)
		class.freelist = nil
	}
	sa.held -= released
	return released
}

func (sa *SlabAllocator) Stats() Stats {
	detail := make([]ClassStats, 0, len(sa.classes))
	for _, class := range sa.classes {
		cs := ClassStats{Size: class.size, Live: class.live, Free: len(class.freelist)}
		if total := cs.Live + cs.Free; total > 0 {
			cs.Ratio = float64(cs.Live) / float64(total)
		}
		detail = append(detail, cs)
	}
	var pressure float64
	if sa.capacity > 0 {
		pressure = float64(sa.held) / float64(sa.capacity)
	}
	return Stats{
		Name:        Slab,
		Allocs:      sa.allocs,
		Frees:       sa.frees,
		Failures:    sa.failures,
		Live:        int64(len(sa.live)),
		BytesInUse:  sa.inUse,
		BytesHeld:   sa.held,
		Peak:        sa.peak,
		Capacity:    sa.capacity,
		Pressure:    pressure,
		Fragmented:  sa.held - sa.inUse,
		ClassDetail: detail,
	}
}
