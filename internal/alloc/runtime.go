package alloc

import "fmt"

// RuntimeAllocator draws buffers straight from the Go heap. Free only updates
// counters, the garbage collector reclaims the memory once the caller drops
// its last reference.
type RuntimeAllocator struct {
	allocs   int64
	frees    int64
	failures int64
	inUse    int64
	peak     int64
}

// NewRuntimeAllocator returns an allocator backed by the Go heap.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{}
}

func (ra *RuntimeAllocator) Name() string { return Runtime }

func (ra *RuntimeAllocator) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		ra.failures++
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	b := make([]byte, n)
	ra.allocs++
	ra.inUse += int64(n)
	if ra.inUse > ra.peak {
		ra.peak = ra.inUse
	}
	return b, nil
}

func (ra *RuntimeAllocator) Free(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrUntracked)
	}
	if ra.inUse < int64(len(b)) {
		return fmt.Errorf("%w: freeing %d bytes with %d in use", ErrUntracked, len(b), ra.inUse)
	}
	ra.frees++
	ra.inUse -= int64(len(b))
	return nil
}

func (ra *RuntimeAllocator) Stats() Stats {
	return Stats{
		Name:       Runtime,
		Allocs:     ra.allocs,
		Frees:      ra.frees,
		Failures:   ra.failures,
		Live:       ra.allocs - ra.frees,
		BytesInUse: ra.inUse,
		BytesHeld:  ra.inUse,
		Peak:       ra.peak,
	}
}
