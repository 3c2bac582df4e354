package alloc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"allocbench/internal/logging"
)

// pressure levels, ordered
const (
	levelNormal = iota
	levelWarning
	levelCritical
	levelPanic
)

// MemoryPool is a capacity-bounded allocator that tracks every live buffer by
// address. Allocations beyond capacity fail with ErrOutOfMemory rather than
// growing the heap, which makes budget arithmetic errors in the caller visible.
type MemoryPool struct {
	name         string
	maxSize      int64
	currentUsage int64
	allocations  map[uintptr]int64
	mutex        sync.RWMutex

	warningThreshold  float64
	criticalThreshold float64
	panicThreshold    float64
	level             int

	totalAllocations   int64
	totalDeallocations int64
	allocationFailures int64
	peakUsage          int64

	onWarningPressure  func(float64)
	onCriticalPressure func(float64)
	onPanicPressure    func(float64)
}

// NewMemoryPool creates a new memory pool with the specified maximum size
func NewMemoryPool(name string, maxSize int64) *MemoryPool {
	pool := &MemoryPool{
		name:              name,
		maxSize:           maxSize,
		allocations:       make(map[uintptr]int64),
		warningThreshold:  0.85,
		criticalThreshold: 0.90,
		panicThreshold:    0.95,
	}

	pool.SetPressureHandlers(pool.defaultWarningHandler, pool.defaultCriticalHandler, pool.defaultPanicHandler)

	return pool
}

// Name returns the name of this memory pool
func (mp *MemoryPool) Name() string {
	return Pool
}

// Alloc implements Allocator.
func (mp *MemoryPool) Alloc(n int) ([]byte, error) {
	return mp.Allocate(int64(n))
}

// Allocate requests size bytes from the pool - O(1)
func (mp *MemoryPool) Allocate(size int64) ([]byte, error) {
	if size <= 0 {
		atomic.AddInt64(&mp.allocationFailures, 1)
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	currentUsage := atomic.LoadInt64(&mp.currentUsage)
	if currentUsage+size > mp.maxSize {
		atomic.AddInt64(&mp.allocationFailures, 1)
		return nil, fmt.Errorf("%w: pool %s: %d + %d > %d",
			ErrOutOfMemory, mp.name, currentUsage, size, mp.maxSize)
	}

	data := make([]byte, size)

	ptr := uintptr(unsafe.Pointer(&data[0]))
	mp.mutex.Lock()
	mp.allocations[ptr] = size
	mp.mutex.Unlock()

	newUsage := atomic.AddInt64(&mp.currentUsage, size)
	atomic.AddInt64(&mp.totalAllocations, 1)
	if newUsage > atomic.LoadInt64(&mp.peakUsage) {
		atomic.StoreInt64(&mp.peakUsage, newUsage)
	}

	mp.checkMemoryPressure(float64(newUsage) / float64(mp.maxSize))

	return data, nil
}

// Free releases memory back to the pool - O(1)
func (mp *MemoryPool) Free(ptr []byte) error {
	if len(ptr) == 0 {
		return fmt.Errorf("%w: nil or empty slice", ErrUntracked)
	}

	ptrKey := uintptr(unsafe.Pointer(&ptr[0]))
	mp.mutex.Lock()
	size, exists := mp.allocations[ptrKey]
	if !exists {
		mp.mutex.Unlock()
		return fmt.Errorf("%w: pool %s", ErrUntracked, mp.name)
	}
	delete(mp.allocations, ptrKey)
	mp.mutex.Unlock()

	newUsage := atomic.AddInt64(&mp.currentUsage, -size)
	atomic.AddInt64(&mp.totalDeallocations, 1)

	mp.checkMemoryPressure(float64(newUsage) / float64(mp.maxSize))

	return nil
}

// CurrentUsage returns current memory usage - O(1)
func (mp *MemoryPool) CurrentUsage() int64 {
	return atomic.LoadInt64(&mp.currentUsage)
}

// MaxSize returns maximum pool size - O(1)
func (mp *MemoryPool) MaxSize() int64 {
	return mp.maxSize
}

// MemoryPressure calculates current memory pressure (0.0 to 1.0) - O(1)
func (mp *MemoryPool) MemoryPressure() float64 {
	return float64(atomic.LoadInt64(&mp.currentUsage)) / float64(mp.maxSize)
}

// checkMemoryPressure fires a handler only when the pressure level rises,
// so a pool hovering near its limit does not report on every allocation.
func (mp *MemoryPool) checkMemoryPressure(pressure float64) {
	level := levelNormal
	switch {
	case pressure >= mp.panicThreshold:
		level = levelPanic
	case pressure >= mp.criticalThreshold:
		level = levelCritical
	case pressure >= mp.warningThreshold:
		level = levelWarning
	}

	mp.mutex.Lock()
	previous := mp.level
	mp.level = level
	mp.mutex.Unlock()

	if level <= previous {
		return
	}
	switch level {
	case levelPanic:
		if mp.onPanicPressure != nil {
			mp.onPanicPressure(pressure)
		}
	case levelCritical:
		if mp.onCriticalPressure != nil {
			mp.onCriticalPressure(pressure)
		}
	case levelWarning:
		if mp.onWarningPressure != nil {
			mp.onWarningPressure(pressure)
		}
	}
}

// SetPressureThresholds allows customization of pressure detection levels
func (mp *MemoryPool) SetPressureThresholds(warning, critical, panic float64) error {
	if warning < 0 || warning > 1 || critical < 0 || critical > 1 || panic < 0 || panic > 1 {
		return fmt.Errorf("thresholds must be between 0.0 and 1.0")
	}
	if warning >= critical || critical >= panic {
		return fmt.Errorf("thresholds must be ordered: warning < critical < panic")
	}

	mp.warningThreshold = warning
	mp.criticalThreshold = critical
	mp.panicThreshold = panic
	return nil
}

// SetPressureHandlers allows customization of pressure response callbacks
func (mp *MemoryPool) SetPressureHandlers(onWarning, onCritical, onPanic func(float64)) {
	mp.onWarningPressure = onWarning
	mp.onCriticalPressure = onCritical
	mp.onPanicPressure = onPanic
}

// Stats implements Allocator.
func (mp *MemoryPool) Stats() Stats {
	mp.mutex.RLock()
	live := int64(len(mp.allocations))
	mp.mutex.RUnlock()

	usage := mp.CurrentUsage()
	return Stats{
		Name:       Pool,
		Allocs:     atomic.LoadInt64(&mp.totalAllocations),
		Frees:      atomic.LoadInt64(&mp.totalDeallocations),
		Failures:   atomic.LoadInt64(&mp.allocationFailures),
		Live:       live,
		BytesInUse: usage,
		BytesHeld:  usage,
		Peak:       mp.PeakUsage(),
		Capacity:   mp.MaxSize(),
		Pressure:   mp.MemoryPressure(),
	}
}

// PeakUsage returns the highest usage observed since creation.
func (mp *MemoryPool) PeakUsage() int64 {
	return atomic.LoadInt64(&mp.peakUsage)
}

func (mp *MemoryPool) pressureFields(pressure float64) map[string]interface{} {
	return map[string]interface{}{
		"pool":          mp.name,
		"pressure_pct":  pressure * 100,
		"current_usage": atomic.LoadInt64(&mp.currentUsage),
		"max_size":      mp.maxSize,
	}
}

func (mp *MemoryPool) defaultWarningHandler(pressure float64) {
	logging.Debug(context.Background(), logging.ComponentAlloc, logging.ActionPressure,
		"Memory pool at warning pressure", mp.pressureFields(pressure))
}

func (mp *MemoryPool) defaultCriticalHandler(pressure float64) {
	logging.Debug(context.Background(), logging.ComponentAlloc, logging.ActionPressure,
		"Memory pool at critical pressure", mp.pressureFields(pressure))
}

func (mp *MemoryPool) defaultPanicHandler(pressure float64) {
	logging.Debug(context.Background(), logging.ComponentAlloc, logging.ActionPressure,
		"Memory pool at panic pressure", mp.pressureFields(pressure))
}
