package workload

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allocbench/internal/alloc"
	"allocbench/internal/itemstore"
	"allocbench/internal/logging"
	"allocbench/internal/sizing"
)

const mib = 1024 * 1024

// budgetProbe checks the budget invariant at the start of every trial, which
// is right after the previous trial's insertion.
type budgetProbe struct {
	t      *testing.T
	inner  sizing.Policy
	store  *itemstore.Store
	limit  int64
	checks int
}

func (p *budgetProbe) NextSize(trial int) int {
	if held := p.store.BytesHeld(); held > p.limit {
		p.t.Fatalf("trial %d: bytes held %d exceeds limit %d", trial, held, p.limit)
	}
	p.checks++
	return p.inner.NextSize(trial)
}

func (p *budgetProbe) MaxSize() int { return p.inner.MaxSize() }

func TestDriver_ScenarioA_SingleRecord(t *testing.T) {
	store := itemstore.New(alloc.NewRuntimeAllocator(), itemstore.Config{})

	var seenCount int
	var seenBytes int64
	sink := SinkFunc(func(context.Context) error {
		seenCount, seenBytes = store.Len(), store.BytesHeld()
		return nil
	})

	d := NewDriver(Config{MemLimit: mib, MaxCount: 1}, store, sizing.Fixed(100), sink)
	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, seenCount)
	assert.Equal(t, int64(100+itemstore.Overhead), seenBytes)
	assert.Equal(t, 1, result.Trials)
	assert.Equal(t, 0, result.Evictions)
	assert.Equal(t, 1, result.Drained)
	assert.Equal(t, Done, d.State())
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, int64(0), store.BytesHeld())
}

func TestDriver_ScenarioB_EvictsToStayInBudget(t *testing.T) {
	store := itemstore.New(alloc.NewRuntimeAllocator(), itemstore.Config{})

	var counts []int
	policy := &budgetProbe{t: t, inner: sizing.Fixed(2000), store: store, limit: 4096}
	sink := SinkFunc(func(context.Context) error {
		counts = append(counts, store.Len())
		assert.LessOrEqual(t, store.BytesHeld(), int64(4096))
		return nil
	})

	d := NewDriver(Config{MemLimit: 4096, MaxCount: 3, Paranoid: true}, store, policy, sink)
	result, err := d.Run(context.Background())
	require.NoError(t, err)

	// Two 2024-byte records fit in 4096, the third forces one eviction.
	require.Equal(t, []int{2}, counts)
	assert.Equal(t, 1, result.Evictions)
	assert.Equal(t, int64(2*(2000+itemstore.Overhead)), result.PeakBytes)
	assert.Equal(t, 2, result.PeakCount)
	assert.Equal(t, 3, policy.checks)
}

func TestDriver_ScenarioC_BimodalMix(t *testing.T) {
	if testing.Short() {
		t.Skip("100000 trials in short mode")
	}

	const limit = 64 * mib
	store := itemstore.New(alloc.NewRuntimeAllocator(), itemstore.Config{MaxItemSize: sizing.DefaultMaxItemSize})
	bimodal, err := sizing.NewBimodal(20240101, 0)
	require.NoError(t, err)
	policy := &budgetProbe{t: t, inner: bimodal, store: store, limit: limit}

	sinkCalls := 0
	sink := SinkFunc(func(context.Context) error {
		sinkCalls++
		return nil
	})

	d := NewDriver(Config{MemLimit: limit, MaxCount: 100000, ProgressInterval: 100000}, store, policy, sink)
	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 100000, result.Trials)
	assert.Equal(t, 1, sinkCalls)
	assert.Greater(t, result.Evictions, 0)
	assert.LessOrEqual(t, result.PeakBytes, int64(limit))
	assert.Equal(t, result.Drained+result.Evictions, result.Trials, "every record is evicted or drained exactly once")
	assert.Equal(t, int64(0), store.Allocator().Stats().Live)
}

func TestDriver_AllAllocators(t *testing.T) {
	for _, name := range alloc.Names() {
		t.Run(name, func(t *testing.T) {
			const limit = 2 * mib
			a, err := alloc.New(name, alloc.Options{PoolCapacity: limit})
			require.NoError(t, err)

			store := itemstore.New(a, itemstore.Config{VerifyPayload: true})
			policy, err := sizing.NewBimodal(1, 256*1024)
			require.NoError(t, err)

			d := NewDriver(Config{MemLimit: limit, MaxCount: 2000, Paranoid: true}, store, policy, nil)
			result, err := d.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2000, result.Trials)
			assert.Equal(t, int64(0), a.Stats().BytesInUse)
		})
	}
}

func TestDriver_OversizeRecordIsBudgetInconsistency(t *testing.T) {
	store := itemstore.New(alloc.NewRuntimeAllocator(), itemstore.Config{})

	sinkCalled := false
	sink := SinkFunc(func(context.Context) error {
		sinkCalled = true
		return nil
	})

	d := NewDriver(Config{MemLimit: 1000, MaxCount: 5}, store, sizing.Sequence{100, 100, 5000}, sink)
	result, err := d.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetInconsistency)
	assert.Contains(t, err.Error(), "mem_alloc=0")
	assert.Equal(t, 2, result.Trials)
	assert.Equal(t, 2, result.Evictions, "the store is emptied before giving up")
	assert.Equal(t, Failed, d.State())
	assert.False(t, sinkCalled)
}

func TestDriver_AllocationFailure(t *testing.T) {
	// The allocator is smaller than the budget, so the budget loop admits a
	// record the allocator cannot serve.
	pool := alloc.NewMemoryPool("small", 3000)
	store := itemstore.New(pool, itemstore.Config{})

	d := NewDriver(Config{MemLimit: mib, MaxCount: 3}, store, sizing.Fixed(2000), nil)
	result, err := d.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, itemstore.ErrAllocationFailure)
	assert.ErrorIs(t, err, alloc.ErrOutOfMemory)
	assert.Equal(t, 1, result.Trials)
	assert.Equal(t, Failed, d.State())
}

// leakyAllocator forgets every Free, so the post-drain check sees live buffers.
type leakyAllocator struct {
	*alloc.RuntimeAllocator
}

func (leakyAllocator) Free([]byte) error { return nil }

func TestDriver_PostconditionViolation(t *testing.T) {
	store := itemstore.New(leakyAllocator{alloc.NewRuntimeAllocator()}, itemstore.Config{})

	d := NewDriver(Config{MemLimit: mib, MaxCount: 10}, store, sizing.Fixed(10), nil)
	_, err := d.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPostconditionViolation)
	assert.Equal(t, Failed, d.State())
}

func TestDriver_SinkErrorIsNotFatal(t *testing.T) {
	store := itemstore.New(alloc.NewRuntimeAllocator(), itemstore.Config{})
	sink := SinkFunc(func(context.Context) error { return errors.New("stats unavailable") })

	d := NewDriver(Config{MemLimit: mib, MaxCount: 5}, store, sizing.Fixed(10), sink)
	_, err := d.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, Done, d.State())
}

func TestDriver_RunTwice(t *testing.T) {
	store := itemstore.New(alloc.NewRuntimeAllocator(), itemstore.Config{})
	d := NewDriver(Config{MemLimit: mib, MaxCount: 1}, store, sizing.Fixed(10), nil)

	_, err := d.Run(context.Background())
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	assert.Error(t, err)
}

func TestDriver_ZeroTrials(t *testing.T) {
	store := itemstore.New(alloc.NewRuntimeAllocator(), itemstore.Config{})
	d := NewDriver(Config{MemLimit: mib, MaxCount: 0}, store, sizing.Fixed(10), nil)

	result, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Trials)
	assert.Equal(t, Done, d.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestDriver_SinkRunsOnceBeforeDrain(t *testing.T) {
	store := itemstore.New(alloc.NewRuntimeAllocator(), itemstore.Config{})

	calls, heldAtReport := 0, 0
	sink := SinkFunc(func(context.Context) error {
		calls++
		heldAtReport = store.Len()
		return nil
	})

	d := NewDriver(Config{MemLimit: 10 * (1000 + itemstore.Overhead), MaxCount: 50}, store, sizing.Fixed(1000), sink)
	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 10, heldAtReport)
	assert.Equal(t, 10, result.Drained)
	assert.Equal(t, 40, result.Evictions)
}

func TestDriver_TrimsSlabAfterDrain(t *testing.T) {
	sa, err := alloc.NewSlabAllocator(0, 0, 0)
	require.NoError(t, err)
	store := itemstore.New(sa, itemstore.Config{})

	d := NewDriver(Config{MemLimit: 64 * 1024, MaxCount: 500}, store, sizing.Sequence{10, 100, 1000, 3000}, nil)
	result, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Greater(t, result.Trimmed, int64(0))
	stats := sa.Stats()
	assert.Zero(t, stats.BytesHeld, "every cached chunk went back after the drain")
}

func TestDriver_DebugLogsInsertAndEvict(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: logging.DEBUG, EnableConsole: true, Console: &buf, BufferSize: 64})
	logging.SetGlobalLogger(logger)
	defer logging.SetGlobalLogger(nil)

	store := itemstore.New(alloc.NewRuntimeAllocator(), itemstore.Config{})
	d := NewDriver(Config{MemLimit: 2 * (100 + itemstore.Overhead), MaxCount: 3}, store, sizing.Fixed(100), nil)
	_, err := d.Run(context.Background())
	require.NoError(t, err)
	logger.Close()

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, `"action":"insert"`))
	assert.Equal(t, 1, strings.Count(out, `"action":"evict"`))
}
