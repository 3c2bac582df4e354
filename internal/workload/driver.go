// Package workload drives a benchmark run: it inserts records of generated
// sizes into the item store, evicting the oldest records to stay inside the
// memory budget, reports allocator statistics, and finally drains the store.
package workload

import (
	"context"
	"fmt"
	"time"

	"allocbench/internal/alloc"
	"allocbench/internal/itemstore"
	"allocbench/internal/logging"
	"allocbench/internal/sizing"
)

// State of a driver run.
type State int

const (
	Idle State = iota
	Running
	Draining
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds the externally supplied run parameters.
type Config struct {
	MemLimit int64 // budget in bytes
	MaxCount int   // number of trials

	// ProgressInterval logs progress every that many trials, 0 disables it.
	ProgressInterval int
	// Paranoid walks the whole store after every trial.
	Paranoid bool
}

// StatsSink is called exactly once per run, after the last insertion and
// before the first post-run eviction.
type StatsSink interface {
	Report(ctx context.Context) error
}

// SinkFunc adapts a function to StatsSink.
type SinkFunc func(ctx context.Context) error

// Report implements StatsSink.
func (f SinkFunc) Report(ctx context.Context) error { return f(ctx) }

// Result summarizes a run.
type Result struct {
	Trials        int
	Evictions     int
	Drained       int
	BytesInserted int64
	PeakBytes     int64
	PeakCount     int
	RunTime       time.Duration
	DrainTime     time.Duration
	// Trimmed is the cached memory the allocator released after the drain.
	Trimmed int64
}

// Driver owns the item store for the lifetime of one run.
type Driver struct {
	cfg    Config
	store  *itemstore.Store
	policy sizing.Policy
	sink   StatsSink

	state  State
	result Result
}

// NewDriver wires a driver. sink may be nil.
func NewDriver(cfg Config, store *itemstore.Store, policy sizing.Policy, sink StatsSink) *Driver {
	return &Driver{
		cfg:    cfg,
		store:  store,
		policy: policy,
		sink:   sink,
	}
}

// State returns the current state.
func (d *Driver) State() State {
	return d.state
}

// Run executes every trial, reports statistics and drains the store. Any
// error is fatal for the run: the driver moves to Failed and stops.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	if d.state != Idle {
		return d.result, fmt.Errorf("driver already ran, state %s", d.state)
	}

	d.state = Running
	start := time.Now()
	err := logging.Phase(ctx, logging.ComponentDriver, Running.String(), d.runTrials)
	d.result.RunTime = time.Since(start)
	if err != nil {
		d.state = Failed
		return d.result, err
	}

	if d.sink != nil {
		if err := d.sink.Report(ctx); err != nil {
			logging.Warn(ctx, logging.ComponentStats, logging.ActionReport, "Statistics report failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	d.state = Draining
	start = time.Now()
	err = logging.Phase(ctx, logging.ComponentDriver, Draining.String(), d.drain)
	d.result.DrainTime = time.Since(start)
	if err != nil {
		d.state = Failed
		return d.result, err
	}

	d.state = Done
	return d.result, nil
}

func (d *Driver) runTrials(ctx context.Context) error {
	for trial := 0; trial < d.cfg.MaxCount; trial++ {
		if err := d.trial(ctx, trial); err != nil {
			return err
		}
		d.result.Trials++

		if d.cfg.Paranoid {
			if err := d.store.Check(); err != nil {
				return fmt.Errorf("trial %d: %w", trial, err)
			}
		}
		if d.cfg.ProgressInterval > 0 && d.result.Trials%d.cfg.ProgressInterval == 0 {
			logging.Info(ctx, logging.ComponentDriver, logging.ActionTrial, "Progress", map[string]interface{}{
				"trials":     d.result.Trials,
				"mem_alloc":  d.store.BytesHeld(),
				"item_count": d.store.Len(),
				"evictions":  d.result.Evictions,
			})
		}
	}
	return nil
}

// trial makes room for one record and inserts it.
func (d *Driver) trial(ctx context.Context, trial int) error {
	size := d.policy.NextSize(trial)
	itemLen := int64(size + itemstore.Overhead)
	debug := logging.DebugEnabled()

	for d.store.BytesHeld()+itemLen > d.cfg.MemLimit {
		r, ok := d.store.EvictOldest()
		if !ok {
			return fmt.Errorf("%w: empty list: mem_alloc=%d item_len=%d mem_limit=%d",
				ErrBudgetInconsistency, d.store.BytesHeld(), itemLen, d.cfg.MemLimit)
		}
		if err := d.store.Release(r); err != nil {
			return fmt.Errorf("trial %d: evict: %w", trial, err)
		}
		d.result.Evictions++
		if debug {
			logging.Debug(ctx, logging.ComponentDriver, logging.ActionEvict, "Evicted oldest record", map[string]interface{}{
				"trial":     trial,
				"item_len":  r.Charged(),
				"mem_alloc": d.store.BytesHeld(),
			})
		}
	}

	if _, err := d.store.InsertFront(size); err != nil {
		return fmt.Errorf("trial %d: %w", trial, err)
	}
	d.result.BytesInserted += itemLen
	if debug {
		logging.Debug(ctx, logging.ComponentDriver, logging.ActionInsert, "Inserted record", map[string]interface{}{
			"trial":      trial,
			"item_len":   itemLen,
			"mem_alloc":  d.store.BytesHeld(),
			"item_count": d.store.Len(),
		})
	}

	if held := d.store.BytesHeld(); held > d.result.PeakBytes {
		d.result.PeakBytes = held
	}
	if n := d.store.Len(); n > d.result.PeakCount {
		d.result.PeakCount = n
	}
	return nil
}

func (d *Driver) drain(ctx context.Context) error {
	d.result.Drained = d.store.Len()
	if err := d.store.DrainAll(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	if n, held := d.store.Len(), d.store.BytesHeld(); n != 0 || held != 0 {
		return fmt.Errorf("%w: item_count=%d mem_alloc=%d after drain", ErrPostconditionViolation, n, held)
	}
	if err := d.store.Check(); err != nil {
		return fmt.Errorf("%w: %w", ErrPostconditionViolation, err)
	}
	if live := d.store.Allocator().Stats().Live; live != 0 {
		return fmt.Errorf("%w: allocator still holds %d live buffers", ErrPostconditionViolation, live)
	}

	if t, ok := d.store.Allocator().(alloc.Trimmer); ok {
		d.result.Trimmed = t.Trim()
	}

	logging.Debug(ctx, logging.ComponentDriver, logging.ActionValidation, "Store empty after drain", map[string]interface{}{
		"drained": d.result.Drained,
		"trimmed": d.result.Trimmed,
	})
	return nil
}
