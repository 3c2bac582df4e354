// Package stats dumps allocator-level statistics. The output is meant for
// humans comparing runs, its layout carries no contract.
package stats

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	sigar "github.com/cloudfoundry/gosigar"
	humanize "github.com/dustin/go-humanize"

	"allocbench/internal/alloc"
	"allocbench/internal/logging"
)

// Holder is the part of the item store the reporter reads.
type Holder interface {
	Len() int
	BytesHeld() int64
}

// Snapshot collects every figure a report prints.
type Snapshot struct {
	HeapSize  uint64 // bytes obtained from the OS for the Go heap
	HeapUsed  uint64 // bytes in live heap objects
	HeapFree  uint64 // HeapSize - HeapUsed
	HeapIdle  uint64
	Released  uint64
	NumGC     uint32
	PauseNs   uint64
	Resident  uint64 // process RSS, 0 when unavailable
	ItemCount int
	MemAlloc  int64
	Allocator alloc.Stats
}

// Reporter writes snapshots to w.
type Reporter struct {
	w       io.Writer
	alloc   alloc.Allocator
	holder  Holder
	variant string
}

// NewReporter creates a reporter for the given allocator and store.
func NewReporter(w io.Writer, a alloc.Allocator, holder Holder) *Reporter {
	return &Reporter{
		w:       w,
		alloc:   a,
		holder:  holder,
		variant: alloc.Variant(a.Name()),
	}
}

// Snapshot gathers current runtime, process, allocator and store figures.
func (r *Reporter) Snapshot() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		HeapSize:  ms.HeapSys,
		HeapUsed:  ms.HeapAlloc,
		HeapIdle:  ms.HeapIdle,
		Released:  ms.HeapReleased,
		NumGC:     ms.NumGC,
		PauseNs:   ms.PauseTotalNs,
		Allocator: r.alloc.Stats(),
	}
	if snap.HeapSize > snap.HeapUsed {
		snap.HeapFree = snap.HeapSize - snap.HeapUsed
	}

	mem := sigar.ProcMem{}
	if err := mem.Get(os.Getpid()); err == nil {
		snap.Resident = mem.Resident
	}

	if r.holder != nil {
		snap.ItemCount = r.holder.Len()
		snap.MemAlloc = r.holder.BytesHeld()
	}
	return snap
}

func mb(n uint64) float64 {
	return float64(n) / (1024 * 1024)
}

// Report takes a snapshot, writes it and logs a structured copy.
func (r *Reporter) Report(ctx context.Context) error {
	snap := r.Snapshot()

	logging.Info(ctx, logging.ComponentStats, logging.ActionReport, "Allocator statistics", map[string]interface{}{
		"variant":        r.variant,
		"heap_size":      snap.HeapSize,
		"heap_used":      snap.HeapUsed,
		"heap_free":      snap.HeapFree,
		"num_gc":         snap.NumGC,
		"resident":       snap.Resident,
		"item_count":     snap.ItemCount,
		"mem_alloc":      snap.MemAlloc,
		"alloc_in_use":   snap.Allocator.BytesInUse,
		"alloc_held":     snap.Allocator.BytesHeld,
		"alloc_peak":     snap.Allocator.Peak,
		"alloc_failures": snap.Allocator.Failures,
	})

	return r.Write(snap)
}

// Write formats snap to the reporter's writer.
func (r *Reporter) Write(snap Snapshot) error {
	ew := &errWriter{w: r.w}

	ew.printf("-----------------------------------\n")
	ew.printf("MALLOC: %12d ( %6.1f MB) Heap size\n", snap.HeapSize, mb(snap.HeapSize))
	ew.printf("MALLOC: %12d ( %6.1f MB) Bytes Used\n", snap.HeapUsed, mb(snap.HeapUsed))
	ew.printf("MALLOC: %12d ( %6.1f MB) Bytes Free\n", snap.HeapFree, mb(snap.HeapFree))
	ew.printf("MALLOC: %12d ( %6.1f MB) Bytes Released to OS\n", snap.Released, mb(snap.Released))
	ew.printf("MALLOC: %12d GC cycles, %s total pause\n", snap.NumGC, humanizeNs(snap.PauseNs))
	if snap.Resident > 0 {
		ew.printf("PROCESS: %s resident\n", humanize.IBytes(snap.Resident))
	}

	a := snap.Allocator
	ew.printf("ALLOC[%s]: in use %s, held %s, peak %s, fragmented %s\n",
		a.Name, ibytes(a.BytesInUse), ibytes(a.BytesHeld), ibytes(a.Peak), ibytes(a.Fragmented))
	ew.printf("ALLOC[%s]: live=%d allocs=%s frees=%s failures=%d\n",
		a.Name, a.Live, humanize.Comma(a.Allocs), humanize.Comma(a.Frees), a.Failures)
	if a.Capacity > 0 {
		ew.printf("ALLOC[%s]: capacity %s (%.1f%% used)\n",
			a.Name, ibytes(a.Capacity), 100*a.Pressure)
	}
	for _, class := range a.ClassDetail {
		if class.Live+class.Free == 0 {
			continue
		}
		ew.printf("ALLOC[%s]: class %8s live=%d free=%d util=%.2f\n",
			a.Name, humanize.IBytes(uint64(class.Size)), class.Live, class.Free, class.Ratio)
	}

	ew.printf("STORE: item_count=%d mem_alloc=%d (%s)\n", snap.ItemCount, snap.MemAlloc, ibytes(snap.MemAlloc))
	return ew.err
}

func ibytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

func humanizeNs(ns uint64) string {
	return fmt.Sprintf("%.3fms", float64(ns)/1e6)
}

// errWriter keeps the first write error and skips later writes.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...interface{}) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
