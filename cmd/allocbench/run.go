package main

import (
	"context"
	"fmt"
	"io"
	"os"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"allocbench/internal/alloc"
	"allocbench/internal/itemstore"
	"allocbench/internal/logging"
	"allocbench/internal/sizing"
	"allocbench/internal/stats"
	"allocbench/internal/workload"
	"allocbench/pkg/config"
)

// applyFlags overrides configuration values with explicitly set flags.
func applyFlags(cmd *cobra.Command, cfg *config.Config, opts *options) {
	flags := cmd.Flags()
	if flags.Changed("allocator") {
		cfg.Workload.Allocator = opts.allocator
	}
	if flags.Changed("seed") {
		cfg.Workload.Seed = opts.seed
	}
	if flags.Changed("paranoid") {
		cfg.Workload.Paranoid = opts.paranoid
	}
	if flags.Changed("verify-payload") {
		cfg.Workload.VerifyPayload = opts.verifyPayload
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flags.Changed("stats-file") {
		cfg.Workload.StatsFile = opts.statsFile
	}
}

func newAllocator(cfg *config.Config, memLimit int64) (alloc.Allocator, error) {
	poolCapacity, err := config.ParseSize(cfg.Pool.Capacity)
	if err != nil {
		return nil, err
	}
	if poolCapacity == 0 {
		poolCapacity = memLimit
	}
	minClass, err := config.ParseSize(cfg.Slab.MinClass)
	if err != nil {
		return nil, err
	}
	maxClass, err := config.ParseSize(cfg.Slab.MaxClass)
	if err != nil {
		return nil, err
	}
	slabCapacity, err := config.ParseSize(cfg.Slab.Capacity)
	if err != nil {
		return nil, err
	}

	return alloc.New(cfg.Workload.Allocator, alloc.Options{
		PoolCapacity:   poolCapacity,
		PoolThresholds: cfg.PoolThresholds(),
		SlabMinClass:   int(minClass),
		SlabMaxClass:   int(maxClass),
		SlabCapacity:   slabCapacity,
	})
}

func runBenchmark(cmd *cobra.Command, opts *options) error {
	stderr := cmd.ErrOrStderr()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg, opts)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	runID := cfg.Run.ID
	if runID == "" {
		runID = logging.NewCorrelationID()
	}
	logger, err := logging.InitializeFromConfig(runID, logging.LogConfig{
		Level:         cfg.Logging.Level,
		EnableConsole: cfg.Logging.EnableConsole,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
		LogDir:        cfg.Logging.LogDir,
		Console:       stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	ctx := logging.WithCorrelationID(context.Background(), runID)

	source := opts.configPath
	if source == "" {
		source = "defaults"
	}
	logging.Info(ctx, logging.ComponentConfig, logging.ActionValidation, "Configuration loaded", map[string]interface{}{
		"source":         source,
		"allocator":      cfg.Workload.Allocator,
		"item_ceiling":   cfg.Workload.ItemCeiling,
		"verify_payload": cfg.Workload.VerifyPayload,
		"paranoid":       cfg.Workload.Paranoid,
	})

	memLimit := int64(opts.memLimitMB) * 1024 * 1024
	maxCount := int(opts.maxCount)
	variant := alloc.Variant(cfg.Workload.Allocator)

	fmt.Fprintf(stderr, "[%s] mem_limit=%d(%d MB) malloc_count=%d\n", variant, memLimit, opts.memLimitMB, maxCount)
	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "Benchmark starting", map[string]interface{}{
		"variant":      variant,
		"mem_limit":    memLimit,
		"mem_limit_mb": opts.memLimitMB,
		"malloc_count": maxCount,
		"seed":         cfg.Workload.Seed,
	})

	fail := func(action, message string, err error) error {
		logging.Fatal(ctx, logging.ComponentMain, action, message, err)
		return err
	}

	a, err := newAllocator(cfg, memLimit)
	if err != nil {
		return fail(logging.ActionStart, "Failed to create allocator", err)
	}

	ceiling, err := cfg.ItemCeilingBytes()
	if err != nil {
		return fail(logging.ActionStart, "Invalid item ceiling", err)
	}
	policy, err := sizing.NewBimodal(cfg.Workload.Seed, int(ceiling)-itemstore.Overhead)
	if err != nil {
		return fail(logging.ActionStart, "Invalid size policy", err)
	}

	store := itemstore.New(a, itemstore.Config{
		MaxItemSize:   policy.MaxSize(),
		VerifyPayload: cfg.Workload.VerifyPayload,
	})

	var statsOut io.Writer = stderr
	if cfg.Workload.StatsFile != "" {
		f, err := os.Create(cfg.Workload.StatsFile)
		if err != nil {
			return fail(logging.ActionReport, "Failed to open stats file", err)
		}
		defer f.Close()
		statsOut = f
	}
	reporter := stats.NewReporter(statsOut, a, store)

	driver := workload.NewDriver(workload.Config{
		MemLimit:         memLimit,
		MaxCount:         maxCount,
		ProgressInterval: cfg.Workload.ProgressInterval,
		Paranoid:         cfg.Workload.Paranoid,
	}, store, policy, reporter)

	result, err := driver.Run(ctx)
	if err != nil {
		return fail(logging.ActionStop, "Benchmark aborted", err)
	}

	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "Benchmark completed", map[string]interface{}{
		"trials":         result.Trials,
		"evictions":      result.Evictions,
		"drained":        result.Drained,
		"bytes_inserted": humanize.IBytes(uint64(result.BytesInserted)),
		"peak_bytes":     result.PeakBytes,
		"peak_count":     result.PeakCount,
		"run_ms":         result.RunTime.Milliseconds(),
		"drain_ms":       result.DrainTime.Milliseconds(),
		"trimmed":        humanize.IBytes(uint64(result.Trimmed)),
	})
	return nil
}
