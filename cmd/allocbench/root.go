package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"allocbench/internal/alloc"
)

// ErrUsage marks command line errors.
var ErrUsage = errors.New("usage error")

type options struct {
	configPath    string
	allocator     string
	seed          int64
	paranoid      bool
	verifyPayload bool
	logLevel      string
	statsFile     string

	memLimitMB uint64
	maxCount   uint64
}

func usageLine(allocator string) string {
	return fmt.Sprintf("Usage: %s <mem_limit(unit: MB)> <malloc_count>", alloc.Variant(allocator))
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "allocbench <mem_limit(unit: MB)> <malloc_count>",
		Short: "Stress a memory allocator with a bounded-memory item workload",
		Long: `allocbench inserts malloc_count records of randomly sized payloads into an
item store capped at mem_limit megabytes, evicting the oldest records to stay
inside the budget. 90 of every 100 records are small (under a page), the rest
are large (up to 1 MiB). After the last insertion it dumps allocator
statistics, then drains the store and verifies it is empty.

Example:
  allocbench 512 1000000
  allocbench 64 100000 --allocator slab --seed 7
  allocbench 64 100000 --config allocbench.yaml --paranoid`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: expected 2 arguments, got %d", ErrUsage, len(args))
			}
			var err error
			if opts.memLimitMB, err = parsePositive(args[0]); err != nil {
				return fmt.Errorf("%w: mem_limit: %w", ErrUsage, err)
			}
			if opts.maxCount, err = parsePositive(args[1]); err != nil {
				return fmt.Errorf("%w: malloc_count: %w", ErrUsage, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	// A negative positional such as -1 reaches the flag parser first.
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	})

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	flags.StringVarP(&opts.allocator, "allocator", "a", "", "Allocator strategy: runtime, pool or slab")
	flags.Int64Var(&opts.seed, "seed", 0, "Seed for the record size mix")
	flags.BoolVar(&opts.paranoid, "paranoid", false, "Verify store invariants after every trial")
	flags.BoolVar(&opts.verifyPayload, "verify-payload", false, "Fingerprint payloads and verify them on release")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.statsFile, "stats-file", "", "Write the statistics dump to this file instead of stderr")

	return cmd
}

func parsePositive(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}

// execute runs the command line and returns the process exit status.
func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		if errors.Is(err, ErrUsage) {
			allocator, _ := cmd.Flags().GetString("allocator")
			fmt.Fprintln(stderr, usageLine(allocator))
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
