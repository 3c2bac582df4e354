package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	Run      RunConfig      `yaml:"run"`
	Workload WorkloadConfig `yaml:"workload"`
	Pool     PoolConfig     `yaml:"pool"`
	Slab     SlabConfig     `yaml:"slab"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RunConfig identifies a benchmark run
type RunConfig struct {
	ID string `yaml:"id"` // empty means a fresh UUID per run
}

// WorkloadConfig shapes the generated workload
type WorkloadConfig struct {
	Allocator        string `yaml:"allocator"`         // runtime, pool, slab
	Seed             int64  `yaml:"seed"`              // PRNG seed for the size mix
	ItemCeiling      string `yaml:"item_ceiling"`      // largest allocation incl. overhead, e.g. "1MiB"
	ProgressInterval int    `yaml:"progress_interval"` // trials between progress logs, 0 disables
	Paranoid         bool   `yaml:"paranoid"`          // walk the store after every trial
	VerifyPayload    bool   `yaml:"verify_payload"`    // fingerprint payloads with xxhash
	StatsFile        string `yaml:"stats_file"`        // empty means stderr
}

// PoolConfig tunes the capacity-bounded pool allocator
type PoolConfig struct {
	Capacity          string  `yaml:"capacity"` // empty means the memory limit
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
	PanicThreshold    float64 `yaml:"panic_threshold"`
}

// SlabConfig tunes the size-class allocator
type SlabConfig struct {
	MinClass string `yaml:"min_class"`
	MaxClass string `yaml:"max_class"`
	Capacity string `yaml:"capacity"` // empty means unbounded
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"` // JSON lines on stderr
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"` // async log buffer size
	LogDir        string `yaml:"log_dir"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Workload: WorkloadConfig{
			Allocator:        "runtime",
			Seed:             1,
			ItemCeiling:      "1MiB",
			ProgressInterval: 100000,
		},
		Pool: PoolConfig{
			WarningThreshold:  0.85,
			CriticalThreshold: 0.90,
			PanicThreshold:    0.95,
		},
		Slab: SlabConfig{
			MinClass: "32B",
			MaxClass: "64KiB",
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			BufferSize:    1000,
			LogDir:        "logs",
		},
	}
}

// Load reads and parses the configuration file. An empty path or a missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "configuration file %s not found, using defaults\n", path)
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !isValidAllocator(c.Workload.Allocator) {
		return fmt.Errorf("workload.allocator must be one of runtime, pool, slab: %q", c.Workload.Allocator)
	}
	if c.Workload.ProgressInterval < 0 {
		return fmt.Errorf("workload.progress_interval must be >= 0")
	}
	if _, err := c.ItemCeilingBytes(); err != nil {
		return err
	}

	sizes := map[string]string{
		"pool.capacity":  c.Pool.Capacity,
		"slab.min_class": c.Slab.MinClass,
		"slab.max_class": c.Slab.MaxClass,
		"slab.capacity":  c.Slab.Capacity,
	}
	for name, value := range sizes {
		if _, err := ParseSize(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	p := c.Pool
	for _, th := range []float64{p.WarningThreshold, p.CriticalThreshold, p.PanicThreshold} {
		if th < 0 || th > 1 {
			return fmt.Errorf("pool thresholds must be between 0.0 and 1.0")
		}
	}
	if p.WarningThreshold >= p.CriticalThreshold || p.CriticalThreshold >= p.PanicThreshold {
		return fmt.Errorf("pool thresholds must be ordered: warning < critical < panic")
	}

	if c.Logging.BufferSize < 0 {
		return fmt.Errorf("logging.buffer_size must be >= 0")
	}
	return nil
}

// ItemCeilingBytes returns the parsed workload.item_ceiling.
func (c *Config) ItemCeilingBytes() (int64, error) {
	n, err := ParseSize(c.Workload.ItemCeiling)
	if err != nil {
		return 0, fmt.Errorf("workload.item_ceiling: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("workload.item_ceiling must be positive")
	}
	return n, nil
}

// PoolThresholds returns warning, critical and panic levels in order.
func (c *Config) PoolThresholds() [3]float64 {
	return [3]float64{c.Pool.WarningThreshold, c.Pool.CriticalThreshold, c.Pool.PanicThreshold}
}

// ParseSize parses a human readable size such as "64KiB" or "4GB". An empty
// string parses as 0. Binary suffixes (KiB, MiB) are powers of 1024, SI
// suffixes (KB, MB) powers of 1000.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(n), nil
}

func isValidAllocator(name string) bool {
	validAllocators := map[string]bool{
		"runtime": true, // Go heap
		"pool":    true, // capacity-bounded, address-tracked
		"slab":    true, // power-of-two size classes
	}
	return validAllocators[name]
}
