package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// InitializeFromConfig builds a logger for one benchmark run and installs it
// as the global logger.
func InitializeFromConfig(runID string, logConfig LogConfig) (*Logger, error) {
	if logConfig.EnableFile && logConfig.LogDir != "" {
		if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile := logConfig.LogFile
	if logFile == "" && logConfig.EnableFile {
		name := fmt.Sprintf("allocbench-%s.log", runID)
		if logConfig.LogDir != "" {
			logFile = filepath.Join(logConfig.LogDir, name)
		} else {
			logFile = name
		}
	}

	logger := NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		RunID:         runID,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		BufferSize:    logConfig.BufferSize,
		Console:       logConfig.Console,
	})
	SetGlobalLogger(logger)

	return logger, nil
}

// LogConfig mirrors the logging block of the YAML configuration.
type LogConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
	LogDir        string `yaml:"log_dir"`

	// Console replaces stderr as the console writer when set.
	Console io.Writer `yaml:"-"`
}

// Component names for structured logging
const (
	ComponentMain   = "main"
	ComponentConfig = "config"
	ComponentDriver = "driver"
	ComponentStore  = "store"
	ComponentAlloc  = "alloc"
	ComponentStats  = "stats"
)

// Action names for structured logging
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionPhase      = "phase"
	ActionTrial      = "trial"
	ActionInsert     = "insert"
	ActionEvict      = "evict"
	ActionDrain      = "drain"
	ActionPressure   = "pressure"
	ActionReport     = "report"
	ActionValidation = "validation"
)
