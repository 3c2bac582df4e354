package logging

import (
	"context"
	"time"
)

// Phase wraps one stage of a benchmark run the way a request middleware wraps
// a handler: it logs the start, runs fn, then logs completion or failure with
// the elapsed time.
func Phase(ctx context.Context, component, name string, fn func(ctx context.Context) error) error {
	Info(ctx, component, ActionPhase, "Phase started", map[string]interface{}{
		"phase": name,
	})

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	if err != nil {
		Error(ctx, component, ActionPhase, "Phase failed", err, map[string]interface{}{
			"phase":       name,
			"duration_ms": duration.Milliseconds(),
		})
		return err
	}

	if logger := GetGlobalLogger(); logger != nil {
		logger.WithDuration(ctx, INFO, component, ActionPhase, "Phase completed", duration, map[string]interface{}{
			"phase": name,
		})
	}
	return nil
}
