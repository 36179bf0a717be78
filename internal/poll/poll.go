// Package poll waits on slow external work (transaction receipts, deployment
// status) with a hard bound on attempts and wall time.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrExhausted = errors.New("polling attempts exhausted")

type Config struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		MaxAttempts: 30,
		Timeout:     2 * time.Minute,
	}
}

// Func reports whether the awaited condition holds. A non-nil error stops
// polling immediately.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Until calls fn until it is done, fails, runs out of attempts or the timeout
// or ctx expires. Zero config fields fall back to DefaultConfig.
func Until(ctx context.Context, cfg Config, fn Func) error {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("polling stopped after %d attempts: %w", attempt, ctx.Err())
		case <-ticker.C:
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrExhausted, cfg.MaxAttempts)
}
