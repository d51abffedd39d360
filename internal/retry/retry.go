// Package retry provides the shared request executor used by the enforcement
// loops. It retries throttled calls with exponential backoff and fails fast
// when the session is no longer authenticated.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/groupwarden/groupwarden/internal/vrchat"
	"github.com/rs/zerolog"
)

// Config holds retry parameters.
type Config struct {
	MaxAttempts int           // total attempts, including the first
	Base        time.Duration // backoff base for attempt 1
	Cap         time.Duration // backoff ceiling; 0 means 5m
}

// DefaultConfig mirrors the daemon defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 4, Base: time.Second}
}

// Do executes fn with bounded retries. A *vrchat.ErrUnauthorized aborts
// immediately so callers can stop rather than loop. A *vrchat.ErrRateLimit
// waits for the larger of the exponential backoff and the server-provided
// Retry-After before the next attempt. Any other error retries on the plain
// exponential schedule.
func Do(ctx context.Context, cfg Config, log zerolog.Logger, name string, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(cfg, attempt-1)
			var rl *vrchat.ErrRateLimit
			if errors.As(lastErr, &rl) && rl.RetryAfter > wait {
				wait = rl.RetryAfter
			}
			log.Warn().Str("op", name).Int("attempt", attempt).
				Dur("backoff", wait).Err(lastErr).Msg("retrying request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var unauthorized *vrchat.ErrUnauthorized
		if errors.As(err, &unauthorized) {
			return fmt.Errorf("%s: %w", name, err)
		}
		lastErr = err
	}
	return fmt.Errorf("%s: max attempts (%d) exceeded: %w", name, cfg.MaxAttempts, lastErr)
}

// DoValue is Do for functions that return a value.
func DoValue[T any](ctx context.Context, cfg Config, log zerolog.Logger, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, log, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// backoff computes exponential backoff with a max cap.
func backoff(cfg Config, retries int) time.Duration {
	multiplier := math.Pow(2, float64(retries))
	d := time.Duration(float64(cfg.Base) * multiplier)
	cap := cfg.Cap
	if cap == 0 {
		cap = 5 * time.Minute
	}
	if d > cap {
		d = cap
	}
	return d
}
