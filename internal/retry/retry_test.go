package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/groupwarden/groupwarden/internal/vrchat"
	"github.com/rs/zerolog"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond}
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	log := zerolog.Nop()

	t.Run("success on first attempt", func(t *testing.T) {
		calls := 0
		err := Do(ctx, fastConfig(), log, "op", func(ctx context.Context) error {
			calls++
			return nil
		})
		if err != nil || calls != 1 {
			t.Fatalf("expected one clean call, got calls=%d err=%v", calls, err)
		}
	})

	t.Run("transient errors retry then succeed", func(t *testing.T) {
		calls := 0
		err := Do(ctx, fastConfig(), log, "op", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Fatalf("expected success on third call, got calls=%d err=%v", calls, err)
		}
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		calls := 0
		sentinel := errors.New("always fails")
		err := Do(ctx, fastConfig(), log, "op", func(ctx context.Context) error {
			calls++
			return sentinel
		})
		if calls != 3 {
			t.Fatalf("expected exactly MaxAttempts calls, got %d", calls)
		}
		if !errors.Is(err, sentinel) {
			t.Fatalf("final error should wrap the last failure: %v", err)
		}
	})

	t.Run("unauthorized fails fast without retry", func(t *testing.T) {
		calls := 0
		err := Do(ctx, fastConfig(), log, "op", func(ctx context.Context) error {
			calls++
			return &vrchat.ErrUnauthorized{Msg: "session expired"}
		})
		if calls != 1 {
			t.Fatalf("unauthorized must not retry, got %d calls", calls)
		}
		var unauthorized *vrchat.ErrUnauthorized
		if !errors.As(err, &unauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("rate limit honors retry-after", func(t *testing.T) {
		calls := 0
		start := time.Now()
		err := Do(ctx, fastConfig(), log, "op", func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return &vrchat.ErrRateLimit{RetryAfter: 30 * time.Millisecond}
			}
			return nil
		})
		if err != nil || calls != 2 {
			t.Fatalf("expected success on second call, got calls=%d err=%v", calls, err)
		}
		if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
			t.Fatalf("Retry-After not honored: elapsed %s", elapsed)
		}
	})

	t.Run("cancelled context aborts the wait", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		err := Do(cctx, Config{MaxAttempts: 3, Base: time.Second}, log, "op", func(ctx context.Context) error {
			calls++
			return errors.New("force a backoff wait")
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("expected cancellation during first backoff, got %d calls", calls)
		}
	})
}

func TestDoValue(t *testing.T) {
	ctx := context.Background()
	log := zerolog.Nop()

	t.Run("returns the value on success", func(t *testing.T) {
		got, err := DoValue(ctx, fastConfig(), log, "op", func(ctx context.Context) (int, error) {
			return 42, nil
		})
		if err != nil || got != 42 {
			t.Fatalf("expected 42, got %d err=%v", got, err)
		}
	})

	t.Run("returns zero value on exhaustion", func(t *testing.T) {
		got, err := DoValue(ctx, fastConfig(), log, "op", func(ctx context.Context) (string, error) {
			return "partial", errors.New("nope")
		})
		if err == nil || got != "" {
			t.Fatalf("expected zero value with error, got %q err=%v", got, err)
		}
	})
}

func TestBackoffCap(t *testing.T) {
	cfg := Config{Base: time.Second, Cap: 5 * time.Second}
	if got := backoff(cfg, 0); got != time.Second {
		t.Fatalf("first backoff should equal base, got %s", got)
	}
	if got := backoff(cfg, 1); got != 2*time.Second {
		t.Fatalf("second backoff should double, got %s", got)
	}
	if got := backoff(cfg, 10); got != 5*time.Second {
		t.Fatalf("backoff should cap at 5s, got %s", got)
	}

	// Zero cap defaults to five minutes.
	uncapped := Config{Base: time.Second}
	if got := backoff(uncapped, 20); got != 5*time.Minute {
		t.Fatalf("default cap should be 5m, got %s", got)
	}
}
