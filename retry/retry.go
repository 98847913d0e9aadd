package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Octogonapus/FMBenchOrchestrator/util"
)

// Policy is a bounded retry policy. Attempts = MaxRetries + 1.
type Policy struct {
	MaxRetries    int
	Delay         time.Duration
	MaxDelay      time.Duration // 0 means no cap
	BackoffFactor float64       // values <= 1 give a fixed delay

	// Sleep waits between attempts. Defaults to util.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fixed returns a policy with a constant cool-down between attempts.
func Fixed(maxRetries int, delay time.Duration) *Policy {
	return &Policy{MaxRetries: maxRetries, Delay: delay, BackoffFactor: 1}
}

// ErrExhausted is wrapped by the error returned from Do when every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// Do calls fn until it succeeds, the attempts run out, or ctx is done. fn receives the
// 1-based attempt number. The number of attempts made is always returned.
func (p *Policy) Do(ctx context.Context, name string, fn func(attempt int) error) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = util.Sleep
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= p.MaxRetries+1; attempt++ {
		attempts = attempt
		lastErr = fn(attempt)
		if lastErr == nil {
			return attempts, nil
		}
		if attempt > p.MaxRetries {
			break
		}

		delay := p.delay(attempt)
		slog.Warn("attempt failed, retrying",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", p.MaxRetries+1),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)
		if err := sleep(ctx, delay); err != nil {
			return attempts, fmt.Errorf("%s: %w (last error: %v)", name, err, lastErr)
		}
	}
	return attempts, fmt.Errorf("%s: %w after %d attempts: %w", name, ErrExhausted, attempts, lastErr)
}

func (p *Policy) delay(attempt int) time.Duration {
	d := p.Delay
	if p.BackoffFactor > 1 {
		d = time.Duration(float64(p.Delay) * math.Pow(p.BackoffFactor, float64(attempt-1)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
