package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	rec := &sleepRecorder{}
	p := Fixed(2, time.Minute)
	p.Sleep = rec.sleep

	calls := 0
	attempts, err := p.Do(context.Background(), "launch", func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return errors.New("no output")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "no output")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, rec.delays)
}

func TestDoSucceedsEventually(t *testing.T) {
	rec := &sleepRecorder{}
	p := Fixed(2, time.Second)
	p.Sleep = rec.sleep

	attempts, err := p.Do(context.Background(), "launch", func(attempt int) error {
		if attempt < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Len(t, rec.delays, 1)
}

func TestDoNoRetries(t *testing.T) {
	p := Fixed(0, time.Second)
	p.Sleep = func(context.Context, time.Duration) error {
		t.Fatal("should not sleep")
		return nil
	}
	attempts, err := p.Do(context.Background(), "once", func(int) error { return errors.New("boom") })
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoContextCancelledDuringCooldown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Fixed(5, time.Hour)
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	attempts, err := p.Do(ctx, "launch", func(int) error { return errors.New("boom") })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestBackoff(t *testing.T) {
	p := &Policy{MaxRetries: 4, Delay: time.Second, BackoffFactor: 2, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 4*time.Second, p.delay(3))
	assert.Equal(t, 5*time.Second, p.delay(4))
}
