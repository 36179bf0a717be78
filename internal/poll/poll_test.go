package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUntilDone(t *testing.T) {
	calls := 0
	err := Until(context.Background(), Config{Interval: time.Millisecond, MaxAttempts: 5, Timeout: time.Second},
		func(ctx context.Context, attempt int) (bool, error) {
			calls++
			return attempt == 3, nil
		})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestUntilExhausted(t *testing.T) {
	calls := 0
	err := Until(context.Background(), Config{Interval: time.Millisecond, MaxAttempts: 4, Timeout: time.Second},
		func(ctx context.Context, attempt int) (bool, error) {
			calls++
			return false, nil
		})

	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 4, calls)
}

func TestUntilStopsOnError(t *testing.T) {
	boom := errors.New("receipt reverted")
	calls := 0
	err := Until(context.Background(), Config{Interval: time.Millisecond, MaxAttempts: 10, Timeout: time.Second},
		func(ctx context.Context, attempt int) (bool, error) {
			calls++
			return false, boom
		})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestUntilTimeout(t *testing.T) {
	err := Until(context.Background(), Config{Interval: 50 * time.Millisecond, MaxAttempts: 1000, Timeout: 20 * time.Millisecond},
		func(ctx context.Context, attempt int) (bool, error) {
			return false, nil
		})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Until(ctx, Config{Interval: time.Second, MaxAttempts: 3, Timeout: time.Minute},
		func(ctx context.Context, attempt int) (bool, error) {
			return false, nil
		})

	assert.ErrorIs(t, err, context.Canceled)
}
