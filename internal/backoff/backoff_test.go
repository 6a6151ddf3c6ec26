package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/source"
)

var errBoom = errors.New("connection reset")

func TestDecide(t *testing.T) {
	c := NewController(DefaultConfig())

	tests := []struct {
		name       string
		err        error
		retryCount int
		wantKind   Kind
		wantDelay  time.Duration
		wantCount  int
	}{
		{"success resets count", nil, 3, Proceed, 0, 0},
		{"rate limited keeps count", source.RateLimited(0, errBoom), 2, RateLimitedWaitThenRetry, 5 * time.Second, 2},
		{"rate limited honours longer retry-after", source.RateLimited(30*time.Second, nil), 0, RateLimitedWaitThenRetry, 30 * time.Second, 0},
		{"rate limited ignores shorter retry-after", source.RateLimited(time.Second, nil), 0, RateLimitedWaitThenRetry, 5 * time.Second, 0},
		{"sentinel rate limited", source.ErrRateLimited, 1, RateLimitedWaitThenRetry, 5 * time.Second, 1},
		{"first transient failure", errBoom, 0, WaitThenRetry, time.Second, 1},
		{"fourth transient failure", errBoom, 3, WaitThenRetry, time.Second, 4},
		{"fifth transient failure fails", errBoom, 4, Fail, 0, 5},
		{"fatal fails immediately", source.Fatal(errBoom), 0, Fail, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Decide(tt.err, tt.retryCount)
			assert.Equal(t, tt.wantKind, d.Kind)
			assert.Equal(t, tt.wantDelay, d.Delay)
			assert.Equal(t, tt.wantCount, d.RetryCount)
			if tt.wantKind == Fail {
				var te *TerminalError
				require.ErrorAs(t, d.Err, &te)
				assert.ErrorIs(t, d.Err, errBoom)
			}
		})
	}
}

func TestTracker_RateLimitsNeverCount(t *testing.T) {
	tr := NewController(DefaultConfig()).Track(0)

	for i := 0; i < 50; i++ {
		d := tr.Observe(source.RateLimited(0, nil))
		require.True(t, d.RateLimited())
	}
	assert.Equal(t, 0, tr.RetryCount())

	tr.Observe(errBoom)
	tr.Observe(source.RateLimited(0, nil))
	assert.Equal(t, 1, tr.RetryCount())

	tr.Observe(nil)
	assert.Equal(t, 0, tr.RetryCount())
}

func TestTracker_FailsOnFifthConsecutiveFailure(t *testing.T) {
	tr := NewController(DefaultConfig()).Track(0)

	for i := 1; i <= 4; i++ {
		d := tr.Observe(errBoom)
		require.Equal(t, WaitThenRetry, d.Kind, "attempt %d", i)
	}
	d := tr.Observe(errBoom)
	require.Equal(t, Fail, d.Kind)
	assert.Contains(t, d.Err.Error(), "after 5 attempts")
}

func TestTracker_SeededCount(t *testing.T) {
	tr := NewController(DefaultConfig()).Track(4)
	assert.Equal(t, Fail, tr.Observe(errBoom).Kind)
}

func TestNewController_Defaults(t *testing.T) {
	c := NewController(Config{})
	assert.Equal(t, DefaultConfig(), c.Config())
}

func TestWait(t *testing.T) {
	t.Run("elapses", func(t *testing.T) {
		err := Wait(context.Background(), nil, time.Millisecond)
		assert.NoError(t, err)
	})

	t.Run("interrupted", func(t *testing.T) {
		interrupt := make(chan struct{})
		close(interrupt)
		start := time.Now()
		err := Wait(context.Background(), interrupt, time.Hour)
		assert.ErrorIs(t, err, ErrInterrupted)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Wait(ctx, nil, time.Hour)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("zero delay", func(t *testing.T) {
		assert.NoError(t, Wait(context.Background(), nil, 0))
	})
}
