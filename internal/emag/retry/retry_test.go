package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioko18/magflow-erp-sub004/internal/emag"
)

// newTestRetrier отключает реальный сон и джиттер
func newTestRetrier(maxRetries int, baseDelay, maxDelay time.Duration) (*Retrier, *[]time.Duration) {
	var slept []time.Duration
	r := NewRetrier(maxRetries, baseDelay, maxDelay)
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	r.jitter = func(d time.Duration) time.Duration { return d }
	return r, &slept
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	r, slept := newTestRetrier(3, time.Second, 10*time.Second)
	calls := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	r, slept := newTestRetrier(3, time.Second, 10*time.Second)
	calls := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &emag.APIError{Kind: emag.KindServerError, StatusCode: 502}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// Первая выдержка - базовая, вторая удвоенная
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestDoStopsOnFatalError(t *testing.T) {
	r, slept := newTestRetrier(5, time.Second, 10*time.Second)
	calls := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &emag.APIError{Kind: emag.KindAuth, StatusCode: 401}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "fatal error must not be retried")
	assert.Empty(t, *slept)

	apiErr, ok := emag.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, emag.KindAuth, apiErr.Kind)
	assert.Equal(t, 1, apiErr.Attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	r, _ := newTestRetrier(3, time.Second, 10*time.Second)
	calls := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &emag.APIError{Kind: emag.KindRateLimited, StatusCode: 429}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)

	apiErr, ok := emag.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, 3, apiErr.Attempts, "exhausted error must carry the attempt count")
}

func TestDoNonAPIErrorIsFatal(t *testing.T) {
	r, _ := newTestRetrier(3, time.Second, 10*time.Second)
	calls := 0
	boom := errors.New("boom")

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	r := NewRetrier(5, time.Second, 10*time.Second)
	r.jitter = func(d time.Duration) time.Duration { return d }
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}
	calls := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &emag.APIError{Kind: emag.KindNetwork}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancelled context must stop further attempts")
}

func TestNextDelayOrdersProfile(t *testing.T) {
	// Профиль заказов: 3 попытки, база 1с, потолок 10с
	r := NewRetrier(3, time.Second, 10*time.Second)

	assert.Equal(t, time.Second, r.NextDelay(0))
	assert.Equal(t, 2*time.Second, r.NextDelay(1))
	assert.Equal(t, 4*time.Second, r.NextDelay(2))
	assert.Equal(t, 8*time.Second, r.NextDelay(3))
	assert.Equal(t, 10*time.Second, r.NextDelay(4), "delay must be capped")
	assert.Equal(t, 10*time.Second, r.NextDelay(10))
}

func TestNextDelayBulkProfile(t *testing.T) {
	// Профиль массовой синхронизации: 5 попыток, база 2с, потолок 30с
	r := NewRetrier(5, 2*time.Second, 30*time.Second)

	assert.Equal(t, 2*time.Second, r.NextDelay(0))
	assert.Equal(t, 16*time.Second, r.NextDelay(3))
	assert.Equal(t, 30*time.Second, r.NextDelay(4), "delay must be capped")
}
