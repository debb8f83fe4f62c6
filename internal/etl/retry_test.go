package etl

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fastPolicy(maxRetries int) RetryPolicy {
	p := DefaultReadPolicy(maxRetries)
	p.InitialInterval = time.Millisecond
	p.MaxInterval = 50 * time.Millisecond
	p.Jitter = 0
	return p
}

func classifyAs(class ErrorClass, hint time.Duration) Classifier {
	return func(error) (ErrorClass, time.Duration) { return class, hint }
}

func TestRetryRecoversWithIncreasingWaits(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	p := fastPolicy(5)
	p.Notify = func(_ int, class ErrorClass, _ error, wait time.Duration) {
		assert.Equal(t, ClassTransient, class)
		waits = append(waits, wait)
	}

	calls := 0
	got, err := Retry(context.Background(), p, classifyAs(ClassTransient, 0), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	require.Len(t, waits, 2)
	assert.Less(t, waits[0], waits[1])
}

func TestRetryExhaustsBudget(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), classifyAs(ClassTransient, 0), func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentIsNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), classifyAs(ClassPermanent, 0), func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})

	assert.Equal(t, errFlaky, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRateLimitHonorsHintAndOptionalIsUnbounded(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	p := fastPolicy(1).ForOptional()
	p.Notify = func(_ int, _ ErrorClass, _ error, wait time.Duration) { waits = append(waits, wait) }

	calls := 0
	_, err := Retry(context.Background(), p, classifyAs(ClassRateLimited, 5*time.Millisecond), func(context.Context) (int, error) {
		calls++
		if calls <= 4 {
			return 0, errFlaky
		}
		return 1, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	for _, w := range waits {
		assert.GreaterOrEqual(t, w, 5*time.Millisecond)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(100)
	p.InitialInterval = time.Hour
	p.MaxInterval = time.Hour
	p.Notify = func(int, ErrorClass, error, time.Duration) { cancel() }

	_, err := Retry(ctx, p, classifyAs(ClassTransient, 0), func(context.Context) (int, error) {
		return 0, errFlaky
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransientNetworkError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransientNetworkError(syscall.ECONNRESET))
	assert.False(t, IsTransientNetworkError(errors.New("unique constraint violated")))
	assert.False(t, IsTransientNetworkError(nil))
}
