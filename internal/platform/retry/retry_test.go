package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/minicom/internal/platform/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		ThrottleBackoff: 5 * time.Millisecond,
	}
}

func alwaysRetry(error) retry.Action { return retry.Retry }

func TestDo_SuccessFirstAttempt(t *testing.T) {
	calls := 0
	val, err := retry.Do(context.Background(), fastPolicy(), alwaysRetry, func(context.Context) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, val)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := retry.DoVoid(context.Background(), fastPolicy(), alwaysRetry, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	permanent := errors.New("bad credentials")
	calls := 0
	err := retry.DoVoid(context.Background(), fastPolicy(), func(error) retry.Action { return retry.Stop }, func(context.Context) error {
		calls++
		return permanent
	})

	var permErr *retry.PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustedRetries(t *testing.T) {
	underlying := errors.New("transient")
	calls := 0
	err := retry.DoVoid(context.Background(), fastPolicy(), alwaysRetry, func(context.Context) error {
		calls++
		return underlying
	})
	require.ErrorIs(t, err, underlying)
	assert.Equal(t, 3, calls)
}

func TestDo_ThrottleBackoffAndCap(t *testing.T) {
	var observed []time.Duration
	p := retry.Policy{
		MaxAttempts:     4,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		ThrottleBackoff: 3 * time.Millisecond,
		OnRetry: func(_ int, _ error, backoff time.Duration) {
			observed = append(observed, backoff)
		},
	}

	actions := []retry.Action{retry.Retry, retry.Retry, retry.After}
	i := 0
	classify := func(error) retry.Action {
		a := actions[i]
		i++
		return a
	}

	_ = retry.DoVoid(context.Background(), p, classify, func(context.Context) error {
		return errors.New("fail")
	})

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, observed)
}

func TestDo_FakeClockAdvancesBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := retry.Policy{MaxAttempts: 2, InitialBackoff: time.Minute, Clock: clock}

	done := make(chan error, 1)
	calls := 0
	go func() {
		done <- retry.DoVoid(context.Background(), p, alwaysRetry, func(context.Context) error {
			calls++
			if calls == 1 {
				return errors.New("not yet")
			}
			return nil
		})
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Minute)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("retry did not resume after clock advance")
	}
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancellationDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{MaxAttempts: 3, InitialBackoff: 10 * time.Second}

	calls := 0
	err := retry.DoVoid(ctx, p, alwaysRetry, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_InvalidPolicy(t *testing.T) {
	err := retry.DoVoid(context.Background(), retry.Policy{}, alwaysRetry, func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestTransient(t *testing.T) {
	assert.Equal(t, retry.Stop, retry.Transient(context.Canceled))
	assert.Equal(t, retry.Stop, retry.Transient(context.DeadlineExceeded))
	assert.Equal(t, retry.Retry, retry.Transient(errors.New("dial tcp: connection refused")))
}
