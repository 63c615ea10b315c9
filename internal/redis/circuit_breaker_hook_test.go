package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(context.Context, goredis.Cmder) error    { return errors.New("connection refused") }
func succeeding(context.Context, goredis.Cmder) error { return nil }

func TestCircuitBreakerHook_StaysClosedOnSuccess(t *testing.T) {
	hook := NewCircuitBreakerHook("redis-test", time.Minute)
	ctx := context.Background()

	process := hook.ProcessHook(succeeding)
	for range 10 {
		require.NoError(t, process(ctx, goredis.NewStringCmd(ctx, "get", "key")))
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpensAndFailsFast(t *testing.T) {
	hook := NewCircuitBreakerHook("redis-test", time.Minute)
	ctx := context.Background()

	process := hook.ProcessHook(failing)
	for range 5 {
		_ = process(ctx, goredis.NewStringCmd(ctx, "publish", "ch", "x"))
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())

	called := false
	process = hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		called = true
		return nil
	})
	cmd := goredis.NewIntCmd(ctx, "publish", "ch", "x")
	err := process(ctx, cmd)

	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, cmd.Err(), circuitbreaker.ErrOpen)
	assert.False(t, called, "redis must not be called while open")
}

func TestCircuitBreakerHook_NilIsNotAFailure(t *testing.T) {
	hook := NewCircuitBreakerHook("redis-test", time.Minute)
	ctx := context.Background()

	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })
	for range 10 {
		err := process(ctx, goredis.NewStringCmd(ctx, "get", "missing"))
		assert.ErrorIs(t, err, goredis.Nil)
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_RecoversAfterDelay(t *testing.T) {
	hook := NewCircuitBreakerHook("redis-test", 50*time.Millisecond)
	ctx := context.Background()

	process := hook.ProcessHook(failing)
	for range 5 {
		_ = process(ctx, goredis.NewStringCmd(ctx, "get", "key"))
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())

	time.Sleep(100 * time.Millisecond)

	process = hook.ProcessHook(succeeding)
	require.NoError(t, process(ctx, goredis.NewStringCmd(ctx, "get", "key")))
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_PipelineFailsFastWhenOpen(t *testing.T) {
	hook := NewCircuitBreakerHook("redis-test", time.Minute)
	ctx := context.Background()

	process := hook.ProcessHook(failing)
	for range 5 {
		_ = process(ctx, goredis.NewStringCmd(ctx, "get", "key"))
	}

	pipeline := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return nil })
	err := pipeline(ctx, nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}
