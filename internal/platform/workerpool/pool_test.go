package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_ReturnsValue(t *testing.T) {
	p := New(2)
	defer func() { _ = p.Close(context.Background()) }()

	v, err := p.Do(context.Background(), func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDo_ReturnsError(t *testing.T) {
	p := New(1)
	defer func() { _ = p.Close(context.Background()) }()

	want := errors.New("db down")
	_, err := p.Do(context.Background(), func(context.Context) (any, error) {
		return nil, want
	})
	assert.ErrorIs(t, err, want)
}

func TestPool_NeverExceedsSize(t *testing.T) {
	const size = 3
	p := New(size)
	defer func() { _ = p.Close(context.Background()) }()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Do(context.Background(), func(context.Context) (any, error) {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.Positive(t, peak.Load())
}

func TestSubmit_BlocksUntilSlotOrContext(t *testing.T) {
	p := New(1)
	defer func() { _ = p.Close(context.Background()) }()

	release := make(chan struct{})
	_, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Submit(ctx, func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestSubmit_AfterClose(t *testing.T) {
	p := New(1)
	require.NoError(t, p.Close(context.Background()))

	_, err := p.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestClose_WaitsForInFlight(t *testing.T) {
	p := New(2)

	var finished atomic.Bool
	_, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, p.Close(context.Background()))
	assert.True(t, finished.Load())
}

func TestClose_TimeoutCancelsTasks(t *testing.T) {
	p := New(1)

	started := make(chan struct{})
	f, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Close(ctx))

	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	p := New(1)
	defer func() { _ = p.Close(context.Background()) }()

	release := make(chan struct{})
	defer close(release)
	f, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTask_PanicBecomesError(t *testing.T) {
	p := New(1)
	defer func() { _ = p.Close(context.Background()) }()

	_, err := p.Do(context.Background(), func(context.Context) (any, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// slot was released
	v, err := p.Do(context.Background(), func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
