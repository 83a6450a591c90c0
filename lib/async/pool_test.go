package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/autotrader/internal/domain/errs"
)

func TestPoolSubmitAndShutdown(t *testing.T) {
	pool, err := NewPool(2, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var count atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(ctx, func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
	require.Equal(t, int32(4), count.Load())
}

func TestPoolCancelledSubmitContext(t *testing.T) {
	pool, err := NewPool(1, 0)
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = pool.Submit(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	pool, err := NewPool(1, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return nil }))

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolRejectsAfterClose(t *testing.T) {
	pool, err := NewPool(1, 1)
	require.NoError(t, err)
	pool.Close()
	pool.Close()

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	require.Contains(t, err.Error(), "pool closed")
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	var (
		mu       sync.Mutex
		reported []error
	)
	pool, err := NewPool(1, 2, WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	require.NoError(t, err)

	boom := errors.New("boom")
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return boom }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { panic("kaboom") }))
	require.NoError(t, pool.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	require.ErrorIs(t, reported[0], boom)
	require.Contains(t, reported[1].Error(), "kaboom")
}

func TestPoolInvalidInput(t *testing.T) {
	_, err := NewPool(0, 1)
	require.Error(t, err)

	pool, err := NewPool(1, 0)
	require.NoError(t, err)
	defer pool.Close()
	require.Error(t, pool.Submit(context.Background(), nil))
}

func TestShutdownTimeoutCancelsRunningTasks(t *testing.T) {
	pool, err := NewPool(1, 0)
	require.NoError(t, err)

	started := make(chan struct{})
	var cancelled atomic.Bool
	require.Eventually(t, func() bool {
		return pool.Submit(context.Background(), func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		}) == nil
	}, time.Second, time.Millisecond)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, pool.Shutdown(ctx))
	require.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}
