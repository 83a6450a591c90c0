package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

func TestBalanceFutureFirstResolutionWins(t *testing.T) {
	f := NewBalanceFuture()
	snapshot := schema.BalanceSnapshot{Account: "acct", Entries: []schema.BalanceEntry{{Symbol: "005930", Quantity: 2}}}

	require.True(t, f.Resolve(snapshot))
	require.False(t, f.Fail(errors.New("late")))
	require.False(t, f.Resolve(schema.BalanceSnapshot{Account: "other"}))

	got, err := f.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, "acct", got.Account)
	require.Len(t, got.Entries, 1)
}

func TestBalanceFutureFailure(t *testing.T) {
	boom := errors.New("boom")
	f := FailedBalanceFuture(boom)
	require.False(t, f.Resolve(schema.BalanceSnapshot{}))

	_, err := f.Await(context.Background())
	require.ErrorIs(t, err, boom)

	select {
	case <-f.Done():
	default:
		t.Fatal("future should be done")
	}
}

func TestBalanceFutureAwaitHonoursContext(t *testing.T) {
	f := NewBalanceFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBalanceFutureConcurrentResolvers(t *testing.T) {
	f := NewBalanceFuture()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var won bool
			if i%2 == 0 {
				won = f.Resolve(schema.BalanceSnapshot{})
			} else {
				won = f.Fail(errors.New("x"))
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestResolvedSnapshotIsIsolated(t *testing.T) {
	f := NewBalanceFuture()
	entries := []schema.BalanceEntry{{Symbol: "005930", Quantity: 2}}
	f.Resolve(schema.BalanceSnapshot{Entries: entries})
	entries[0].Quantity = 9

	got, err := f.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Entries[0].Quantity)
}
