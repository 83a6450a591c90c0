package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/domain/tradestore"
)

func trade(symbol string, side schema.Side, qty, price int64, at time.Time) schema.TradeRecord {
	return schema.NewTradeRecord("8101216911", schema.Fill{Symbol: symbol, Side: side, Quantity: qty, Price: price, At: at})
}

func TestMemoryTradeStoreListsNewestFirst(t *testing.T) {
	store := NewMemoryTradeStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	first := trade("005930", schema.SideBuy, 1, 100, base)
	second := trade("005930", schema.SideSell, 1, 110, base.Add(time.Minute))
	third := trade("035720", schema.SideBuy, 2, 50, base.Add(2*time.Minute))
	for _, tr := range []schema.TradeRecord{first, second, third} {
		require.NoError(t, store.RecordTrade(ctx, tr))
	}
	require.NoError(t, store.RecordTrade(ctx, first))

	all, err := store.ListTrades(ctx, tradestore.Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, third.ID, all[0].ID)

	filtered, err := store.ListTrades(ctx, tradestore.Query{Symbol: "005930", Side: schema.SideBuy})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, first.ID, filtered[0].ID)

	limited, err := store.ListTrades(ctx, tradestore.Query{Limit: 1, Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, third.ID, limited[0].ID)

	require.Error(t, store.RecordTrade(ctx, schema.TradeRecord{}))
}

type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStore) RecordTrade(context.Context, schema.TradeRecord) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("disk full")
}

func (f *failingStore) ListTrades(context.Context, tradestore.Query) ([]schema.TradeRecord, error) {
	return nil, nil
}

func TestRecorderPersistsAsynchronously(t *testing.T) {
	store := NewMemoryTradeStore()
	recorder, err := NewRecorder(store, RecorderConfig{Workers: 1, Queue: 4}, nil)
	require.NoError(t, err)

	recorder.RecordTrade(context.Background(), trade("005930", schema.SideBuy, 3, 1000, time.Time{}))
	require.NoError(t, recorder.Shutdown(context.Background()))

	trades, err := store.ListTrades(context.Background(), tradestore.Query{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, int64(3000), trades[0].TotalAmount)
}

func TestRecorderSwallowsStoreFailures(t *testing.T) {
	store := &failingStore{}
	recorder, err := NewRecorder(store, RecorderConfig{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	recorder.RecordTrade(ctx, trade("005930", schema.SideSell, 1, 1, time.Time{}))
	cancel()
	require.NoError(t, recorder.Shutdown(context.Background()))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 1, store.calls)
}

func TestRecorderAfterShutdownDropsQuietly(t *testing.T) {
	recorder, err := NewRecorder(NewMemoryTradeStore(), RecorderConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, recorder.Shutdown(context.Background()))
	recorder.RecordTrade(context.Background(), trade("005930", schema.SideBuy, 1, 1, time.Time{}))

	var nilRecorder *Recorder
	nilRecorder.RecordTrade(context.Background(), schema.TradeRecord{})
	require.NoError(t, nilRecorder.Shutdown(context.Background()))
}
