package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRuntimeStoreCutoffSigns(t *testing.T) {
	store, err := NewRuntimeStore(DefaultTradingConfig(), nil)
	require.NoError(t, err)

	cfg, err := store.SetLossCutoff(3)
	require.NoError(t, err)
	require.Equal(t, -3.0, cfg.LossCutoff)

	cfg, err = store.SetGainCutoff(-8)
	require.NoError(t, err)
	require.Equal(t, 8.0, cfg.GainCutoff)
	require.Equal(t, -3.0, store.Snapshot().LossCutoff)
}

func TestRuntimeStorePersistsEachAcceptedChange(t *testing.T) {
	var persisted []TradingConfig
	store, err := NewRuntimeStore(DefaultTradingConfig(), func(cfg TradingConfig) error {
		persisted = append(persisted, cfg)
		return nil
	})
	require.NoError(t, err)

	_, err = store.SetAccount(" 8101216911 ")
	require.NoError(t, err)
	_, err = store.SetMonitorInterval(30 * time.Second)
	require.NoError(t, err)
	_, err = store.SetMonitorInterval(5 * time.Millisecond)
	require.Error(t, err)

	require.Len(t, persisted, 2)
	require.Equal(t, "8101216911", persisted[0].Account)
	require.Equal(t, 30*time.Second, store.Snapshot().MonitorInterval)
}

func TestRuntimeStorePersistFailureRejectsChange(t *testing.T) {
	store, err := NewRuntimeStore(DefaultTradingConfig(), func(TradingConfig) error {
		return errors.New("disk full")
	})
	require.NoError(t, err)

	_, err = store.SetCondition("breakout")
	require.Error(t, err)
	require.Empty(t, store.Snapshot().Condition)
}

func TestRuntimeStoreBudget(t *testing.T) {
	store, err := NewRuntimeStore(DefaultTradingConfig(), nil)
	require.NoError(t, err)

	budget := Amount(0)
	cfg, err := store.SetBudget(&budget)
	require.NoError(t, err)
	value, ok := cfg.Budget()
	require.True(t, ok)
	require.Zero(t, value)

	budget = 10
	snapshot := store.Snapshot()
	require.Equal(t, Amount(0), *snapshot.BudgetPerSymbol, "store must not alias caller pointers")

	cfg, err = store.SetBudget(nil)
	require.NoError(t, err)
	_, ok = cfg.Budget()
	require.False(t, ok)
}

func TestRuntimeStoreSnapshotIsDetached(t *testing.T) {
	store, err := NewRuntimeStore(DefaultTradingConfig(), nil)
	require.NoError(t, err)

	snapshot := store.Snapshot()
	*snapshot.BudgetPerSymbol = 1
	value, _ := store.Snapshot().Budget()
	require.Equal(t, int64(DefaultBudgetPerSymbol), value)
}
