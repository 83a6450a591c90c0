package entry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/autotrader/internal/app/broker/brokertest"
	"github.com/coachpo/autotrader/internal/app/tracker"
	"github.com/coachpo/autotrader/internal/app/watchlist"
	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/config"
)

type staticConfig struct {
	mu  sync.Mutex
	cfg config.TradingConfig
}

func (s *staticConfig) Snapshot() config.TradingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	gateway   *brokertest.Gateway
	positions *tracker.Tracker
	view      *watchlist.View
	trading   *staticConfig
	logs      *syncBuffer
	ctrl      *Controller
}

func budget(v int64) *config.Amount {
	amount := config.Amount(v)
	return &amount
}

func newFixture(t *testing.T, mutate func(*config.TradingConfig)) *fixture {
	t.Helper()
	cfg := config.DefaultTradingConfig()
	cfg.Account = "8101216911"
	cfg.EntryDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		gateway:   brokertest.New(),
		positions: tracker.New(),
		view:      watchlist.New(),
		trading:   &staticConfig{cfg: cfg},
		logs:      &syncBuffer{},
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctrl, err := New(f.gateway, f.positions, f.trading, f.view, Config{Workers: 2, Queue: 8, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Shutdown(context.Background()) })
	f.ctrl = ctrl
	return f
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.Shutdown(context.Background()))
}

func enter(symbol string) schema.ConditionTrigger {
	return schema.ConditionTrigger{Symbol: symbol, Kind: schema.ConditionEnter, ConditionName: "momentum"}
}

func TestBudgetSizedBuy(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.SetPrice("005930", 333_000)

	require.NoError(t, f.ctrl.HandleTrigger(context.Background(), enter("005930")))
	f.drain(t)

	orders := f.gateway.Orders()
	require.Len(t, orders, 1)
	require.Equal(t, brokertest.Order{Account: "8101216911", Symbol: "005930", Side: schema.SideBuy, Quantity: 3}, orders[0])

	record, ok := f.positions.Get("005930")
	require.True(t, ok)
	require.Equal(t, int64(3), record.Quantity)
	require.Zero(t, record.Price)
	require.False(t, record.Filled)

	row, ok := f.view.Get("005930")
	require.True(t, ok)
	require.Equal(t, watchlist.StatusPendingBuy, row.Status)
}

func TestInsufficientBudgetAbortsBuy(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.SetPrice("005930", 1_200_000)

	require.NoError(t, f.ctrl.HandleTrigger(context.Background(), enter("005930")))
	f.drain(t)

	require.Empty(t, f.gateway.Orders())
	require.False(t, f.positions.IsActive("005930"))
	require.Contains(t, f.logs.String(), "insufficient budget")
	row, ok := f.view.Get("005930")
	require.True(t, ok)
	require.Equal(t, watchlist.StatusFailed, row.Status)
}

func TestSizingLaw(t *testing.T) {
	cases := []struct {
		budget, price, want int64
	}{
		{1_000_000, 333_000, 3},
		{1_000_000, 1_000_000, 1},
		{999_999, 1_000_000, 0},
		{500_000, 7, 71_428},
	}
	for _, tc := range cases {
		f := newFixture(t, func(cfg *config.TradingConfig) { cfg.BudgetPerSymbol = budget(tc.budget) })
		f.gateway.SetPrice("005930", tc.price)
		require.NoError(t, f.ctrl.HandleTrigger(context.Background(), enter("A005930")))
		f.drain(t)

		orders := f.gateway.Orders()
		if tc.want == 0 {
			require.Empty(t, orders)
			continue
		}
		require.Len(t, orders, 1)
		require.Equal(t, tc.want, orders[0].Quantity)
	}
}

func TestQuoteUnavailableAbortsBuy(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.ctrl.HandleTrigger(context.Background(), enter("005930")))
	f.drain(t)
	require.Empty(t, f.gateway.Orders())
	require.False(t, f.positions.IsActive("005930"))

	g := newFixture(t, nil)
	g.gateway.PriceErr = errors.New("quote timeout")
	require.NoError(t, g.ctrl.HandleTrigger(context.Background(), enter("005930")))
	g.drain(t)
	require.Empty(t, g.gateway.Orders())
	require.Contains(t, g.logs.String(), "quote unavailable")
}

func TestSubmitFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.SetPrice("005930", 1000)
	f.gateway.SubmitErr = errors.New("rejected")

	require.NoError(t, f.ctrl.HandleTrigger(context.Background(), enter("005930")))
	f.drain(t)
	require.False(t, f.positions.IsActive("005930"))
	row, _ := f.view.Get("005930")
	require.Equal(t, watchlist.StatusFailed, row.Status)
}

func TestExitTriggersAreIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.SetPrice("005930", 1000)
	trigger := enter("005930")
	trigger.Kind = schema.ConditionExit

	require.NoError(t, f.ctrl.HandleTrigger(context.Background(), trigger))
	f.drain(t)
	require.Empty(t, f.gateway.Orders())
}

func TestFilledSymbolIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.SetPrice("005930", 1000)
	f.positions.RecordEntry("005930", "8101216911", 50, 0)
	f.positions.MarkFilled("005930")

	err := f.ctrl.HandleTrigger(context.Background(), enter("005930"))
	require.True(t, errs.Is(err, errs.CanonicalDuplicate))
	f.drain(t)
	require.Empty(t, f.gateway.Orders())
	require.Contains(t, f.logs.String(), "already filled")
}

func TestPendingSymbolIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.positions.RecordEntry("005930", "8101216911", 5, 0)

	err := f.ctrl.HandleTrigger(context.Background(), enter("005930"))
	require.True(t, errs.Is(err, errs.CanonicalDuplicate))
	require.Contains(t, f.logs.String(), "already ordering")
}

func TestDedupPersistsAfterZeroQuantityReconcile(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.SetPrice("005930", 1000)
	f.positions.Reconcile("8101216911", schema.BalanceSnapshot{Entries: []schema.BalanceEntry{{Symbol: "005930", Quantity: 50}}})
	f.positions.Reconcile("8101216911", schema.BalanceSnapshot{Entries: []schema.BalanceEntry{{Symbol: "005930", Quantity: 0}}})

	err := f.ctrl.HandleTrigger(context.Background(), enter("005930"))
	require.True(t, errs.Is(err, errs.CanonicalDuplicate))
	f.drain(t)
	require.Empty(t, f.gateway.Orders())
}

func TestNearSimultaneousTriggersBuyOnce(t *testing.T) {
	f := newFixture(t, func(cfg *config.TradingConfig) { cfg.EntryDelay = 20 * time.Millisecond })
	f.gateway.SetPrice("005930", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.ctrl.HandleTrigger(context.Background(), enter("005930"))
		}()
	}
	wg.Wait()
	f.drain(t)
	require.Len(t, f.gateway.Orders(), 1)
}

func TestPreconditionFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.TradingConfig)
		code   errs.CanonicalCode
	}{
		{"no account", func(cfg *config.TradingConfig) { cfg.Account = "" }, errs.CanonicalNoAccount},
		{"no budget", func(cfg *config.TradingConfig) { cfg.BudgetPerSymbol = nil }, errs.CanonicalNoBudget},
		{"zero budget", func(cfg *config.TradingConfig) { cfg.BudgetPerSymbol = budget(0) }, errs.CanonicalInvalidBudget},
		{"negative budget", func(cfg *config.TradingConfig) { cfg.BudgetPerSymbol = budget(-5) }, errs.CanonicalInvalidBudget},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.mutate)
			f.gateway.SetPrice("005930", 1000)

			err := f.ctrl.HandleTrigger(context.Background(), enter("005930"))
			require.Error(t, err)
			require.Equal(t, errs.CodePrecondition, errs.CodeOf(err))
			require.True(t, errs.Is(err, tc.code))
			require.False(t, f.positions.IsActive("005930"))
			row, ok := f.view.Get("005930")
			require.True(t, ok)
			require.Equal(t, watchlist.StatusFailed, row.Status)
			require.Equal(t, errs.MessageOf(err), row.Detail)
			f.drain(t)
			require.Empty(t, f.gateway.Orders())
		})
	}
}

func TestTradingHoursGate(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	f := newFixture(t, func(cfg *config.TradingConfig) { cfg.Hours.Enforce = true })
	f.ctrl.now = func() time.Time { return time.Date(2026, 3, 2, 16, 0, 0, 0, seoul) }
	err = f.ctrl.HandleTrigger(context.Background(), enter("005930"))
	require.True(t, errs.Is(err, errs.CanonicalOutsideHours))
	require.False(t, f.positions.IsActive("005930"))
	row, ok := f.view.Get("005930")
	require.True(t, ok)
	require.Equal(t, watchlist.StatusFailed, row.Status)
	require.Equal(t, "outside trading hours", row.Detail)

	f.gateway.SetPrice("005930", 1000)
	f.ctrl.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, seoul) }
	require.NoError(t, f.ctrl.HandleTrigger(context.Background(), enter("005930")))
	f.drain(t)
	require.Len(t, f.gateway.Orders(), 1)
}

func TestAutoTradeDisabledSkips(t *testing.T) {
	f := newFixture(t, func(cfg *config.TradingConfig) { cfg.AutoTrade = false })
	f.gateway.SetPrice("005930", 1000)

	require.NoError(t, f.ctrl.HandleTrigger(context.Background(), enter("005930")))
	f.drain(t)
	require.Empty(t, f.gateway.Orders())
	require.False(t, f.positions.IsActive("005930"))
}

func TestBudgetChangeAppliesToNextTrigger(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.SetPrice("005930", 100_000)
	f.gateway.SetPrice("000660", 100_000)

	require.NoError(t, f.ctrl.HandleTrigger(context.Background(), enter("005930")))
	f.trading.mu.Lock()
	f.trading.cfg.BudgetPerSymbol = budget(300_000)
	f.trading.mu.Unlock()
	require.NoError(t, f.ctrl.HandleTrigger(context.Background(), enter("000660")))
	f.drain(t)

	quantities := map[string]int64{}
	for _, o := range f.gateway.Orders() {
		quantities[o.Symbol] = o.Quantity
	}
	require.Equal(t, map[string]int64{"005930": 10, "000660": 3}, quantities)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, tracker.New(), &staticConfig{}, nil, Config{})
	require.Error(t, err)
}
