// Package session wires bus events to the trading components and exposes operator actions.
package session

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/autotrader/internal/app/broker"
	"github.com/coachpo/autotrader/internal/app/condition"
	"github.com/coachpo/autotrader/internal/app/entry"
	"github.com/coachpo/autotrader/internal/app/reconcile"
	"github.com/coachpo/autotrader/internal/app/risk"
	"github.com/coachpo/autotrader/internal/app/tracker"
	"github.com/coachpo/autotrader/internal/app/watchlist"
	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/bus/eventbus"
	"github.com/coachpo/autotrader/internal/infra/config"
	"github.com/coachpo/autotrader/internal/infra/observability"
)

const notifyTimeout = 10 * time.Second

// Deps lists the collaborators a Session drives. Notifier and Recorder may be nil.
type Deps struct {
	Gateway    broker.Gateway
	Bus        eventbus.Bus
	Tracker    *tracker.Tracker
	Entry      *entry.Controller
	Monitor    *risk.Monitor
	Fetcher    *reconcile.Fetcher
	Conditions *condition.Manager
	Watchlist  *watchlist.View
	Trading    *config.RuntimeStore
	Notifier   broker.Notifier
	Recorder   broker.TradeRecorder
	Logger     *slog.Logger
}

// Session routes gateway events into the core and serves operator actions.
type Session struct {
	gateway    broker.Gateway
	bus        eventbus.Bus
	positions  *tracker.Tracker
	entry      *entry.Controller
	monitor    *risk.Monitor
	fetcher    *reconcile.Fetcher
	conditions *condition.Manager
	view       *watchlist.View
	trading    *config.RuntimeStore
	notifier   broker.Notifier
	recorder   broker.TradeRecorder
	logger     *slog.Logger

	subscribed chan struct{}
	once       sync.Once
}

// New validates deps and builds a Session.
func New(deps Deps) (*Session, error) {
	if deps.Gateway == nil || deps.Bus == nil || deps.Tracker == nil || deps.Entry == nil ||
		deps.Monitor == nil || deps.Fetcher == nil || deps.Conditions == nil || deps.Trading == nil {
		return nil, errs.New("session/new", errs.CodeInvalid, errs.WithMessage("missing session dependency"))
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = broker.NopNotifier{}
	}
	view := deps.Watchlist
	if view == nil {
		view = watchlist.New()
	}
	s := &Session{
		gateway:    deps.Gateway,
		bus:        deps.Bus,
		positions:  deps.Tracker,
		entry:      deps.Entry,
		monitor:    deps.Monitor,
		fetcher:    deps.Fetcher,
		conditions: deps.Conditions,
		view:       view,
		trading:    deps.Trading,
		notifier:   notifier,
		recorder:   deps.Recorder,
		logger:     observability.OrNop(deps.Logger).With(slog.String("component", "session")),
		subscribed: make(chan struct{}),
	}
	s.positions.SetClearLiquidated(s.trading.Snapshot().ClearLiquidated)
	return s, nil
}

// Run consumes bus events and drives the risk loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	triggerID, triggers, err := s.bus.Subscribe(ctx, schema.EventTypeConditionTrigger)
	if err != nil {
		return err
	}
	defer s.bus.Unsubscribe(triggerID)
	fillID, fills, err := s.bus.Subscribe(ctx, schema.EventTypeOrderFilled)
	if err != nil {
		return err
	}
	defer s.bus.Unsubscribe(fillID)
	balanceID, balances, err := s.bus.Subscribe(ctx, schema.EventTypeBalanceReady)
	if err != nil {
		return err
	}
	defer s.bus.Unsubscribe(balanceID)
	s.once.Do(func() { close(s.subscribed) })

	var wg conc.WaitGroup
	wg.Go(func() {
		for evt := range triggers {
			s.onTrigger(ctx, evt)
		}
	})
	wg.Go(func() {
		for evt := range fills {
			s.onFill(ctx, evt)
		}
	})
	wg.Go(func() {
		for evt := range balances {
			s.onBalance(evt)
		}
	})
	wg.Go(func() {
		if err := s.monitor.Run(ctx); err != nil {
			s.logger.Error("risk monitor stopped", observability.Err(err))
		}
	})
	s.logger.Info("session running", slog.String("account", s.trading.Snapshot().Account))
	wg.Wait()
	return nil
}

// Subscribed is closed once Run has registered its bus subscriptions.
func (s *Session) Subscribed() <-chan struct{} {
	return s.subscribed
}

func (s *Session) onTrigger(ctx context.Context, evt *schema.Event) {
	trigger, ok := evt.Payload.(schema.ConditionTrigger)
	if !ok {
		s.logger.Warn("unexpected trigger payload", slog.String("event_id", evt.ID))
		return
	}
	err := s.entry.HandleTrigger(ctx, trigger)
	switch {
	case err == nil:
	case errs.Is(err, errs.CanonicalDuplicate):
		s.logger.Info("trigger skipped", slog.String("symbol", trigger.Symbol), slog.String("reason", errs.MessageOf(err)))
	default:
		s.logger.Warn("trigger not acted on", slog.String("symbol", trigger.Symbol), observability.Err(err))
	}
}

// HandleFill applies an execution notification. Notification and persistence failures never surface.
func (s *Session) HandleFill(ctx context.Context, fill schema.Fill) {
	fill.Symbol = schema.NormalizeSymbol(fill.Symbol)
	if fill.Quantity <= 0 || fill.Symbol == "" {
		return
	}
	account := s.trading.Snapshot().Account
	status := watchlist.StatusSold
	if fill.Side == schema.SideBuy {
		status = watchlist.StatusBought
		if !s.positions.MarkFilled(fill.Symbol) {
			s.logger.Info("untracked buy fill", slog.String("symbol", fill.Symbol), slog.Int64("quantity", fill.Quantity))
		}
	}
	name := s.gateway.StockName(ctx, fill.Symbol)
	s.view.Upsert(watchlist.Update{
		Symbol:   fill.Symbol,
		Name:     name,
		Price:    fill.Price,
		Quantity: fill.Quantity,
		Status:   status,
	})
	s.logger.Info("order filled",
		slog.String("symbol", fill.Symbol),
		slog.String("side", string(fill.Side)),
		slog.Int64("quantity", fill.Quantity),
		slog.Int64("price", fill.Price))

	if s.recorder != nil {
		s.recorder.RecordTrade(ctx, schema.NewTradeRecord(account, fill))
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.notifier.NotifyFill(notifyCtx, fill, name, account); err != nil {
		s.logger.Warn("fill notification failed", slog.String("symbol", fill.Symbol), observability.Err(err))
	}
}

func (s *Session) onFill(ctx context.Context, evt *schema.Event) {
	fill, ok := evt.Payload.(schema.Fill)
	if !ok {
		s.logger.Warn("unexpected fill payload", slog.String("event_id", evt.ID))
		return
	}
	s.HandleFill(ctx, fill)
}

// onBalance refreshes price and quantity on watched rows.
func (s *Session) onBalance(evt *schema.Event) {
	snapshot, ok := evt.Payload.(schema.BalanceSnapshot)
	if !ok {
		return
	}
	for _, entry := range snapshot.Held() {
		row, ok := s.view.Get(entry.Symbol)
		if !ok {
			continue
		}
		s.view.Upsert(watchlist.Update{
			Symbol:   entry.Symbol,
			Name:     entry.Name,
			Price:    entry.CurrentPrice,
			Quantity: entry.Quantity,
			Status:   row.Status,
			Detail:   row.Detail,
		})
	}
}

// Accounts lists the broker accounts.
func (s *Session) Accounts(ctx context.Context) ([]string, error) {
	accounts, err := s.gateway.Accounts(ctx)
	if err != nil {
		return nil, errs.New("session/accounts", errs.CodeBroker, errs.WithMessage("list accounts"), errs.WithCause(err))
	}
	return accounts, nil
}

// SelectAccount switches the trading account and reconciles it.
func (s *Session) SelectAccount(ctx context.Context, account string) (schema.BalanceSnapshot, error) {
	account = strings.TrimSpace(account)
	accounts, err := s.Accounts(ctx)
	if err != nil {
		return schema.BalanceSnapshot{}, err
	}
	if !slices.Contains(accounts, account) {
		return schema.BalanceSnapshot{}, errs.New("session/select-account", errs.CodeNotFound,
			errs.WithMessage("unknown account"),
			errs.WithField("account", account))
	}
	if _, err := s.trading.SetAccount(account); err != nil {
		return schema.BalanceSnapshot{}, errs.New("session/select-account", errs.CodeInvalid, errs.WithMessage("save account"), errs.WithCause(err))
	}
	s.logger.Info("account selected", slog.String("account", account))
	return s.fetcher.Fetch(ctx, account)
}

// RefreshBalance reconciles the current account and sends a balance summary.
func (s *Session) RefreshBalance(ctx context.Context) (schema.BalanceSnapshot, error) {
	snapshot, err := s.fetcher.Fetch(ctx, s.trading.Snapshot().Account)
	if err != nil {
		return schema.BalanceSnapshot{}, err
	}
	if err := s.notifier.NotifyBalance(ctx, snapshot); err != nil {
		s.logger.Warn("balance notification failed", observability.Err(err))
	}
	return snapshot, nil
}

// ManualSell submits an operator market sell for a tracked symbol.
func (s *Session) ManualSell(ctx context.Context, symbol string, qty int64) error {
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" || qty <= 0 {
		return errs.New("session/manual-sell", errs.CodeInvalid, errs.WithMessage("symbol and positive quantity required"))
	}
	account := s.trading.Snapshot().Account
	if account == "" {
		return errs.New("session/manual-sell", errs.CodePrecondition,
			errs.WithCanonicalCode(errs.CanonicalNoAccount),
			errs.WithMessage("no account selected"))
	}
	if !s.positions.IsActive(symbol) {
		return errs.New("session/manual-sell", errs.CodeNotFound,
			errs.WithMessage("symbol not tracked"),
			errs.WithField("symbol", symbol))
	}
	if err := s.gateway.SubmitMarketSell(ctx, account, symbol, qty); err != nil {
		return errs.New("session/manual-sell", errs.CodeBroker, errs.WithMessage("market sell rejected"), errs.WithCause(err))
	}
	s.positions.MarkSellSent(symbol)
	s.view.Upsert(watchlist.Update{Symbol: symbol, Quantity: qty, Status: watchlist.StatusPendingSell, Detail: "manual"})
	s.logger.Info("manual sell submitted", slog.String("symbol", symbol), slog.Int64("quantity", qty))
	return nil
}

// Trading returns the current trading configuration.
func (s *Session) Trading() config.TradingConfig {
	return s.trading.Snapshot()
}

// UpdateTrading replaces the trading configuration.
func (s *Session) UpdateTrading(cfg config.TradingConfig) (config.TradingConfig, error) {
	updated, err := s.trading.Replace(cfg)
	if err != nil {
		return config.TradingConfig{}, errs.New("session/update-trading", errs.CodeInvalid, errs.WithMessage(err.Error()), errs.WithCause(err))
	}
	s.positions.SetClearLiquidated(updated.ClearLiquidated)
	return updated, nil
}

// SetCutoffs stores -|loss| and |gain|.
func (s *Session) SetCutoffs(loss, gain float64) (config.TradingConfig, error) {
	return s.update("session/set-cutoffs", func(cfg *config.TradingConfig) {
		cfg.LossCutoff = loss
		cfg.GainCutoff = gain
	})
}

// SetLossCutoff stores -|v|.
func (s *Session) SetLossCutoff(v float64) (config.TradingConfig, error) {
	return s.update("session/set-loss-cutoff", func(cfg *config.TradingConfig) { cfg.LossCutoff = v })
}

// SetGainCutoff stores |v|.
func (s *Session) SetGainCutoff(v float64) (config.TradingConfig, error) {
	return s.update("session/set-gain-cutoff", func(cfg *config.TradingConfig) { cfg.GainCutoff = v })
}

// SetBudget stores the per-symbol budget.
func (s *Session) SetBudget(v int64) (config.TradingConfig, error) {
	return s.update("session/set-budget", func(cfg *config.TradingConfig) {
		amount := config.Amount(v)
		cfg.BudgetPerSymbol = &amount
	})
}

// SetMonitorInterval changes the risk scan period.
func (s *Session) SetMonitorInterval(d time.Duration) (config.TradingConfig, error) {
	return s.update("session/set-monitor-interval", func(cfg *config.TradingConfig) { cfg.MonitorInterval = d })
}

func (s *Session) update(op string, mutate func(*config.TradingConfig)) (config.TradingConfig, error) {
	updated, err := s.trading.Update(mutate)
	if err != nil {
		return config.TradingConfig{}, errs.New(op, errs.CodeInvalid, errs.WithMessage(err.Error()), errs.WithCause(err))
	}
	return updated, nil
}

// Positions returns tracked records sorted by symbol.
func (s *Session) Positions() []schema.PositionRecord {
	return s.positions.Snapshot()
}

// PendingOrders returns unfilled records.
func (s *Session) PendingOrders() []schema.PositionRecord {
	return s.positions.Pending()
}

// Watchlist returns the watched rows.
func (s *Session) Watchlist() []watchlist.Row {
	return s.view.Rows()
}

// Conditions exposes the condition manager.
func (s *Session) Conditions() *condition.Manager {
	return s.conditions
}
