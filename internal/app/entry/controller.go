// Package entry turns condition-enter triggers into budget-sized market buys.
package entry

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/autotrader/internal/app/broker"
	"github.com/coachpo/autotrader/internal/app/tracker"
	"github.com/coachpo/autotrader/internal/app/watchlist"
	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/config"
	"github.com/coachpo/autotrader/internal/infra/observability"
	"github.com/coachpo/autotrader/internal/infra/telemetry"
	"github.com/coachpo/autotrader/lib/async"
)

const op = "entry/trigger"

// TradingConfigSource serves the current trading configuration.
type TradingConfigSource interface {
	Snapshot() config.TradingConfig
}

// Config sizes the deferred step pool.
type Config struct {
	Workers int
	Queue   int
	Logger  *slog.Logger
	Now     func() time.Time
}

// Controller decides whether and how much to buy on each condition-enter trigger.
// The trigger path only gates and schedules; pricing and submission run on a bounded pool.
type Controller struct {
	gateway   broker.Gateway
	positions *tracker.Tracker
	trading   TradingConfigSource
	view      *watchlist.View
	pool      *async.Pool
	logger    *slog.Logger
	now       func() time.Time

	outcomes     metric.Int64Counter
	stepDuration metric.Float64Histogram
}

type order struct {
	symbol  string
	account string
	budget  int64
	delay   time.Duration
}

// New constructs a controller.
func New(gateway broker.Gateway, positions *tracker.Tracker, trading TradingConfigSource, view *watchlist.View, cfg Config) (*Controller, error) {
	if gateway == nil || positions == nil || trading == nil {
		return nil, errs.New("entry/new", errs.CodeInvalid, errs.WithMessage("gateway, tracker and trading config required"))
	}
	logger := observability.OrNop(cfg.Logger).With(slog.String("component", "entry"))
	workers := cfg.Workers
	if workers <= 0 {
		workers = config.DefaultEntryWorkers
	}
	queue := cfg.Queue
	if queue < 0 {
		queue = config.DefaultEntryQueue
	}
	pool, err := async.NewPool(workers, queue, async.WithErrorHandler(func(err error) {
		logger.Error("entry step failed", observability.Err(err))
	}))
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		gateway:   gateway,
		positions: positions,
		trading:   trading,
		view:      view,
		pool:      pool,
		logger:    logger,
		now:       now,
	}
	meter := otel.Meter("entry")
	c.outcomes, _ = meter.Int64Counter("entry.outcomes",
		metric.WithDescription("Condition triggers by entry outcome"),
		metric.WithUnit("{trigger}"))
	c.stepDuration, _ = meter.Float64Histogram("entry.step.duration",
		metric.WithDescription("Latency of the deferred pricing and submission step"),
		metric.WithUnit("ms"))
	return c, nil
}

// HandleTrigger applies the entry policy to one trigger.
// It returns nil for ignored triggers and once the deferred step is scheduled.
// Skips come back as errs envelopes carrying a canonical code; duplicates use CanonicalDuplicate.
func (c *Controller) HandleTrigger(ctx context.Context, trigger schema.ConditionTrigger) error {
	symbol := schema.NormalizeSymbol(trigger.Symbol)
	if trigger.Kind != schema.ConditionEnter || symbol == "" {
		return nil
	}
	cfg := c.trading.Snapshot()
	if !cfg.AutoTrade {
		c.logger.Info("auto trading disabled; trigger skipped", slog.String("symbol", symbol))
		c.observe(ctx, "disabled")
		return nil
	}

	if !c.positions.Reserve(symbol) {
		reason := "already ordering"
		if record, ok := c.positions.Get(symbol); ok && record.Filled {
			reason = "already filled"
		}
		c.logger.Info(reason, slog.String("symbol", symbol))
		c.observe(ctx, string(errs.CanonicalDuplicate))
		return errs.New(op, errs.CodeConflict,
			errs.WithCanonicalCode(errs.CanonicalDuplicate),
			errs.WithMessage(reason),
			errs.WithField("symbol", symbol))
	}

	pending := order{symbol: symbol, account: cfg.Account, delay: cfg.EntryDelay}
	if err := c.preconditions(cfg, &pending); err != nil {
		c.positions.Release(symbol)
		c.logger.Warn("entry precondition failed",
			slog.String("symbol", symbol),
			slog.String("reason", string(errs.CanonicalOf(err))),
			observability.Err(err))
		c.view.Upsert(watchlist.Update{Symbol: symbol, Status: watchlist.StatusFailed, Detail: errs.MessageOf(err)})
		c.observe(ctx, string(errs.CanonicalOf(err)))
		return err
	}

	err := c.pool.Submit(ctx, func(taskCtx context.Context) error {
		c.step(taskCtx, pending)
		return nil
	})
	if err != nil {
		c.positions.Release(symbol)
		c.logger.Warn("entry step rejected", slog.String("symbol", symbol), observability.Err(err))
		c.view.Upsert(watchlist.Update{Symbol: symbol, Status: watchlist.StatusFailed, Detail: errs.MessageOf(err)})
		c.observe(ctx, "rejected")
		return err
	}
	return nil
}

func (c *Controller) preconditions(cfg config.TradingConfig, pending *order) error {
	if pending.account == "" {
		return errs.New(op, errs.CodePrecondition,
			errs.WithCanonicalCode(errs.CanonicalNoAccount),
			errs.WithMessage("no account selected"))
	}
	budget, ok := cfg.Budget()
	if !ok {
		return errs.New(op, errs.CodePrecondition,
			errs.WithCanonicalCode(errs.CanonicalNoBudget),
			errs.WithMessage("no budget configured"))
	}
	if budget <= 0 {
		return errs.New(op, errs.CodePrecondition,
			errs.WithCanonicalCode(errs.CanonicalInvalidBudget),
			errs.WithMessage("budget must be positive"),
			errs.WithField("budget", strconv.FormatInt(budget, 10)))
	}
	pending.budget = budget
	if cfg.Hours.Enforce {
		open, err := cfg.Hours.Contains(c.now())
		if err != nil || !open {
			opts := []errs.Option{
				errs.WithCanonicalCode(errs.CanonicalOutsideHours),
				errs.WithMessage("outside trading hours"),
			}
			if err != nil {
				opts = append(opts, errs.WithCause(err))
			}
			return errs.New(op, errs.CodePrecondition, opts...)
		}
	}
	return nil
}

// step waits out the entry delay, sizes the order from a fresh quote and submits it.
func (c *Controller) step(ctx context.Context, pending order) {
	if pending.delay > 0 {
		timer := time.NewTimer(pending.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.positions.Release(pending.symbol)
			c.observe(ctx, "cancelled")
			return
		case <-timer.C:
		}
	}

	start := time.Now()
	qty, err := c.buy(ctx, pending)
	if c.stepDuration != nil {
		c.stepDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}

	name := c.gateway.StockName(ctx, pending.symbol)
	if err != nil {
		c.positions.Release(pending.symbol)
		c.view.Upsert(watchlist.Update{Symbol: pending.symbol, Name: name, Status: watchlist.StatusFailed, Detail: errs.MessageOf(err)})
		c.observe(ctx, string(errs.CanonicalOf(err)))
		return
	}
	c.view.Upsert(watchlist.Update{Symbol: pending.symbol, Name: name, Quantity: qty, Status: watchlist.StatusPendingBuy})
	c.observe(ctx, "submitted")
}

func (c *Controller) buy(ctx context.Context, pending order) (int64, error) {
	symbol := slog.String("symbol", pending.symbol)
	price, err := c.gateway.CurrentPrice(ctx, pending.symbol)
	if err != nil || price <= 0 {
		opts := []errs.Option{
			errs.WithCanonicalCode(errs.CanonicalQuoteUnavailable),
			errs.WithMessage("quote unavailable"),
			errs.WithField("symbol", pending.symbol),
		}
		if err != nil {
			opts = append(opts, errs.WithCause(err))
		}
		c.logger.Warn("quote unavailable", symbol, slog.Int64("price", price), observability.Err(err))
		return 0, errs.New("entry/step", errs.CodeUnavailable, opts...)
	}

	qty := pending.budget / price
	if qty < 1 {
		c.logger.Warn("insufficient budget", symbol,
			slog.Int64("budget", pending.budget),
			slog.Int64("price", price))
		return 0, errs.New("entry/step", errs.CodePrecondition,
			errs.WithCanonicalCode(errs.CanonicalInsufficientBudget),
			errs.WithMessage("insufficient budget"),
			errs.WithField("symbol", pending.symbol))
	}

	if err := c.gateway.SubmitMarketBuy(ctx, pending.account, pending.symbol, qty); err != nil {
		c.logger.Error("market buy rejected", symbol, slog.Int64("quantity", qty), observability.Err(err))
		return 0, errs.New("entry/step", errs.CodeBroker,
			errs.WithMessage("market buy rejected"),
			errs.WithCause(err),
			errs.WithField("symbol", pending.symbol))
	}
	c.positions.RecordEntry(pending.symbol, pending.account, qty, 0)
	c.logger.Info("market buy submitted", symbol,
		slog.Int64("quantity", qty),
		slog.Int64("quote", price),
		slog.Int64("budget", pending.budget))
	return qty, nil
}

func (c *Controller) observe(ctx context.Context, result string) {
	if c.outcomes == nil {
		return
	}
	c.outcomes.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "entry", result)...))
}

// Shutdown stops intake and waits for scheduled steps.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.pool.Shutdown(ctx)
}
