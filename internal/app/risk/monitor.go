package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
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
)

// ErrTickInFlight is returned when a tick starts while another is still running.
var ErrTickInFlight = errors.New("risk tick already in flight")

const alertTimeout = 10 * time.Second

// BalanceFetcher returns a reconciled snapshot for an account.
type BalanceFetcher interface {
	Fetch(ctx context.Context, account string) (schema.BalanceSnapshot, error)
}

// TradingConfigSource serves the current trading configuration.
type TradingConfigSource interface {
	Snapshot() config.TradingConfig
}

// Sell is a liquidation submitted during a tick.
type Sell struct {
	Symbol    string
	Quantity  int64
	ReturnPct decimal.Decimal
	Decision  Decision
}

// Report summarises one tick.
type Report struct {
	Evaluated int
	Sells     []Sell
	Failed    int
}

// Monitor periodically scans the portfolio and liquidates holdings crossing the cutoffs.
type Monitor struct {
	gateway   broker.Gateway
	positions *tracker.Tracker
	fetcher   BalanceFetcher
	trading   TradingConfigSource
	view      *watchlist.View
	notifier  broker.Notifier
	logger    *slog.Logger

	inFlight atomic.Bool

	decisions    metric.Int64Counter
	tickDuration metric.Float64Histogram
}

// Config configures a Monitor. Notifier receives failed liquidations and may be nil.
type Config struct {
	Logger   *slog.Logger
	View     *watchlist.View
	Notifier broker.Notifier
}

// NewMonitor constructs a Monitor.
func NewMonitor(gateway broker.Gateway, positions *tracker.Tracker, fetcher BalanceFetcher, trading TradingConfigSource, cfg Config) (*Monitor, error) {
	if gateway == nil || positions == nil || fetcher == nil || trading == nil {
		return nil, errs.New("risk/new", errs.CodeInvalid, errs.WithMessage("gateway, tracker, fetcher and trading config required"))
	}
	if cfg.Notifier == nil {
		cfg.Notifier = broker.NopNotifier{}
	}
	m := &Monitor{
		gateway:   gateway,
		positions: positions,
		fetcher:   fetcher,
		trading:   trading,
		view:      cfg.View,
		notifier:  cfg.Notifier,
		logger:    observability.OrNop(cfg.Logger).With(slog.String("component", "risk")),
	}
	meter := otel.Meter("risk")
	m.decisions, _ = meter.Int64Counter("risk.decisions",
		metric.WithDescription("Holdings evaluated by cutoff decision"),
		metric.WithUnit("{decision}"))
	m.tickDuration, _ = meter.Float64Histogram("risk.tick.duration",
		metric.WithDescription("Latency of one risk scan"),
		metric.WithUnit("ms"))
	return m, nil
}

// Run ticks until ctx is cancelled. The interval is re-read before every wait.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		interval := m.trading.Snapshot().MonitorInterval
		if interval <= 0 {
			interval = config.DefaultMonitorInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := m.Tick(ctx); err != nil {
			switch {
			case errors.Is(err, ErrTickInFlight):
				m.logger.Debug("risk tick skipped; previous tick running")
			case errs.CodeOf(err) == errs.CodePrecondition:
				m.logger.Info("risk tick skipped", observability.Err(err))
			case ctx.Err() != nil:
				return nil
			default:
				m.logger.Warn("risk tick failed", observability.Err(err))
			}
		}
	}
}

// Tick runs one scan. Overlapping calls return ErrTickInFlight without requesting a balance.
func (m *Monitor) Tick(ctx context.Context) (Report, error) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return Report{}, ErrTickInFlight
	}
	defer m.inFlight.Store(false)

	start := time.Now()
	defer func() {
		if m.tickDuration != nil {
			m.tickDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
		}
	}()

	cfg := m.trading.Snapshot()
	if cfg.Account == "" {
		return Report{}, errs.New("risk/tick", errs.CodePrecondition,
			errs.WithCanonicalCode(errs.CanonicalNoAccount),
			errs.WithMessage("no account selected"))
	}
	snapshot, err := m.fetcher.Fetch(ctx, cfg.Account)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, entry := range snapshot.Entries {
		if entry.Quantity <= 0 {
			continue
		}
		report.Evaluated++
		decision := Evaluate(entry.ReturnPct, cfg.LossCutoff, cfg.GainCutoff)
		m.observe(ctx, decision)
		if !decision.Sell() {
			continue
		}
		if record, ok := m.positions.Get(entry.Symbol); ok && record.SellSent {
			m.logger.Debug("liquidation already submitted this cycle", slog.String("symbol", entry.Symbol))
			continue
		}
		if err := m.gateway.SubmitMarketSell(ctx, cfg.Account, entry.Symbol, entry.Quantity); err != nil {
			report.Failed++
			m.logger.Error("liquidation sell failed",
				slog.String("symbol", entry.Symbol),
				slog.String("decision", string(decision)),
				observability.Err(err))
			m.alert(ctx, entry, decision, err)
			continue
		}
		m.positions.MarkSellSent(entry.Symbol)
		m.view.Upsert(watchlist.Update{
			Symbol:   entry.Symbol,
			Name:     entry.Name,
			Price:    entry.CurrentPrice,
			Quantity: entry.Quantity,
			Status:   watchlist.StatusPendingSell,
			Detail:   string(decision),
		})
		report.Sells = append(report.Sells, Sell{
			Symbol:    entry.Symbol,
			Quantity:  entry.Quantity,
			ReturnPct: entry.ReturnPct,
			Decision:  decision,
		})
		m.logger.Info("liquidation sell submitted",
			slog.String("symbol", entry.Symbol),
			slog.Int64("quantity", entry.Quantity),
			slog.String("return_pct", entry.ReturnPct.String()),
			slog.String("decision", string(decision)))
	}
	return report, nil
}

// alert reports a failed liquidation to the operator. Delivery failures are only logged.
func (m *Monitor) alert(ctx context.Context, entry schema.BalanceEntry, decision Decision, cause error) {
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	message := fmt.Sprintf("%s %s %d주 매도 실패: %v", entry.Symbol, decision, entry.Quantity, cause)
	if err := m.notifier.NotifyError(alertCtx, "손절/익절 매도 실패", message); err != nil {
		m.logger.Warn("liquidation alert failed", slog.String("symbol", entry.Symbol), observability.Err(err))
	}
}

func (m *Monitor) observe(ctx context.Context, decision Decision) {
	if m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		telemetry.DecisionAttributes(telemetry.Environment(), string(decision))...))
}
