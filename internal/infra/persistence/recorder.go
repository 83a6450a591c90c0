package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/domain/tradestore"
	"github.com/coachpo/autotrader/internal/infra/observability"
	"github.com/coachpo/autotrader/internal/infra/telemetry"
	"github.com/coachpo/autotrader/lib/async"
)

const defaultWriteTimeout = 5 * time.Second

// Recorder writes trades to a store on a bounded background pool.
// RecordTrade never blocks the caller and never returns store failures.
type Recorder struct {
	store        tradestore.Store
	pool         *async.Pool
	logger       *slog.Logger
	writeTimeout time.Duration

	recorded metric.Int64Counter
	once     sync.Once
}

// RecorderConfig sizes the recorder pool.
type RecorderConfig struct {
	Workers      int
	Queue        int
	WriteTimeout time.Duration
}

// NewRecorder constructs a recorder over store.
func NewRecorder(store tradestore.Store, cfg RecorderConfig, logger *slog.Logger) (*Recorder, error) {
	logger = observability.OrNop(logger).With(slog.String("component", "trade-recorder"))
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queue := cfg.Queue
	if queue <= 0 {
		queue = 256
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	pool, err := async.NewPool(workers, queue, async.WithErrorHandler(func(err error) {
		logger.Warn("trade record failed", observability.Err(err))
	}))
	if err != nil {
		return nil, err
	}
	r := &Recorder{store: store, pool: pool, logger: logger, writeTimeout: timeout}
	r.initMetrics()
	return r, nil
}

func (r *Recorder) initMetrics() {
	r.once.Do(func() {
		meter := otel.Meter("persistence.recorder")
		counter, err := meter.Int64Counter("trades.recorded",
			metric.WithDescription("Trades handed to the trade store"),
			metric.WithUnit("{trade}"))
		if err == nil {
			r.recorded = counter
		}
	})
}

// RecordTrade queues trade for persistence.
func (r *Recorder) RecordTrade(ctx context.Context, trade schema.TradeRecord) {
	if r == nil || r.store == nil {
		return
	}
	err := r.pool.Submit(context.WithoutCancel(ctx), func(taskCtx context.Context) error {
		writeCtx, cancel := context.WithTimeout(taskCtx, r.writeTimeout)
		defer cancel()
		err := r.store.RecordTrade(writeCtx, trade)
		r.observe(writeCtx, trade, err)
		return err
	})
	if err != nil {
		r.observe(ctx, trade, err)
		r.logger.Warn("trade record dropped",
			slog.String("symbol", trade.Symbol),
			slog.String("side", string(trade.Side)),
			observability.Err(err))
	}
}

func (r *Recorder) observe(ctx context.Context, trade schema.TradeRecord, err error) {
	if r.recorded == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "record_trade", result)
	attrs = append(attrs, telemetry.AttrOrderSide.String(string(trade.Side)))
	r.recorded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Shutdown drains queued writes.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.pool.Shutdown(ctx)
}
