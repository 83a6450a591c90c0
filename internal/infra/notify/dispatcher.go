// Package notify delivers operator notifications off the caller's goroutine.
package notify

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/autotrader/internal/app/broker"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/observability"
	"github.com/coachpo/autotrader/internal/infra/telemetry"
	"github.com/coachpo/autotrader/lib/async"
)

const (
	defaultQueue       = 128
	defaultSendTimeout = 30 * time.Second
)

// DispatcherConfig sizes the delivery queue.
type DispatcherConfig struct {
	Queue       int
	SendTimeout time.Duration
}

// Dispatcher queues notifications for a single delivery worker so sends keep their order.
// Calls return once the notification is queued; delivery failures are logged.
type Dispatcher struct {
	next        broker.Notifier
	pool        *async.Pool
	sendTimeout time.Duration
	logger      *slog.Logger

	dispatched metric.Int64Counter
}

var _ broker.Notifier = (*Dispatcher)(nil)

// NewDispatcher wraps next. A nil next discards everything.
func NewDispatcher(next broker.Notifier, cfg DispatcherConfig, logger *slog.Logger) (*Dispatcher, error) {
	if next == nil {
		next = broker.NopNotifier{}
	}
	logger = observability.OrNop(logger).With(slog.String("component", "notify"))
	queue := cfg.Queue
	if queue <= 0 {
		queue = defaultQueue
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	pool, err := async.NewPool(1, queue, async.WithErrorHandler(func(err error) {
		logger.Warn("notification failed", observability.Err(err))
	}))
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{next: next, pool: pool, sendTimeout: timeout, logger: logger}
	d.dispatched, _ = otel.Meter("notify").Int64Counter("notify.dispatched",
		metric.WithDescription("Notifications queued for delivery"),
		metric.WithUnit("{notification}"))
	return d, nil
}

// NotifyFill implements broker.Notifier.
func (d *Dispatcher) NotifyFill(ctx context.Context, fill schema.Fill, name, account string) error {
	return d.enqueue(ctx, "fill", func(sendCtx context.Context) error {
		return d.next.NotifyFill(sendCtx, fill, name, account)
	})
}

// NotifyError implements broker.Notifier.
func (d *Dispatcher) NotifyError(ctx context.Context, title, message string) error {
	return d.enqueue(ctx, "error", func(sendCtx context.Context) error {
		return d.next.NotifyError(sendCtx, title, message)
	})
}

// NotifyBalance implements broker.Notifier.
func (d *Dispatcher) NotifyBalance(ctx context.Context, snapshot schema.BalanceSnapshot) error {
	snapshot = snapshot.Clone()
	return d.enqueue(ctx, "balance", func(sendCtx context.Context) error {
		return d.next.NotifyBalance(sendCtx, snapshot)
	})
}

func (d *Dispatcher) enqueue(ctx context.Context, kind string, send func(context.Context) error) error {
	err := d.pool.Submit(context.WithoutCancel(ctx), func(taskCtx context.Context) error {
		sendCtx, cancel := context.WithTimeout(taskCtx, d.sendTimeout)
		defer cancel()
		return send(sendCtx)
	})
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultRejected
		d.logger.Warn("notification dropped", slog.String("kind", kind), observability.Err(err))
	}
	if d.dispatched != nil {
		d.dispatched.Add(ctx, 1, metric.WithAttributes(
			telemetry.NotifyAttributes(telemetry.Environment(), kind, result)...))
	}
	return err
}

// Shutdown drains queued notifications.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.pool.Shutdown(ctx)
}
