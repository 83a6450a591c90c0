package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/observability"
	"github.com/coachpo/autotrader/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of the event bus.
// Each subscriber receives its own shallow copy of the envelope; payloads are shared and treated as immutable.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.EventType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64
	workers      int

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryErrorCounter   metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryBlockedCounter metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *schema.Event

	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.logger = observability.OrNop(cfg.Logger).With(slog.String("component", "eventbus"))
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[schema.EventType]map[SubscriptionID]*subscriber)
	bus.workers = cfg.FanoutWorkers

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryErrorCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of event delivery errors"),
		metric.WithUnit("{error}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryBlockedCounter, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of deliveries that met a full subscriber buffer"),
		metric.WithUnit("{event}"))

	return bus
}

// Publish fans the event out to all subscribers of its type.
// Trading events wait for buffer space until ctx ends; a full BalanceReady buffer drops its oldest event.
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if err := evt.Type.Validate(); err != nil {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("invalid event type"), errs.WithCause(err))
	}
	if err := b.ctx.Err(); err != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.EmittedAt.IsZero() {
		evt.EmittedAt = time.Now().UTC()
	}

	eventType := string(evt.Type)
	start := time.Now()
	result := telemetry.ResultSuccess
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "eventbus.publish", result)
			attrs = append(attrs, telemetry.AttrEventType.String(eventType))
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	subMap := b.subscribers[evt.Type]
	subscribers := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	attrs := telemetry.EventAttributes(telemetry.Environment(), eventType, evt.Symbol)
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(subscribers)), metric.WithAttributes(attrs...))
	}
	if len(subscribers) == 0 {
		result = "no_subscribers"
		return nil
	}

	if err := b.dispatch(ctx, subscribers, evt); err != nil {
		if b.deliveryErrorCounter != nil {
			b.deliveryErrorCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, telemetry.AttrErrorType.String(string(errs.CodeOf(err))))...))
		}
		result = "dispatch_failed"
		return err
	}

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return nil
}

// Subscribe registers for events of the given type and returns a subscription ID and channel.
// The channel is closed on Unsubscribe, Close, or when ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan *schema.Event, error) {
	if err := typ.Validate(); err != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("invalid event type"), errs.WithCause(err))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ctx.Err(); err != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan *schema.Event, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrEventType.String(string(typ))))
	}

	go b.observe(typ, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			b.removeLocked(typ, id)
			b.mu.Unlock()
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		var closing []*subscriber
		for typ, subs := range b.subscribers {
			for id, sub := range subs {
				closing = append(closing, sub)
				b.removeLocked(typ, id)
			}
		}
		b.mu.Unlock()
		for _, sub := range closing {
			sub.close()
		}
	})
}

func (b *MemoryBus) removeLocked(typ schema.EventType, id SubscriptionID) {
	subs := b.subscribers[typ]
	if subs == nil {
		return
	}
	if _, ok := subs[id]; !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subscribers, typ)
	}
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrEventType.String(string(typ))))
	}
}

func (b *MemoryBus) observe(typ schema.EventType, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	if stored, ok := b.subscribers[typ][id]; ok && stored == sub {
		b.removeLocked(typ, id)
	}
	b.mu.Unlock()
	sub.close()
}

// lossless reports whether events of typ must never be evicted.
// Balances are superseded by the next snapshot; triggers and fills are not.
func lossless(typ schema.EventType) bool {
	switch typ {
	case schema.EventTypeConditionTrigger, schema.EventTypeOrderFilled:
		return true
	default:
		return false
	}
}

// deliver hands evt to one subscriber. Lossless types wait for space; others evict the oldest buffered event.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt *schema.Event) error {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed || sub.ctx.Err() != nil {
		return nil
	}
	select {
	case <-b.ctx.Done():
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	case sub.ch <- evt:
		return nil
	default:
	}

	if lossless(evt.Type) {
		return b.wait(ctx, sub, evt)
	}

	select {
	case <-sub.ch:
	default:
	}
	b.logger.Warn("subscriber buffer full; dropped oldest event",
		slog.String("event_type", string(evt.Type)),
		slog.String("symbol", evt.Symbol))
	if b.deliveryBlockedCounter != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Symbol)
		b.deliveryBlockedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

// wait blocks until sub has room, the subscriber goes away, or ctx or the bus ends.
// Callers hold sub.mu for reading; close cancels sub.ctx before taking the write lock.
func (b *MemoryBus) wait(ctx context.Context, sub *subscriber, evt *schema.Event) error {
	if b.deliveryBlockedCounter != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.Symbol)
		b.deliveryBlockedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	b.logger.Debug("subscriber buffer full; waiting",
		slog.String("event_type", string(evt.Type)),
		slog.String("symbol", evt.Symbol))
	select {
	case sub.ch <- evt:
		return nil
	case <-sub.ctx.Done():
		return nil
	case <-b.ctx.Done():
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		b.logger.Warn("subscriber buffer full; event not delivered",
			slog.String("event_type", string(evt.Type)),
			slog.String("symbol", evt.Symbol))
		return fmt.Errorf("deliver context: %w", ctx.Err())
	}
}

// dispatch delivers one envelope copy per subscriber on a bounded conc pool.
func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, evt *schema.Event) error {
	workerLimit := b.workers
	if workerLimit <= 0 {
		workerLimit = 1
	}

	p := concpool.New().WithErrors().WithMaxGoroutines(workerLimit)
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		target := sub
		clone := *evt
		p.Go(func() error {
			return b.deliver(ctx, target, &clone)
		})
	}
	return p.Wait()
}

func (s *subscriber) close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
