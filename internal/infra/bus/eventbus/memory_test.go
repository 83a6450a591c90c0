package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

func fillEvent(symbol string, qty int64) *schema.Event {
	return schema.NewOrderFilledEvent("test", schema.Fill{Symbol: symbol, Side: schema.SideBuy, Quantity: qty, Price: 1000})
}

func receive(t *testing.T, ch <-chan *schema.Event) *schema.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()

	require.NoError(t, bus.Publish(context.Background(), fillEvent("005930", 1)))
	require.NoError(t, bus.Publish(context.Background(), nil))
}

func TestMemoryBusRejectsInvalidType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	err := bus.Publish(context.Background(), &schema.Event{Type: "Ticker"})
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	_, _, err = bus.Subscribe(context.Background(), "")
	require.Error(t, err)
}

func TestMemoryBusFansOutToEverySubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4, FanoutWorkers: 2})
	defer bus.Close()

	ctx := context.Background()
	_, first, err := bus.Subscribe(ctx, schema.EventTypeOrderFilled)
	require.NoError(t, err)
	_, second, err := bus.Subscribe(ctx, schema.EventTypeOrderFilled)
	require.NoError(t, err)
	_, other, err := bus.Subscribe(ctx, schema.EventTypeConditionTrigger)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, fillEvent("005930", 3)))

	for _, ch := range []<-chan *schema.Event{first, second} {
		evt := receive(t, ch)
		require.Equal(t, schema.EventTypeOrderFilled, evt.Type)
		require.NotEmpty(t, evt.ID)
		fill, ok := evt.Payload.(schema.Fill)
		require.True(t, ok)
		require.Equal(t, int64(3), fill.Quantity)
	}
	select {
	case evt := <-other:
		t.Fatalf("unexpected event on trigger subscription: %+v", evt)
	default:
	}
}

func balanceEvent(qty int64) *schema.Event {
	return schema.NewBalanceReadyEvent("test", schema.BalanceSnapshot{Entries: []schema.BalanceEntry{{Symbol: "005930", Quantity: qty}}})
}

func TestMemoryBusDropsOldestBalanceWhenBufferFull(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2, FanoutWorkers: 1})
	defer bus.Close()

	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx, schema.EventTypeBalanceReady)
	require.NoError(t, err)

	for qty := int64(1); qty <= 3; qty++ {
		require.NoError(t, bus.Publish(ctx, balanceEvent(qty)))
	}

	got := []int64{
		receive(t, ch).Payload.(schema.BalanceSnapshot).Entries[0].Quantity,
		receive(t, ch).Payload.(schema.BalanceSnapshot).Entries[0].Quantity,
	}
	require.Equal(t, []int64{2, 3}, got)
}

func TestMemoryBusKeepsEveryFillWhenBufferFull(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1, FanoutWorkers: 1})
	defer bus.Close()

	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx, schema.EventTypeOrderFilled)
	require.NoError(t, err)

	published := make(chan error, 1)
	go func() {
		for qty := int64(1); qty <= 3; qty++ {
			if err := bus.Publish(ctx, fillEvent("005930", qty)); err != nil {
				published <- err
				return
			}
		}
		published <- nil
	}()

	var got []int64
	for range 3 {
		got = append(got, receive(t, ch).Payload.(schema.Fill).Quantity)
	}
	require.NoError(t, <-published)
	require.Equal(t, []int64{1, 2, 3}, got)
}

func TestMemoryBusTriggerWaitsUntilContextEnds(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1, FanoutWorkers: 1})
	defer bus.Close()

	_, ch, err := bus.Subscribe(context.Background(), schema.EventTypeConditionTrigger)
	require.NoError(t, err)
	trigger := func(symbol string) *schema.Event {
		return schema.NewConditionTriggerEvent("test", schema.ConditionTrigger{Symbol: symbol, Kind: schema.ConditionEnter})
	}
	require.NoError(t, bus.Publish(context.Background(), trigger("005930")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = bus.Publish(ctx, trigger("035720"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Equal(t, "005930", receive(t, ch).Symbol)
}

func TestMemoryBusCloseReleasesBlockedPublisher(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1, FanoutWorkers: 1})
	_, _, err := bus.Subscribe(context.Background(), schema.EventTypeOrderFilled)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), fillEvent("005930", 1)))

	published := make(chan error, 1)
	go func() { published <- bus.Publish(context.Background(), fillEvent("005930", 2)) }()
	time.Sleep(10 * time.Millisecond)
	bus.Close()

	select {
	case err := <-published:
		require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after Close")
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), schema.EventTypeBalanceReady)
	require.NoError(t, err)
	bus.Unsubscribe(id)
	bus.Unsubscribe(id)

	_, ok := <-ch
	require.False(t, ok)
	require.NoError(t, bus.Publish(context.Background(), schema.NewBalanceReadyEvent("test", schema.BalanceSnapshot{})))
}

func TestMemoryBusContextCancelRemovesSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, schema.EventTypeOrderFilled)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryBusCloseRejectsFurtherUse(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	_, ch, err := bus.Subscribe(context.Background(), schema.EventTypeOrderFilled)
	require.NoError(t, err)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	require.False(t, ok)

	err = bus.Publish(context.Background(), fillEvent("005930", 1))
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
	_, _, err = bus.Subscribe(context.Background(), schema.EventTypeOrderFilled)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}
