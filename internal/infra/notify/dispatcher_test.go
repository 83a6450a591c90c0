package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/autotrader/internal/app/broker/brokertest"
	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// blockingNotifier holds every fill until release is closed.
type blockingNotifier struct {
	brokertest.Notifier
	started chan struct{}
	release chan struct{}
}

func (b *blockingNotifier) NotifyFill(ctx context.Context, fill schema.Fill, name, account string) error {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Notifier.NotifyFill(ctx, fill, name, account)
}

func fill(symbol string) schema.Fill {
	return schema.Fill{Symbol: symbol, Side: schema.SideBuy, Quantity: 1, Price: 1000}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	next := &brokertest.Notifier{}
	d, err := NewDispatcher(next, DispatcherConfig{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.NotifyFill(ctx, fill("005930"), "삼성전자", "8101216911"))
	require.NoError(t, d.NotifyError(ctx, "title", "message"))
	require.NoError(t, d.NotifyFill(ctx, fill("035720"), "카카오", "8101216911"))
	require.NoError(t, d.NotifyBalance(ctx, schema.BalanceSnapshot{Entries: []schema.BalanceEntry{{Symbol: "005930"}}}))
	require.NoError(t, d.Shutdown(ctx))

	fills := next.Fills()
	require.Len(t, fills, 2)
	require.Equal(t, "005930", fills[0].Symbol)
	require.Equal(t, "035720", fills[1].Symbol)
	require.Equal(t, []brokertest.Alert{{Title: "title", Message: "message"}}, next.Alerts())
	require.Len(t, next.Balances(), 1)
}

func TestDispatcherDoesNotBlockOnSlowDelivery(t *testing.T) {
	next := &blockingNotifier{started: make(chan struct{}, 1), release: make(chan struct{})}
	d, err := NewDispatcher(next, DispatcherConfig{Queue: 1}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.NotifyFill(ctx, fill("005930"), "", ""))
	select {
	case <-next.started:
	case <-time.After(time.Second):
		t.Fatal("first notification never reached the notifier")
	}

	returned := make(chan error, 1)
	go func() { returned <- d.NotifyFill(ctx, fill("035720"), "", "") }()
	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("NotifyFill blocked behind a slow delivery")
	}

	err = d.NotifyFill(ctx, fill("000660"), "", "")
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))

	close(next.release)
	require.NoError(t, d.Shutdown(ctx))
	require.Len(t, next.Fills(), 2)
}

func TestDispatcherOutlivesCallerContext(t *testing.T) {
	next := &brokertest.Notifier{}
	d, err := NewDispatcher(next, DispatcherConfig{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.NotifyError(ctx, "title", "message"))
	cancel()
	require.NoError(t, d.Shutdown(context.Background()))
	require.Len(t, next.Alerts(), 1)
}

func TestDispatcherSwallowsDeliveryFailure(t *testing.T) {
	next := &brokertest.Notifier{Err: errors.New("webhook down")}
	d, err := NewDispatcher(next, DispatcherConfig{SendTimeout: time.Second}, nil)
	require.NoError(t, err)

	require.NoError(t, d.NotifyFill(context.Background(), fill("005930"), "", ""))
	require.NoError(t, d.Shutdown(context.Background()))
	require.Len(t, next.Fills(), 1)
}

func TestDispatcherNilNextDiscards(t *testing.T) {
	d, err := NewDispatcher(nil, DispatcherConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, d.NotifyFill(context.Background(), fill("005930"), "", ""))
	require.NoError(t, d.Shutdown(context.Background()))
}
