package paper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/config"
)

type capture struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (c *capture) Publish(_ context.Context, evt *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *capture) snapshot() []*schema.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*schema.Event(nil), c.events...)
}

func newGateway(t *testing.T) (*Gateway, *capture) {
	t.Helper()
	pub := &capture{}
	g := New(config.PaperConfig{
		Accounts:   []string{"acct"},
		Conditions: []string{"momentum", "breakout"},
		Names:      map[string]string{"005930": "Samsung Electronics"},
		Prices:     map[string]int64{"A005930": 70_000, "035720": 50_000},
		Holdings:   []config.PaperHolding{{Symbol: "035720", Quantity: 10, CostBasis: 40_000}},
	}, pub, nil)
	t.Cleanup(g.Close)
	return g, pub
}

func TestBuyFillsAndUpdatesBalance(t *testing.T) {
	g, pub := newGateway(t)
	ctx := context.Background()

	require.NoError(t, g.SubmitMarketBuy(ctx, "acct", "005930", 3))
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, time.Millisecond)

	evt := pub.snapshot()[0]
	require.Equal(t, schema.EventTypeOrderFilled, evt.Type)
	fill := evt.Payload.(schema.Fill)
	require.Equal(t, int64(70_000), fill.Price)
	require.Equal(t, schema.SideBuy, fill.Side)

	snapshot, err := g.RequestBalanceSnapshot(ctx, "acct").Await(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Entries, 2)
	require.Equal(t, "005930", snapshot.Entries[0].Symbol)
	require.Equal(t, "Samsung Electronics", snapshot.Entries[0].Name)
	require.Equal(t, int64(210_000), snapshot.Entries[0].Valuation)
	require.Equal(t, "25", snapshot.Entries[1].ReturnPct.String())
}

func TestSellRequiresHoldings(t *testing.T) {
	g, pub := newGateway(t)
	ctx := context.Background()

	err := g.SubmitMarketSell(ctx, "acct", "005930", 1)
	require.Equal(t, errs.CodeBroker, errs.CodeOf(err))

	require.NoError(t, g.SubmitMarketSell(ctx, "acct", "035720", 10))
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, time.Millisecond)
	snapshot, err := g.RequestBalanceSnapshot(ctx, "acct").Await(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), snapshot.Entries[0].Quantity)
}

func TestOrderValidation(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(g.SubmitMarketBuy(ctx, "acct", "005930", 0)))
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(g.SubmitMarketBuy(ctx, "other", "005930", 1)))
	require.Equal(t, errs.CodeBroker, errs.CodeOf(g.SubmitMarketBuy(ctx, "acct", "999999", 1)))

	price, err := g.CurrentPrice(ctx, "999999")
	require.NoError(t, err)
	require.Zero(t, price)

	_, err = g.RequestBalanceSnapshot(ctx, "other").Await(ctx)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestTriggerRequiresMonitoredCondition(t *testing.T) {
	g, pub := newGateway(t)
	ctx := context.Background()

	err := g.Trigger(ctx, "momentum", "A005930", schema.ConditionEnter)
	require.Equal(t, errs.CodePrecondition, errs.CodeOf(err))

	conditions, err := g.Conditions(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.Condition{Index: 1, Name: "breakout"}, conditions[1])

	require.NoError(t, g.StartCondition(ctx, conditions[0]))
	require.NoError(t, g.Trigger(ctx, "momentum", "A005930", schema.ConditionEnter))
	trigger := pub.snapshot()[0].Payload.(schema.ConditionTrigger)
	require.Equal(t, "005930", trigger.Symbol)

	require.NoError(t, g.StopCondition(ctx, conditions[0]))
	require.Error(t, g.Trigger(ctx, "momentum", "005930", schema.ConditionExit))
}

func TestCloseCancelsDelayedFills(t *testing.T) {
	pub := &capture{}
	g := New(config.PaperConfig{
		Accounts:  []string{"acct"},
		Prices:    map[string]int64{"005930": 100},
		FillDelay: time.Hour,
	}, pub, nil)
	require.NoError(t, g.SubmitMarketBuy(context.Background(), "acct", "005930", 1))
	g.Close()
	require.Empty(t, pub.snapshot())
}
