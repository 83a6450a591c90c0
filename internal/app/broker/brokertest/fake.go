// Package brokertest provides an in-memory broker.Gateway for tests.
package brokertest

import (
	"context"
	"sync"

	"github.com/coachpo/autotrader/internal/app/broker"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Order is a submission observed by the fake gateway.
type Order struct {
	Account  string
	Symbol   string
	Side     schema.Side
	Quantity int64
}

// Gateway records submissions and serves canned quotes, balances and conditions.
type Gateway struct {
	mu sync.Mutex

	Prices        map[string]int64
	PriceErr      error
	Names         map[string]string
	AccountList   []string
	ConditionList []schema.Condition
	SubmitErr     error

	orders   []Order
	requests int
	futures  []*broker.BalanceFuture
	started  []schema.Condition
	stopped  []schema.Condition

	// AutoResolve answers balance requests immediately with Balance when set.
	AutoResolve bool
	Balance     schema.BalanceSnapshot
}

var _ broker.Gateway = (*Gateway)(nil)

// New returns an empty fake gateway.
func New() *Gateway {
	return &Gateway{Prices: make(map[string]int64), Names: make(map[string]string)}
}

// SetPrice sets the quote for symbol.
func (g *Gateway) SetPrice(symbol string, price int64) {
	g.mu.Lock()
	g.Prices[symbol] = price
	g.mu.Unlock()
}

// SetBalance configures an immediately resolved balance.
func (g *Gateway) SetBalance(snapshot schema.BalanceSnapshot) {
	g.mu.Lock()
	g.AutoResolve = true
	g.Balance = snapshot
	g.mu.Unlock()
}

// CurrentPrice implements broker.Gateway.
func (g *Gateway) CurrentPrice(_ context.Context, symbol string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PriceErr != nil {
		return 0, g.PriceErr
	}
	return g.Prices[symbol], nil
}

// SubmitMarketBuy implements broker.Gateway.
func (g *Gateway) SubmitMarketBuy(_ context.Context, account, symbol string, qty int64) error {
	return g.submit(Order{Account: account, Symbol: symbol, Side: schema.SideBuy, Quantity: qty})
}

// SubmitMarketSell implements broker.Gateway.
func (g *Gateway) SubmitMarketSell(_ context.Context, account, symbol string, qty int64) error {
	return g.submit(Order{Account: account, Symbol: symbol, Side: schema.SideSell, Quantity: qty})
}

func (g *Gateway) submit(order Order) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.SubmitErr != nil {
		return g.SubmitErr
	}
	g.orders = append(g.orders, order)
	return nil
}

// RequestBalanceSnapshot implements broker.Gateway.
func (g *Gateway) RequestBalanceSnapshot(_ context.Context, account string) *broker.BalanceFuture {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests++
	future := broker.NewBalanceFuture()
	if g.AutoResolve {
		snapshot := g.Balance.Clone()
		snapshot.Account = account
		future.Resolve(snapshot)
	}
	g.futures = append(g.futures, future)
	return future
}

// Accounts implements broker.Gateway.
func (g *Gateway) Accounts(context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.AccountList...), nil
}

// StockName implements broker.Gateway.
func (g *Gateway) StockName(_ context.Context, symbol string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Names[symbol]
}

// Conditions implements broker.Gateway.
func (g *Gateway) Conditions(context.Context) ([]schema.Condition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]schema.Condition(nil), g.ConditionList...), nil
}

// StartCondition implements broker.Gateway.
func (g *Gateway) StartCondition(_ context.Context, condition schema.Condition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = append(g.started, condition)
	return nil
}

// StopCondition implements broker.Gateway.
func (g *Gateway) StopCondition(_ context.Context, condition schema.Condition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = append(g.stopped, condition)
	return nil
}

// Orders returns submissions in arrival order.
func (g *Gateway) Orders() []Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Order(nil), g.orders...)
}

// BalanceRequests returns how many snapshots were requested.
func (g *Gateway) BalanceRequests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests
}

// LastFuture returns the most recent balance future, or nil.
func (g *Gateway) LastFuture() *broker.BalanceFuture {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.futures) == 0 {
		return nil
	}
	return g.futures[len(g.futures)-1]
}

// Started returns conditions passed to StartCondition.
func (g *Gateway) Started() []schema.Condition {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]schema.Condition(nil), g.started...)
}

// Stopped returns conditions passed to StopCondition.
func (g *Gateway) Stopped() []schema.Condition {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]schema.Condition(nil), g.stopped...)
}
