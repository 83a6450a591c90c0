// Package paper implements a simulated broker gateway that fills market orders at the last quote.
package paper

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/autotrader/internal/app/broker"
	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/config"
	"github.com/coachpo/autotrader/internal/infra/observability"
)

// Source labels events published by the paper broker.
const Source = "paper"

var hundred = decimal.NewFromInt(100)

// Publisher receives gateway events.
type Publisher interface {
	Publish(ctx context.Context, evt *schema.Event) error
}

type holding struct {
	name      string
	quantity  int64
	costBasis int64
}

// Gateway is an in-process broker. Orders fill in full after FillDelay.
type Gateway struct {
	publisher Publisher
	logger    *slog.Logger
	fillDelay time.Duration

	mu         sync.Mutex
	accounts   []string
	conditions []schema.Condition
	names      map[string]string
	prices     map[string]int64
	holdings   map[string]map[string]*holding
	active     map[string]schema.Condition
	order      []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ broker.Gateway = (*Gateway)(nil)

// New builds a paper gateway seeded from cfg. Seed holdings go to the first account.
func New(cfg config.PaperConfig, publisher Publisher, logger *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		publisher: publisher,
		logger:    observability.OrNop(logger).With(slog.String("component", "paper-broker")),
		fillDelay: cfg.FillDelay,
		accounts:  append([]string(nil), cfg.Accounts...),
		names:     make(map[string]string, len(cfg.Names)),
		prices:    make(map[string]int64, len(cfg.Prices)),
		holdings:  make(map[string]map[string]*holding),
		active:    make(map[string]schema.Condition),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i, name := range cfg.Conditions {
		g.conditions = append(g.conditions, schema.Condition{Index: i, Name: name})
	}
	for symbol, name := range cfg.Names {
		g.names[schema.NormalizeSymbol(symbol)] = name
	}
	for symbol, price := range cfg.Prices {
		g.prices[schema.NormalizeSymbol(symbol)] = price
	}
	if len(g.accounts) > 0 {
		for _, seed := range cfg.Holdings {
			symbol := schema.NormalizeSymbol(seed.Symbol)
			if seed.Quantity <= 0 || symbol == "" {
				continue
			}
			if seed.Name != "" {
				g.names[symbol] = seed.Name
			}
			g.book(g.accounts[0])[symbol] = &holding{name: seed.Name, quantity: seed.Quantity, costBasis: seed.CostBasis}
		}
	}
	return g
}

func (g *Gateway) book(account string) map[string]*holding {
	book, ok := g.holdings[account]
	if !ok {
		book = make(map[string]*holding)
		g.holdings[account] = book
	}
	return book
}

// SetPrice moves the quote for symbol.
func (g *Gateway) SetPrice(symbol string, price int64) {
	g.mu.Lock()
	g.prices[schema.NormalizeSymbol(symbol)] = price
	g.mu.Unlock()
}

// CurrentPrice implements broker.Gateway. Unknown symbols quote 0.
func (g *Gateway) CurrentPrice(_ context.Context, symbol string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prices[symbol], nil
}

// SubmitMarketBuy implements broker.Gateway.
func (g *Gateway) SubmitMarketBuy(_ context.Context, account, symbol string, qty int64) error {
	return g.submit(account, symbol, schema.SideBuy, qty)
}

// SubmitMarketSell implements broker.Gateway.
func (g *Gateway) SubmitMarketSell(_ context.Context, account, symbol string, qty int64) error {
	return g.submit(account, symbol, schema.SideSell, qty)
}

func (g *Gateway) submit(account, symbol string, side schema.Side, qty int64) error {
	if qty <= 0 {
		return errs.New("paper/order", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	g.mu.Lock()
	if !g.knownAccountLocked(account) {
		g.mu.Unlock()
		return errs.New("paper/order", errs.CodeNotFound, errs.WithMessage("unknown account"), errs.WithField("account", account))
	}
	if g.prices[symbol] <= 0 {
		g.mu.Unlock()
		return errs.New("paper/order", errs.CodeBroker, errs.WithMessage("no quote for symbol"), errs.WithField("symbol", symbol))
	}
	if side == schema.SideSell {
		held := g.book(account)[symbol]
		if held == nil || held.quantity < qty {
			g.mu.Unlock()
			return errs.New("paper/order", errs.CodeBroker, errs.WithMessage("insufficient holdings"), errs.WithField("symbol", symbol))
		}
	}
	g.mu.Unlock()

	orderID := uuid.NewString()
	g.logger.Info("paper order accepted",
		slog.String("order_id", orderID),
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Int64("quantity", qty))

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if g.fillDelay > 0 {
			timer := time.NewTimer(g.fillDelay)
			defer timer.Stop()
			select {
			case <-g.ctx.Done():
				return
			case <-timer.C:
			}
		}
		g.fill(account, symbol, side, qty)
	}()
	return nil
}

func (g *Gateway) fill(account, symbol string, side schema.Side, qty int64) {
	g.mu.Lock()
	price := g.prices[symbol]
	book := g.book(account)
	held := book[symbol]
	switch side {
	case schema.SideBuy:
		if held == nil {
			held = &holding{name: g.names[symbol]}
			book[symbol] = held
		}
		total := held.costBasis*held.quantity + price*qty
		held.quantity += qty
		held.costBasis = total / held.quantity
	case schema.SideSell:
		if held == nil || held.quantity < qty {
			g.mu.Unlock()
			g.logger.Warn("paper sell no longer covered", slog.String("symbol", symbol))
			return
		}
		held.quantity -= qty
	}
	g.mu.Unlock()

	if g.publisher == nil {
		return
	}
	evt := schema.NewOrderFilledEvent(Source, schema.Fill{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
		At:       time.Now().UTC(),
	})
	if err := g.publisher.Publish(g.ctx, evt); err != nil {
		g.logger.Warn("paper fill publish failed", observability.Err(err))
	}
}

// RequestBalanceSnapshot implements broker.Gateway. The future resolves immediately.
func (g *Gateway) RequestBalanceSnapshot(_ context.Context, account string) *broker.BalanceFuture {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.knownAccountLocked(account) {
		return broker.FailedBalanceFuture(errs.New("paper/balance", errs.CodeNotFound, errs.WithMessage("unknown account")))
	}
	book := g.holdings[account]
	symbols := make([]string, 0, len(book))
	for symbol := range book {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	snapshot := schema.BalanceSnapshot{Account: account, TakenAt: time.Now().UTC()}
	for _, symbol := range symbols {
		held := book[symbol]
		price := g.prices[symbol]
		snapshot.Entries = append(snapshot.Entries, schema.BalanceEntry{
			Symbol:       symbol,
			Name:         g.names[symbol],
			Quantity:     held.quantity,
			CostBasis:    held.costBasis,
			CurrentPrice: price,
			Valuation:    held.quantity * price,
			ReturnPct:    returnPct(held.costBasis, price),
		})
	}
	future := broker.NewBalanceFuture()
	future.Resolve(snapshot)
	return future
}

func returnPct(cost, price int64) decimal.Decimal {
	if cost <= 0 {
		return decimal.Zero
	}
	diff := decimal.NewFromInt(price - cost)
	return diff.Div(decimal.NewFromInt(cost)).Mul(hundred).Round(2)
}

// Accounts implements broker.Gateway.
func (g *Gateway) Accounts(context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.accounts...), nil
}

// StockName implements broker.Gateway.
func (g *Gateway) StockName(_ context.Context, symbol string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.names[symbol]
}

// Conditions implements broker.Gateway.
func (g *Gateway) Conditions(context.Context) ([]schema.Condition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]schema.Condition(nil), g.conditions...), nil
}

// StartCondition implements broker.Gateway.
func (g *Gateway) StartCondition(_ context.Context, condition schema.Condition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[condition.Name] = condition
	return nil
}

// StopCondition implements broker.Gateway.
func (g *Gateway) StopCondition(_ context.Context, condition schema.Condition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, condition.Name)
	return nil
}

// Trigger simulates a condition event for symbol. It fails unless condition is being monitored.
func (g *Gateway) Trigger(ctx context.Context, conditionName, symbol string, kind schema.ConditionEventKind) error {
	g.mu.Lock()
	_, ok := g.active[conditionName]
	g.mu.Unlock()
	if !ok {
		return errs.New("paper/trigger", errs.CodePrecondition,
			errs.WithMessage("condition not monitored"),
			errs.WithField("condition", conditionName))
	}
	if g.publisher == nil {
		return nil
	}
	return g.publisher.Publish(ctx, schema.NewConditionTriggerEvent(Source, schema.ConditionTrigger{
		Symbol:        schema.NormalizeSymbol(symbol),
		Kind:          kind,
		ConditionName: conditionName,
		At:            time.Now().UTC(),
	}))
}

// Close cancels pending fills and waits for in-flight ones.
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
}

func (g *Gateway) knownAccountLocked(account string) bool {
	for _, candidate := range g.accounts {
		if candidate == account {
			return true
		}
	}
	return false
}
