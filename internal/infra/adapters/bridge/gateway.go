package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/autotrader/internal/app/broker"
	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/observability"
	"github.com/coachpo/autotrader/internal/infra/telemetry"
)

// Gateway talks to the brokerage bridge.
type Gateway struct {
	opts      Options
	client    *http.Client
	publisher Publisher
	logger    *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]*broker.BalanceFuture

	streamMu sync.Mutex
	stream   *streamManager

	connections metric.Int64Counter
}

var _ broker.Gateway = (*Gateway)(nil)

// New validates opts and returns an unstarted gateway.
func New(opts Options) (*Gateway, error) {
	if err := validateURL(opts.BaseURL, "http", "https"); err != nil {
		return nil, errs.New("bridge/new", errs.CodeInvalid, errs.WithMessage("base url"), errs.WithCause(err))
	}
	if err := validateURL(opts.StreamURL, "ws", "wss"); err != nil {
		return nil, errs.New("bridge/new", errs.CodeInvalid, errs.WithMessage("stream url"), errs.WithCause(err))
	}
	g := &Gateway{
		opts:      opts,
		client:    opts.httpClient(),
		publisher: opts.Publisher,
		logger:    observability.OrNop(opts.Logger).With(slog.String("component", "bridge-broker")),
		pending:   make(map[string]*broker.BalanceFuture),
	}
	g.connections, _ = otel.Meter("bridge").Int64Counter("bridge.stream.connections",
		metric.WithDescription("Bridge stream connection state transitions"),
		metric.WithUnit("{transition}"))
	return g, nil
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return errs.New("bridge/url", errs.CodeInvalid,
		errs.WithMessage("unsupported url "+strconv.Quote(raw)))
}

// Start opens the event stream and waits for the first connection.
func (g *Gateway) Start(ctx context.Context) error {
	g.streamMu.Lock()
	defer g.streamMu.Unlock()
	if g.stream != nil {
		return nil
	}
	stream := newStreamManager(ctx, g.opts.StreamURL, g.opts.APIKey, g.handle, g.recordState, g.logger)
	if err := stream.start(g.opts.readyTimeout()); err != nil {
		stream.stop()
		return errs.New("bridge/start", errs.CodeUnavailable, errs.WithMessage("bridge stream"), errs.WithCause(err))
	}
	g.stream = stream
	return nil
}

// Close stops the stream and fails outstanding balance requests.
func (g *Gateway) Close() {
	g.streamMu.Lock()
	stream := g.stream
	g.stream = nil
	g.streamMu.Unlock()
	if stream != nil {
		stream.stop()
	}

	g.pendingMu.Lock()
	pending := g.pending
	g.pending = make(map[string]*broker.BalanceFuture)
	g.pendingMu.Unlock()
	for _, future := range pending {
		future.Fail(errs.New("bridge/close", errs.CodeUnavailable, errs.WithMessage("gateway closed")))
	}
}

func (g *Gateway) recordState(state string) {
	if g.connections != nil {
		g.connections.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), Source, state)...))
	}
	g.logger.Info("bridge stream state", slog.String("state", state))
}

// CurrentPrice returns the last traded price.
func (g *Gateway) CurrentPrice(ctx context.Context, symbol string) (int64, error) {
	var resp quoteResponse
	if err := g.do(ctx, "bridge/quote", http.MethodGet, quotesPath+escape(symbol), nil, &resp); err != nil {
		return 0, err
	}
	price := parseQuantity(resp.Price)
	if price <= 0 {
		return 0, errs.New("bridge/quote", errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalQuoteUnavailable),
			errs.WithField("symbol", symbol))
	}
	return price, nil
}

// SubmitMarketBuy places a market buy.
func (g *Gateway) SubmitMarketBuy(ctx context.Context, account, symbol string, qty int64) error {
	return g.submit(ctx, account, symbol, schema.SideBuy, qty)
}

// SubmitMarketSell places a market sell.
func (g *Gateway) SubmitMarketSell(ctx context.Context, account, symbol string, qty int64) error {
	return g.submit(ctx, account, symbol, schema.SideSell, qty)
}

func (g *Gateway) submit(ctx context.Context, account, symbol string, side schema.Side, qty int64) error {
	op := "bridge/order"
	if strings.TrimSpace(account) == "" {
		return errs.New(op, errs.CodePrecondition, errs.WithCanonicalCode(errs.CanonicalNoAccount))
	}
	if strings.TrimSpace(symbol) == "" || qty <= 0 {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("symbol and positive quantity required"))
	}
	req := orderRequest{
		RequestID: uuid.NewString(),
		Account:   account,
		Symbol:    schema.NormalizeSymbol(symbol),
		Side:      sideCode(side),
		Quantity:  qty,
		OrderType: orderTypeMarket,
	}
	var resp envelope
	if err := g.do(ctx, op, http.MethodPost, ordersPath, req, &resp); err != nil {
		return err
	}
	g.logger.Info("order submitted",
		slog.String("request_id", req.RequestID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(side)),
		slog.Int64("quantity", qty))
	return nil
}

// RequestBalanceSnapshot asks for holdings; the reply arrives on the stream.
// The pending request is dropped and failed when ctx ends first.
func (g *Gateway) RequestBalanceSnapshot(ctx context.Context, account string) *broker.BalanceFuture {
	if strings.TrimSpace(account) == "" {
		return broker.FailedBalanceFuture(errs.New("bridge/balance", errs.CodePrecondition,
			errs.WithCanonicalCode(errs.CanonicalNoAccount)))
	}
	requestID := uuid.NewString()
	future := broker.NewBalanceFuture()
	g.pendingMu.Lock()
	g.pending[requestID] = future
	g.pendingMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		if g.take(requestID) != nil {
			future.Fail(ctx.Err())
		}
	})
	go func() {
		<-future.Done()
		stop()
	}()

	var resp envelope
	if err := g.do(ctx, "bridge/balance", http.MethodPost, balancePath,
		balanceRequest{RequestID: requestID, Account: account}, &resp); err != nil {
		if g.take(requestID) != nil {
			future.Fail(err)
		}
	}
	return future
}

func (g *Gateway) take(requestID string) *broker.BalanceFuture {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	future, ok := g.pending[requestID]
	if !ok {
		return nil
	}
	delete(g.pending, requestID)
	return future
}

// Accounts lists the logged-in user's accounts.
func (g *Gateway) Accounts(ctx context.Context) ([]string, error) {
	var resp accountsResponse
	if err := g.do(ctx, "bridge/accounts", http.MethodGet, accountsPath, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Accounts))
	for _, account := range resp.Accounts {
		if trimmed := strings.TrimSpace(account); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, nil
}

// StockName returns the display name, or the symbol when the lookup fails.
func (g *Gateway) StockName(ctx context.Context, symbol string) string {
	var resp stockResponse
	if err := g.do(ctx, "bridge/stock", http.MethodGet, stocksPath+escape(symbol), nil, &resp); err != nil {
		g.logger.Debug("stock name lookup failed", slog.String("symbol", symbol), observability.Err(err))
		return symbol
	}
	if name := strings.TrimSpace(resp.Name); name != "" {
		return name
	}
	return symbol
}

// Conditions lists saved screening conditions.
func (g *Gateway) Conditions(ctx context.Context) ([]schema.Condition, error) {
	var resp conditionsResponse
	if err := g.do(ctx, "bridge/conditions", http.MethodGet, conditionsPath, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]schema.Condition, 0, len(resp.Conditions))
	for _, record := range resp.Conditions {
		out = append(out, schema.Condition{Index: record.Index, Name: strings.TrimSpace(record.Name)})
	}
	return out, nil
}

// StartCondition begins real-time monitoring of a condition.
func (g *Gateway) StartCondition(ctx context.Context, condition schema.Condition) error {
	var resp envelope
	return g.do(ctx, "bridge/condition-start", http.MethodPost, conditionStartPath,
		conditionRequest(condition), &resp)
}

// StopCondition ends real-time monitoring of a condition.
func (g *Gateway) StopCondition(ctx context.Context, condition schema.Condition) error {
	var resp envelope
	return g.do(ctx, "bridge/condition-stop", http.MethodPost, conditionStopPath,
		conditionRequest(condition), &resp)
}

// handle dispatches one stream frame.
func (g *Gateway) handle(ctx context.Context, msg streamMessage) error {
	switch msg.Type {
	case streamCondition:
		return g.handleCondition(ctx, msg)
	case streamChejan:
		return g.handleChejan(ctx, msg)
	case streamBalance:
		return g.handleBalance(msg)
	case streamError:
		g.logger.Warn("bridge reported error",
			slog.String("request_id", msg.RequestID),
			slog.String("code", msg.Code),
			slog.String("message", msg.Msg))
		if msg.RequestID != "" {
			if future := g.take(msg.RequestID); future != nil {
				future.Fail(envelope{Code: msg.Code, Msg: msg.Msg}.failure("bridge/balance"))
			}
		}
		return nil
	default:
		g.logger.Debug("bridge frame ignored", slog.String("type", msg.Type))
		return nil
	}
}

func (g *Gateway) handleCondition(ctx context.Context, msg streamMessage) error {
	var evt conditionEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return errs.New("bridge/condition", errs.CodeInvalid, errs.WithMessage("decode condition"), errs.WithCause(err))
	}
	kind, ok := schema.ParseConditionEventKind(evt.Type)
	if !ok {
		return errs.New("bridge/condition", errs.CodeInvalid, errs.WithMessage("unknown condition kind "+strconv.Quote(evt.Type)))
	}
	symbol := schema.NormalizeSymbol(evt.Code)
	if symbol == "" {
		return errs.New("bridge/condition", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	trigger := schema.ConditionTrigger{
		Symbol:        symbol,
		Kind:          kind,
		ConditionName: strings.TrimSpace(evt.ConditionName),
		At:            time.Now().UTC(),
	}
	return g.publish(ctx, schema.NewConditionTriggerEvent(Source, trigger))
}

func (g *Gateway) handleChejan(ctx context.Context, msg streamMessage) error {
	var evt chejanEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return errs.New("bridge/chejan", errs.CodeInvalid, errs.WithMessage("decode chejan"), errs.WithCause(err))
	}
	if strings.TrimSpace(evt.Gubun) != chejanFilled {
		return nil
	}
	qty := parseQuantity(evt.FilledQty)
	if qty <= 0 {
		return nil
	}
	side, ok := parseTradeType(evt.TradeType)
	if !ok {
		return errs.New("bridge/chejan", errs.CodeInvalid, errs.WithMessage("unknown trade type "+strconv.Quote(evt.TradeType)))
	}
	fill := schema.Fill{
		Symbol:   schema.NormalizeSymbol(evt.Code),
		Side:     side,
		Quantity: qty,
		Price:    parseQuantity(evt.Price),
		At:       time.Now().UTC(),
	}
	return g.publish(ctx, schema.NewOrderFilledEvent(Source, fill))
}

func (g *Gateway) handleBalance(msg streamMessage) error {
	future := g.take(msg.RequestID)
	if future == nil {
		g.logger.Debug("balance reply without pending request", slog.String("request_id", msg.RequestID))
		return nil
	}
	code := strings.TrimSpace(msg.Code)
	if code != "" && code != resultOK {
		future.Fail(envelope{Code: msg.Code, Msg: msg.Msg}.failure("bridge/balance"))
		return nil
	}
	var payload balancePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		decodeErr := errs.New("bridge/balance", errs.CodeInvalid, errs.WithMessage("decode balance"), errs.WithCause(err))
		future.Fail(decodeErr)
		return decodeErr
	}
	snapshot := payload.snapshot()
	snapshot.TakenAt = time.Now().UTC()
	future.Resolve(snapshot)
	return nil
}

func (g *Gateway) publish(ctx context.Context, evt *schema.Event) error {
	if g.publisher == nil {
		return nil
	}
	return g.publisher.Publish(ctx, evt)
}
