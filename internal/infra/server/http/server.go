// Package httpserver exposes the operator control API for the trading session.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/autotrader/internal/app/watchlist"
	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/domain/tradestore"
	"github.com/coachpo/autotrader/internal/infra/config"
	"github.com/coachpo/autotrader/internal/infra/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath            = "/healthz"
	positionsPath         = "/positions"
	pendingOrdersPath     = "/orders/pending"
	sellOrderPath         = "/orders/sell"
	watchlistPath         = "/watchlist"
	tradingConfigPath     = "/config/trading"
	cutoffsPath           = tradingConfigPath + "/cutoffs"
	balanceRefreshPath    = "/balance/refresh"
	accountsPath          = "/accounts"
	accountPath           = "/account"
	conditionsPath        = "/conditions"
	conditionStartPath    = conditionsPath + "/start"
	conditionStopPath     = conditionsPath + "/stop"
	conditionCurrentPath  = conditionsPath + "/current"
	tradesPath            = "/trades"
	paperTriggerPath      = "/paper/trigger"
	paperPricePath        = "/paper/price"
	orderTypeBuy          = "buy"
	orderTypeSell         = "sell"
	statusUpdated         = "updated"
	statusConditionActive = "monitoring"
)

// Session is the operator surface of the trading core.
type Session interface {
	Accounts(ctx context.Context) ([]string, error)
	SelectAccount(ctx context.Context, account string) (schema.BalanceSnapshot, error)
	RefreshBalance(ctx context.Context) (schema.BalanceSnapshot, error)
	ManualSell(ctx context.Context, symbol string, qty int64) error
	Trading() config.TradingConfig
	UpdateTrading(cfg config.TradingConfig) (config.TradingConfig, error)
	SetCutoffs(loss, gain float64) (config.TradingConfig, error)
	Positions() []schema.PositionRecord
	PendingOrders() []schema.PositionRecord
	Watchlist() []watchlist.Row
}

// Conditions controls the monitored screening condition.
type Conditions interface {
	List(ctx context.Context) ([]schema.Condition, error)
	Current() (schema.Condition, bool)
	Start(ctx context.Context, name string) (schema.Condition, error)
	Stop(ctx context.Context) error
}

// Paper drives the simulated broker. It is only mounted for the paper adapter.
type Paper interface {
	SetPrice(symbol string, price int64)
	Trigger(ctx context.Context, conditionName, symbol string, kind schema.ConditionEventKind) error
}

// TradeHistory lists recorded executions.
type TradeHistory interface {
	ListTrades(ctx context.Context, query tradestore.Query) ([]schema.TradeRecord, error)
}

// Options configures the handler. Trades and Paper may be nil.
type Options struct {
	Environment config.Environment
	Session     Session
	Conditions  Conditions
	Trades      TradeHistory
	Paper       Paper
	Logger      *slog.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	session     Session
	conditions  Conditions
	trades      TradeHistory
	paper       Paper
	logger      *slog.Logger
}

// NewHandler creates the control API handler.
func NewHandler(opts Options) http.Handler {
	server := &httpServer{
		environment: opts.Environment,
		session:     opts.Session,
		conditions:  opts.Conditions,
		trades:      opts.Trades,
		paper:       opts.Paper,
		logger:      observability.OrNop(opts.Logger).With(slog.String("component", "http")),
	}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(positionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listPositions,
	}))
	mux.Handle(pendingOrdersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listPendingOrders,
	}))
	mux.Handle(sellOrderPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.manualSell,
	}))
	mux.Handle(watchlistPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listWatchlist,
	}))
	mux.Handle(tradingConfigPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTradingConfig,
		http.MethodPut: server.updateTradingConfig,
	}))
	mux.Handle(cutoffsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut: server.updateCutoffs,
	}))
	mux.Handle(balanceRefreshPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.refreshBalance,
	}))
	mux.Handle(accountsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listAccounts,
	}))
	mux.Handle(accountPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut: server.selectAccount,
	}))
	mux.Handle(conditionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listConditions,
	}))
	mux.Handle(conditionStartPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.startCondition,
	}))
	mux.Handle(conditionStopPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.stopCondition,
	}))
	mux.Handle(conditionCurrentPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.currentCondition,
	}))

	if server.trades != nil {
		mux.Handle(tradesPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.listTrades,
		}))
	}

	if server.paper != nil {
		mux.Handle(paperTriggerPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodPost: server.paperTrigger,
		}))
		mux.Handle(paperPricePath, server.methodHandlers(map[string]handlerFunc{
			http.MethodPut: server.paperPrice,
		}))
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": string(s.environment)})
}

func (s *httpServer) listPositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"positions": positionsPayload(s.session.Positions())})
}

func (s *httpServer) listPendingOrders(w http.ResponseWriter, _ *http.Request) {
	records := s.session.PendingOrders()
	orders := make([]pendingOrderPayload, 0, len(records))
	for _, record := range records {
		orders = append(orders, pendingOrderFromRecord(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) listWatchlist(w http.ResponseWriter, _ *http.Request) {
	rows := s.session.Watchlist()
	if rows == nil {
		rows = []watchlist.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (s *httpServer) manualSell(w http.ResponseWriter, r *http.Request) {
	var payload sellPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if err := s.session.ManualSell(r.Context(), payload.Symbol, payload.Quantity); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "submitted",
		"symbol":   schema.NormalizeSymbol(payload.Symbol),
		"quantity": payload.Quantity,
	})
}

func (s *httpServer) getTradingConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, tradingPayloadFromConfig(s.session.Trading()))
}

func (s *httpServer) updateTradingConfig(w http.ResponseWriter, r *http.Request) {
	var payload tradingPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	cfg, err := payload.apply(s.session.Trading())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.session.UpdateTrading(cfg)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradingPayloadFromConfig(updated))
}

func (s *httpServer) updateCutoffs(w http.ResponseWriter, r *http.Request) {
	var payload cutoffsPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	current := s.session.Trading()
	loss, gain := current.LossCutoff, current.GainCutoff
	if payload.LossCutoff != nil {
		loss = *payload.LossCutoff
	}
	if payload.GainCutoff != nil {
		gain = *payload.GainCutoff
	}
	updated, err := s.session.SetCutoffs(loss, gain)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     statusUpdated,
		"lossCutoff": updated.LossCutoff,
		"gainCutoff": updated.GainCutoff,
	})
}

func (s *httpServer) refreshBalance(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.session.RefreshBalance(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balancePayloadFromSnapshot(snapshot))
}

func (s *httpServer) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.session.Accounts(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if accounts == nil {
		accounts = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"selected": s.session.Trading().Account,
	})
}

func (s *httpServer) selectAccount(w http.ResponseWriter, r *http.Request) {
	var payload accountPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Account) == "" {
		writeError(w, http.StatusBadRequest, "account required")
		return
	}
	snapshot, err := s.session.SelectAccount(r.Context(), payload.Account)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balancePayloadFromSnapshot(snapshot))
}

func (s *httpServer) listConditions(w http.ResponseWriter, r *http.Request) {
	conditions, err := s.conditions.List(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if conditions == nil {
		conditions = []schema.Condition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conditions": conditions})
}

func (s *httpServer) startCondition(w http.ResponseWriter, r *http.Request) {
	var payload conditionPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Name) == "" {
		writeError(w, http.StatusBadRequest, "condition name required")
		return
	}
	started, err := s.conditions.Start(r.Context(), payload.Name)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": statusConditionActive, "condition": started})
}

func (s *httpServer) stopCondition(w http.ResponseWriter, r *http.Request) {
	if err := s.conditions.Stop(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *httpServer) currentCondition(w http.ResponseWriter, _ *http.Request) {
	current, ok := s.conditions.Current()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "condition": current})
}

func (s *httpServer) listTrades(w http.ResponseWriter, r *http.Request) {
	query, err := tradeQueryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trades, err := s.trades.ListTrades(r.Context(), query)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if trades == nil {
		trades = []schema.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func tradeQueryFromRequest(r *http.Request) (tradestore.Query, error) {
	values := r.URL.Query()
	query := tradestore.Query{
		Account: strings.TrimSpace(values.Get("account")),
		Symbol:  schema.NormalizeSymbol(values.Get("symbol")),
	}
	if raw := strings.TrimSpace(values.Get("side")); raw != "" {
		side, ok := schema.ParseSide(raw)
		if !ok {
			return tradestore.Query{}, errors.New("side must be buy or sell")
		}
		query.Side = side
	}
	if raw := strings.TrimSpace(values.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tradestore.Query{}, errors.New("since must be RFC3339")
		}
		query.Since = since
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return tradestore.Query{}, errors.New("limit must be a non-negative integer")
		}
		query.Limit = limit
	}
	return query, nil
}

func (s *httpServer) paperTrigger(w http.ResponseWriter, r *http.Request) {
	var payload paperTriggerPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	kind := schema.ConditionEnter
	if strings.TrimSpace(payload.Kind) != "" {
		parsed, ok := schema.ParseConditionEventKind(payload.Kind)
		if !ok {
			writeError(w, http.StatusBadRequest, "kind must be enter or exit")
			return
		}
		kind = parsed
	}
	if err := s.paper.Trigger(r.Context(), payload.Condition, payload.Symbol, kind); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

func (s *httpServer) paperPrice(w http.ResponseWriter, r *http.Request) {
	var payload paperPricePayload
	if !decodeBody(w, r, &payload) {
		return
	}
	symbol := schema.NormalizeSymbol(payload.Symbol)
	if symbol == "" || payload.Price < 0 {
		writeError(w, http.StatusBadRequest, "symbol and non-negative price required")
		return
	}
	s.paper.SetPrice(symbol, payload.Price)
	writeJSON(w, http.StatusOK, map[string]any{"status": statusUpdated, "symbol": symbol, "price": payload.Price})
}

func (s *httpServer) writeErr(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", observability.Err(err))
	}
	body := map[string]string{
		"status": "error",
		"error":  errs.MessageOf(err),
		"code":   string(errs.CodeOf(err)),
	}
	if canonical := errs.CanonicalOf(err); canonical != errs.CanonicalUnknown {
		body["canonical"] = string(canonical)
	}
	writeJSON(w, status, body)
}

func statusForError(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodePrecondition:
		return http.StatusPreconditionFailed
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeNetwork, errs.CodeBroker:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return false
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeDecodeError(w, err)
		return false
	}
	return true
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
