package bridge

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Bridge result codes follow the broker: "0" is success.
const resultOK = "0"

type envelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e envelope) ok() bool {
	code := strings.TrimSpace(e.Code)
	return code == "" || code == resultOK
}

type quoteResponse struct {
	envelope
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type orderRequest struct {
	RequestID string `json:"requestId"`
	Account   string `json:"account"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Quantity  int64  `json:"quantity"`
	Price     int64  `json:"price"`
	OrderType string `json:"orderType"`
}

// orderTypeMarket is the broker's market order type code.
const orderTypeMarket = "03"

type balanceRequest struct {
	RequestID string `json:"requestId"`
	Account   string `json:"account"`
}

type accountsResponse struct {
	envelope
	Accounts []string `json:"accounts"`
}

type stockResponse struct {
	envelope
	Name string `json:"name"`
}

type conditionRecord struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

type conditionsResponse struct {
	envelope
	Conditions []conditionRecord `json:"conditions"`
}

type conditionRequest struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// streamMessage is one frame from the bridge stream.
type streamMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Code      string          `json:"code,omitempty"`
	Msg       string          `json:"msg,omitempty"`
}

const (
	streamCondition = "condition"
	streamChejan    = "chejan"
	streamBalance   = "balance"
	streamError     = "error"
)

type conditionEvent struct {
	Code           string `json:"code"`
	Type           string `json:"type"`
	ConditionName  string `json:"conditionName"`
	ConditionIndex string `json:"conditionIndex"`
}

// chejanEvent carries the execution FIDs: 9001 code, 911 filled quantity, 905 trade type, 910 price.
type chejanEvent struct {
	Gubun     string `json:"gubun"`
	Code      string `json:"code"`
	FilledQty string `json:"filledQty"`
	TradeType string `json:"tradeType"`
	Price     string `json:"price"`
}

// chejanFilled is the gubun value of an execution; other values are receipts and confirmations.
const chejanFilled = "0"

type balanceItem struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	Quantity      string `json:"quantity"`
	PurchasePrice string `json:"purchasePrice"`
	CurrentPrice  string `json:"currentPrice"`
	Valuation     string `json:"valuation"`
	ReturnRate    string `json:"returnRate"`
}

type balancePayload struct {
	Account string        `json:"account"`
	Items   []balanceItem `json:"items"`
}

func (p balancePayload) snapshot() schema.BalanceSnapshot {
	snapshot := schema.BalanceSnapshot{Account: p.Account}
	for _, item := range p.Items {
		symbol := schema.NormalizeSymbol(item.Code)
		if symbol == "" {
			continue
		}
		snapshot.Entries = append(snapshot.Entries, schema.BalanceEntry{
			Symbol:       symbol,
			Name:         strings.TrimSpace(item.Name),
			Quantity:     parseQuantity(item.Quantity),
			CostBasis:    parseQuantity(item.PurchasePrice),
			CurrentPrice: parseQuantity(item.CurrentPrice),
			Valuation:    parseQuantity(item.Valuation),
			ReturnPct:    parseRate(item.ReturnRate),
		})
	}
	return snapshot
}

// parseQuantity reads broker integers, which may be zero padded, comma grouped or signed
// to show direction. The magnitude is returned; unparsable input yields 0.
func parseQuantity(raw string) int64 {
	cleaned := strings.NewReplacer(",", "", " ", "").Replace(strings.TrimSpace(raw))
	cleaned = strings.TrimLeft(cleaned, "+-")
	if cleaned == "" {
		return 0
	}
	value, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

// parseRate reads a signed percentage; unparsable input yields 0.
func parseRate(raw string) decimal.Decimal {
	cleaned := strings.NewReplacer(",", "", " ", "", "%", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(strings.TrimPrefix(cleaned, "+"))
	if err != nil {
		return decimal.Zero
	}
	return value
}

// parseTradeType maps the broker's "+매수"/"-매도" labels, falling back to English spellings.
func parseTradeType(raw string) (schema.Side, bool) {
	trimmed := strings.TrimLeft(strings.TrimSpace(raw), "+-")
	switch trimmed {
	case "매수":
		return schema.SideBuy, true
	case "매도":
		return schema.SideSell, true
	}
	return schema.ParseSide(raw)
}

func sideCode(side schema.Side) string {
	if side == schema.SideSell {
		return "sell"
	}
	return "buy"
}
