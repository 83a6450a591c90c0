package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Side captures the direction of an order or fill.
type Side string

const (
	// SideBuy indicates buy orders and fills.
	SideBuy Side = "buy"
	// SideSell indicates sell orders and fills.
	SideSell Side = "sell"
)

// ParseSide maps loose broker spellings onto a canonical side.
func ParseSide(raw string) (Side, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.TrimLeft(value, "+-")
	switch value {
	case "buy", "b", "bid", "1":
		return SideBuy, true
	case "sell", "s", "ask", "2":
		return SideSell, true
	default:
		return "", false
	}
}

// PositionRecord is the tracked lifecycle state of one symbol.
// Price is zero for market orders whose execution price was unknown at submission.
type PositionRecord struct {
	Symbol     string    `json:"symbol"`
	Account    string    `json:"account"`
	Quantity   int64     `json:"quantity"`
	Price      int64     `json:"price"`
	RetryCount int       `json:"retry_count"`
	Filled     bool      `json:"filled"`
	SellSent   bool      `json:"sell_sent"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PendingSide reports which side an unfilled record is waiting on.
func (r PositionRecord) PendingSide() Side {
	if r.SellSent {
		return SideSell
	}
	return SideBuy
}

// Fill is an execution notification reported by the broker.
type Fill struct {
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Quantity int64     `json:"quantity"`
	Price    int64     `json:"price"`
	At       time.Time `json:"at"`
}

// Amount returns the gross value of the fill.
func (f Fill) Amount() int64 {
	return f.Quantity * f.Price
}

// TradeRecord is a persisted execution.
type TradeRecord struct {
	ID          uuid.UUID `json:"id"`
	Account     string    `json:"account"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Quantity    int64     `json:"quantity"`
	Price       int64     `json:"price"`
	TotalAmount int64     `json:"total_amount"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// NewTradeRecord derives a trade record from a fill.
func NewTradeRecord(account string, fill Fill) TradeRecord {
	executedAt := fill.At
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}
	return TradeRecord{
		ID:          uuid.New(),
		Account:     account,
		Symbol:      fill.Symbol,
		Side:        fill.Side,
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		TotalAmount: fill.Amount(),
		ExecutedAt:  executedAt,
	}
}

// NormalizeSymbol trims whitespace and strips the broker's "A" prefix from six-digit codes.
func NormalizeSymbol(raw string) string {
	symbol := strings.TrimSpace(raw)
	if len(symbol) == 7 && (symbol[0] == 'A' || symbol[0] == 'a') && isDigits(symbol[1:]) {
		return symbol[1:]
	}
	return symbol
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}
