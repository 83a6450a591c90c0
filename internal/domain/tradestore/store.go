// Package tradestore defines persistence contracts for executed trades.
package tradestore

import (
	"context"
	"time"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Query filters trade history listings.
type Query struct {
	Account string      `json:"account,omitempty"`
	Symbol  string      `json:"symbol,omitempty"`
	Side    schema.Side `json:"side,omitempty"`
	Since   time.Time   `json:"since,omitempty"`
	Limit   int         `json:"limit,omitempty"`
}

// Store persists trade executions.
type Store interface {
	RecordTrade(ctx context.Context, trade schema.TradeRecord) error
	ListTrades(ctx context.Context, query Query) ([]schema.TradeRecord, error)
}

// Matches reports whether a trade satisfies the query filters, ignoring Limit.
func (q Query) Matches(trade schema.TradeRecord) bool {
	if q.Account != "" && trade.Account != q.Account {
		return false
	}
	if q.Symbol != "" && trade.Symbol != q.Symbol {
		return false
	}
	if q.Side != "" && trade.Side != q.Side {
		return false
	}
	if !q.Since.IsZero() && trade.ExecutedAt.Before(q.Since) {
		return false
	}
	return true
}
