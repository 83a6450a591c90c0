package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// BalanceEntry is a single holding reported by the broker.
type BalanceEntry struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Quantity     int64           `json:"quantity"`
	CostBasis    int64           `json:"cost_basis"`
	CurrentPrice int64           `json:"current_price"`
	Valuation    int64           `json:"valuation"`
	ReturnPct    decimal.Decimal `json:"return_pct"`
}

// ProfitLoss returns the absolute profit or loss implied by valuation and return.
func (e BalanceEntry) ProfitLoss() decimal.Decimal {
	return decimal.NewFromInt(e.Valuation).Mul(e.ReturnPct).Div(hundred)
}

// BalanceSnapshot is an ordered set of holdings observed at one point in time.
type BalanceSnapshot struct {
	Account string         `json:"account"`
	Entries []BalanceEntry `json:"entries"`
	TakenAt time.Time      `json:"taken_at"`
}

// Clone returns a copy that shares no slices with the receiver.
func (s BalanceSnapshot) Clone() BalanceSnapshot {
	cloned := s
	if s.Entries != nil {
		cloned.Entries = append([]BalanceEntry(nil), s.Entries...)
	}
	return cloned
}

// Held returns entries with a positive quantity, preserving order.
func (s BalanceSnapshot) Held() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(s.Entries))
	for _, entry := range s.Entries {
		if entry.Quantity > 0 {
			out = append(out, entry)
		}
	}
	return out
}

// BalanceTotals summarises a snapshot.
type BalanceTotals struct {
	Valuation  int64           `json:"valuation"`
	ProfitLoss decimal.Decimal `json:"profit_loss"`
	ReturnPct  decimal.Decimal `json:"return_pct"`
}

// Totals sums valuation and profit/loss across entries.
// ReturnPct is profit/loss over the implied cost (valuation minus profit/loss), zero when undefined.
func (s BalanceSnapshot) Totals() BalanceTotals {
	var valuation int64
	pl := decimal.Zero
	for _, entry := range s.Entries {
		valuation += entry.Valuation
		pl = pl.Add(entry.ProfitLoss())
	}
	totals := BalanceTotals{Valuation: valuation, ProfitLoss: pl, ReturnPct: decimal.Zero}
	cost := decimal.NewFromInt(valuation).Sub(pl)
	if valuation > 0 && !cost.IsZero() {
		totals.ReturnPct = pl.Div(cost).Mul(hundred).Round(2)
	}
	return totals
}
