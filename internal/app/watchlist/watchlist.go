// Package watchlist keeps the observational per-symbol status rows shown to operators.
package watchlist

import (
	"sync"
	"time"
)

// Status is the lifecycle label of a watched symbol.
type Status string

const (
	StatusPendingBuy  Status = "pending-buy"
	StatusBought      Status = "bought"
	StatusPendingSell Status = "pending-sell"
	StatusSold        Status = "sold"
	StatusFailed      Status = "failed"
)

// Row is one watched symbol.
type Row struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Quantity  int64     `json:"quantity"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Update carries the fields to change on a row. Zero name, price and quantity keep the previous value.
type Update struct {
	Symbol   string
	Name     string
	Price    int64
	Quantity int64
	Status   Status
	Detail   string
}

// View is an insertion-ordered set of rows safe for concurrent use.
type View struct {
	mu    sync.RWMutex
	order []string
	rows  map[string]Row
	now   func() time.Time
}

// New returns an empty view.
func New() *View {
	return &View{rows: make(map[string]Row), now: func() time.Time { return time.Now().UTC() }}
}

// Upsert applies u to its symbol's row, appending the row on first sight.
func (v *View) Upsert(u Update) Row {
	if v == nil || u.Symbol == "" {
		return Row{}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	row, ok := v.rows[u.Symbol]
	if !ok {
		v.order = append(v.order, u.Symbol)
		row.Symbol = u.Symbol
	}
	if u.Name != "" {
		row.Name = u.Name
	}
	if u.Price != 0 {
		row.Price = u.Price
	}
	if u.Quantity != 0 {
		row.Quantity = u.Quantity
	}
	row.Status = u.Status
	row.Detail = u.Detail
	row.UpdatedAt = v.now()
	v.rows[u.Symbol] = row
	return row
}

// Get returns the row for symbol.
func (v *View) Get(symbol string) (Row, bool) {
	if v == nil {
		return Row{}, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	row, ok := v.rows[symbol]
	return row, ok
}

// Rows returns every row in insertion order.
func (v *View) Rows() []Row {
	if v == nil {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Row, 0, len(v.order))
	for _, symbol := range v.order {
		out = append(out, v.rows[symbol])
	}
	return out
}
