// Package tracker records the lifecycle state of every symbol the core has bought or is buying.
package tracker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/observability"
)

// Tracker is a mutex-guarded map from symbol to PositionRecord.
// Every write replaces the whole record.
type Tracker struct {
	mu       sync.Mutex
	records  map[string]schema.PositionRecord
	reserved map[string]time.Time

	clearLiquidated bool
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = observability.OrNop(logger)
	}
}

// WithClearLiquidated makes Reconcile delete records whose balance entry reports no quantity.
func WithClearLiquidated(enabled bool) Option {
	return func(t *Tracker) {
		t.clearLiquidated = enabled
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New constructs an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		records:  make(map[string]schema.PositionRecord),
		reserved: make(map[string]time.Time),
		logger:   observability.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// SetClearLiquidated toggles liquidation clearing at runtime.
func (t *Tracker) SetClearLiquidated(enabled bool) {
	t.mu.Lock()
	t.clearLiquidated = enabled
	t.mu.Unlock()
}

// Reserve claims symbol for a buy about to be submitted.
// It returns false when the symbol already has a record or a reservation.
func (t *Tracker) Reserve(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeLocked(symbol) {
		return false
	}
	t.reserved[symbol] = t.now()
	return true
}

// Release drops a reservation that never became an order. Records are untouched.
func (t *Tracker) Release(symbol string) {
	t.mu.Lock()
	delete(t.reserved, symbol)
	t.mu.Unlock()
}

// hasReservation reports whether symbol holds a reservation without a record.
func (t *Tracker) hasReservation(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.reserved[symbol]
	return ok
}

// RecordEntry stores a freshly submitted buy, replacing any reservation or prior record.
func (t *Tracker) RecordEntry(symbol, account string, quantity, price int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reserved, symbol)
	t.records[symbol] = schema.PositionRecord{
		Symbol:    symbol,
		Account:   account,
		Quantity:  quantity,
		Price:     price,
		UpdatedAt: t.now(),
	}
}

// MarkFilled flags the buy for symbol as executed.
// A fill for an unknown symbol is logged and dropped.
func (t *Tracker) MarkFilled(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[symbol]
	if !ok {
		t.logger.Debug("fill for untracked symbol dropped", slog.String("symbol", symbol))
		return false
	}
	record.Filled = true
	record.UpdatedAt = t.now()
	t.records[symbol] = record
	return true
}

// MarkSellSent flags that a liquidating sell has been submitted for symbol.
func (t *Tracker) MarkSellSent(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[symbol]
	if !ok {
		return false
	}
	record.SellSent = true
	record.UpdatedAt = t.now()
	t.records[symbol] = record
	return true
}

// Reconcile folds a broker balance snapshot into the tracker and returns the number of records written.
// Held entries become filled records at their cost basis. Entries with no quantity are left alone
// unless liquidation clearing is enabled, in which case their records are removed.
func (t *Tracker) Reconcile(account string, snapshot schema.BalanceSnapshot) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	written := 0
	now := t.now()
	for _, entry := range snapshot.Entries {
		if entry.Quantity <= 0 {
			if t.clearLiquidated {
				if _, ok := t.records[entry.Symbol]; ok {
					delete(t.records, entry.Symbol)
					t.logger.Info("liquidated position cleared", slog.String("symbol", entry.Symbol))
				}
			}
			continue
		}
		t.records[entry.Symbol] = schema.PositionRecord{
			Symbol:    entry.Symbol,
			Account:   account,
			Quantity:  entry.Quantity,
			Price:     entry.CostBasis,
			Filled:    true,
			UpdatedAt: now,
		}
		written++
	}
	return written
}

// IsActive reports whether symbol has a record or a reservation.
func (t *Tracker) IsActive(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked(symbol)
}

func (t *Tracker) activeLocked(symbol string) bool {
	if _, ok := t.records[symbol]; ok {
		return true
	}
	_, ok := t.reserved[symbol]
	return ok
}

// Get returns the record for symbol.
func (t *Tracker) Get(symbol string) (schema.PositionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[symbol]
	return record, ok
}

// Snapshot returns every record sorted by symbol.
func (t *Tracker) Snapshot() []schema.PositionRecord {
	return t.collect(func(schema.PositionRecord) bool { return true })
}

// Pending returns records still waiting on a fill.
func (t *Tracker) Pending() []schema.PositionRecord {
	return t.collect(func(r schema.PositionRecord) bool { return !r.Filled })
}

// size returns the number of records.
func (t *Tracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Tracker) collect(keep func(schema.PositionRecord) bool) []schema.PositionRecord {
	t.mu.Lock()
	out := make([]schema.PositionRecord, 0, len(t.records))
	for _, record := range t.records {
		if keep(record) {
			out = append(out, record)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
