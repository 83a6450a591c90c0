// Package persistence provides trade store implementations and the asynchronous trade recorder.
package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/domain/tradestore"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// MemoryTradeStore keeps trades in process memory. It is used when no database is configured.
type MemoryTradeStore struct {
	mu     sync.RWMutex
	trades []schema.TradeRecord
	ids    map[uuid.UUID]struct{}
}

var _ tradestore.Store = (*MemoryTradeStore)(nil)

// NewMemoryTradeStore constructs an empty in-memory trade store.
func NewMemoryTradeStore() *MemoryTradeStore {
	return &MemoryTradeStore{ids: make(map[uuid.UUID]struct{})}
}

// RecordTrade appends a trade. Re-recording an ID is a no-op.
func (s *MemoryTradeStore) RecordTrade(_ context.Context, trade schema.TradeRecord) error {
	if trade.ID == uuid.Nil {
		return fmt.Errorf("memory trade store: trade id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[trade.ID]; exists {
		return nil
	}
	s.ids[trade.ID] = struct{}{}
	s.trades = append(s.trades, trade)
	return nil
}

// ListTrades returns matching trades, newest first.
func (s *MemoryTradeStore) ListTrades(_ context.Context, query tradestore.Query) ([]schema.TradeRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	s.mu.RLock()
	out := make([]schema.TradeRecord, 0, len(s.trades))
	for _, trade := range s.trades {
		if query.Matches(trade) {
			out = append(out, trade)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExecutedAt.After(out[j].ExecutedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
