package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/domain/tradestore"
)

// TradeStore persists executed trades.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore constructs a TradeStore backed by the provided pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const (
	tradeInsertSQL = `
INSERT INTO trades (
    id,
    account,
    symbol,
    side,
    quantity,
    price,
    total_amount,
    executed_at,
    created_at
)
VALUES (
    @id,
    @account,
    @symbol,
    @side,
    @quantity,
    @price,
    @total_amount,
    @executed_at,
    NOW()
)
ON CONFLICT (id) DO NOTHING;
`

	tradeSelectBase = `
SELECT
    id,
    account,
    symbol,
    side,
    quantity,
    price,
    total_amount,
    executed_at
FROM trades`

	defaultTradeLimit = 100
	maxTradeLimit     = 1000
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ tradestore.Store = (*TradeStore)(nil)

// RecordTrade inserts a trade. Re-recording the same ID is a no-op.
func (s *TradeStore) RecordTrade(ctx context.Context, trade schema.TradeRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return recordTrade(ctx, pool, trade)
}

func recordTrade(ctx context.Context, exec execer, trade schema.TradeRecord) error {
	if trade.ID == uuid.Nil {
		return fmt.Errorf("trade store: trade id required")
	}
	symbol := strings.TrimSpace(trade.Symbol)
	if symbol == "" {
		return fmt.Errorf("trade store: symbol required")
	}
	if trade.Side != schema.SideBuy && trade.Side != schema.SideSell {
		return fmt.Errorf("trade store: invalid side %q", trade.Side)
	}
	if trade.Quantity <= 0 {
		return fmt.Errorf("trade store: quantity must be positive")
	}
	executedAt := trade.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"id":           trade.ID,
		"account":      strings.TrimSpace(trade.Account),
		"symbol":       symbol,
		"side":         string(trade.Side),
		"quantity":     trade.Quantity,
		"price":        trade.Price,
		"total_amount": trade.TotalAmount,
		"executed_at":  executedAt.UTC(),
	}
	if _, err := exec.Exec(ctx, tradeInsertSQL, args); err != nil {
		return fmt.Errorf("trade store: insert trade: %w", err)
	}
	return nil
}

// ListTrades retrieves trades matching the supplied filters, newest first.
func (s *TradeStore) ListTrades(ctx context.Context, query tradestore.Query) ([]schema.TradeRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultTradeLimit, maxTradeLimit)

	builder := strings.Builder{}
	builder.WriteString(tradeSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 5)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Account); trimmed != "" {
		fmt.Fprintf(&builder, " AND account = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.Symbol); trimmed != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if query.Side != "" {
		fmt.Fprintf(&builder, " AND side = $%d", argPos)
		args = append(args, string(query.Side))
		argPos++
	}
	if !query.Since.IsZero() {
		fmt.Fprintf(&builder, " AND executed_at >= $%d", argPos)
		args = append(args, query.Since.UTC())
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY executed_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("trade store: list trades: %w", err)
	}
	defer rows.Close()

	var records []schema.TradeRecord
	for rows.Next() {
		var (
			record     schema.TradeRecord
			side       string
			executedAt time.Time
		)
		if err := rows.Scan(
			&record.ID,
			&record.Account,
			&record.Symbol,
			&side,
			&record.Quantity,
			&record.Price,
			&record.TotalAmount,
			&executedAt,
		); err != nil {
			return nil, fmt.Errorf("trade store: scan trade: %w", err)
		}
		record.Side = schema.Side(side)
		record.ExecutedAt = executedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate trades: %w", err)
	}
	return records, nil
}

func (s *TradeStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("trade store: nil pool")
	}
	return s.pool, nil
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
