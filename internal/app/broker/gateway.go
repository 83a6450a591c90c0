// Package broker declares the brokerage contract the trading core drives.
package broker

import (
	"context"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Gateway is the request side of a brokerage connection.
// Condition triggers and fills travel the other way as bus events.
type Gateway interface {
	CurrentPrice(ctx context.Context, symbol string) (int64, error)
	SubmitMarketBuy(ctx context.Context, account, symbol string, qty int64) error
	SubmitMarketSell(ctx context.Context, account, symbol string, qty int64) error
	RequestBalanceSnapshot(ctx context.Context, account string) *BalanceFuture
	Accounts(ctx context.Context) ([]string, error)
	StockName(ctx context.Context, symbol string) string
	Conditions(ctx context.Context) ([]schema.Condition, error)
	StartCondition(ctx context.Context, condition schema.Condition) error
	StopCondition(ctx context.Context, condition schema.Condition) error
}

// Notifier delivers best-effort operator notifications.
type Notifier interface {
	NotifyFill(ctx context.Context, fill schema.Fill, name, account string) error
	NotifyError(ctx context.Context, title, message string) error
	NotifyBalance(ctx context.Context, snapshot schema.BalanceSnapshot) error
}

// TradeRecorder persists executions without blocking the caller.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, trade schema.TradeRecord)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

// NotifyFill implements Notifier.
func (NopNotifier) NotifyFill(context.Context, schema.Fill, string, string) error { return nil }

// NotifyError implements Notifier.
func (NopNotifier) NotifyError(context.Context, string, string) error { return nil }

// NotifyBalance implements Notifier.
func (NopNotifier) NotifyBalance(context.Context, schema.BalanceSnapshot) error { return nil }
