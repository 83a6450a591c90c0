package brokertest

import (
	"context"
	"sync"

	"github.com/coachpo/autotrader/internal/app/broker"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Alert is an error notification observed by the fake notifier.
type Alert struct {
	Title   string
	Message string
}

// Notifier records notifications. Err is returned from every call when set.
type Notifier struct {
	mu sync.Mutex

	Err error

	fills    []schema.Fill
	alerts   []Alert
	balances []schema.BalanceSnapshot
}

var _ broker.Notifier = (*Notifier)(nil)

// NotifyFill implements broker.Notifier.
func (n *Notifier) NotifyFill(_ context.Context, fill schema.Fill, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fills = append(n.fills, fill)
	return n.Err
}

// NotifyError implements broker.Notifier.
func (n *Notifier) NotifyError(_ context.Context, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, Alert{Title: title, Message: message})
	return n.Err
}

// NotifyBalance implements broker.Notifier.
func (n *Notifier) NotifyBalance(_ context.Context, snapshot schema.BalanceSnapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances = append(n.balances, snapshot.Clone())
	return n.Err
}

// Fills returns fill notifications in arrival order.
func (n *Notifier) Fills() []schema.Fill {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]schema.Fill(nil), n.fills...)
}

// Alerts returns error notifications in arrival order.
func (n *Notifier) Alerts() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

// Balances returns balance notifications in arrival order.
func (n *Notifier) Balances() []schema.BalanceSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]schema.BalanceSnapshot(nil), n.balances...)
}
