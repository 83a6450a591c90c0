// Package condition manages the single broker-side screening condition being monitored.
package condition

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/coachpo/autotrader/internal/app/broker"
	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/config"
	"github.com/coachpo/autotrader/internal/infra/observability"
)

// SelectionStore persists the monitored condition name.
type SelectionStore interface {
	Snapshot() config.TradingConfig
	SetCondition(name string) (config.TradingConfig, error)
}

// Manager starts and stops conditions so that at most one is monitored.
type Manager struct {
	gateway broker.Gateway
	store   SelectionStore
	logger  *slog.Logger

	mu      sync.Mutex
	current *schema.Condition
}

// NewManager constructs a Manager. store may be nil.
func NewManager(gateway broker.Gateway, store SelectionStore, logger *slog.Logger) *Manager {
	return &Manager{
		gateway: gateway,
		store:   store,
		logger:  observability.OrNop(logger).With(slog.String("component", "condition")),
	}
}

// List returns the conditions saved on the broker.
func (m *Manager) List(ctx context.Context) ([]schema.Condition, error) {
	conditions, err := m.gateway.Conditions(ctx)
	if err != nil {
		return nil, errs.New("condition/list", errs.CodeBroker, errs.WithMessage("list conditions"), errs.WithCause(err))
	}
	return conditions, nil
}

// Current returns the monitored condition.
func (m *Manager) Current() (schema.Condition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return schema.Condition{}, false
	}
	return *m.current, true
}

// Start monitors the named condition, stopping a different current one first.
func (m *Manager) Start(ctx context.Context, name string) (schema.Condition, error) {
	name = strings.TrimSpace(name)
	conditions, err := m.List(ctx)
	if err != nil {
		return schema.Condition{}, err
	}
	target, ok := find(conditions, name)
	if !ok {
		return schema.Condition{}, errs.New("condition/start", errs.CodeNotFound,
			errs.WithMessage("condition not found"),
			errs.WithField("name", name))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		if m.current.Name == target.Name {
			m.logger.Info("already monitoring", slog.String("condition", target.Name))
			return target, nil
		}
		if err := m.gateway.StopCondition(ctx, *m.current); err != nil {
			return schema.Condition{}, errs.New("condition/start", errs.CodeBroker,
				errs.WithMessage("stop previous condition"),
				errs.WithCause(err),
				errs.WithField("name", m.current.Name))
		}
		m.logger.Info("condition stopped", slog.String("condition", m.current.Name))
		m.current = nil
	}
	if err := m.gateway.StartCondition(ctx, target); err != nil {
		return schema.Condition{}, errs.New("condition/start", errs.CodeBroker,
			errs.WithMessage("start condition"),
			errs.WithCause(err),
			errs.WithField("name", target.Name))
	}
	selected := target
	m.current = &selected
	m.logger.Info("condition started", slog.String("condition", target.Name), slog.Int("index", target.Index))

	if m.store != nil {
		if _, err := m.store.SetCondition(target.Name); err != nil {
			m.logger.Warn("condition selection not persisted", slog.String("condition", target.Name), observability.Err(err))
		}
	}
	return target, nil
}

// Stop stops the current condition, if any.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	if err := m.gateway.StopCondition(ctx, *m.current); err != nil {
		return errs.New("condition/stop", errs.CodeBroker,
			errs.WithMessage("stop condition"),
			errs.WithCause(err),
			errs.WithField("name", m.current.Name))
	}
	m.logger.Info("condition stopped", slog.String("condition", m.current.Name))
	m.current = nil
	return nil
}

// StartSaved starts the persisted condition when the broker still lists it.
func (m *Manager) StartSaved(ctx context.Context) (schema.Condition, bool, error) {
	if m.store == nil {
		return schema.Condition{}, false, nil
	}
	name := m.store.Snapshot().Condition
	if name == "" {
		return schema.Condition{}, false, nil
	}
	conditions, err := m.List(ctx)
	if err != nil {
		return schema.Condition{}, false, err
	}
	if _, ok := find(conditions, name); !ok {
		m.logger.Warn("saved condition not offered by broker", slog.String("condition", name))
		return schema.Condition{}, false, nil
	}
	started, err := m.Start(ctx, name)
	if err != nil {
		return schema.Condition{}, false, err
	}
	return started, true, nil
}

func find(conditions []schema.Condition, name string) (schema.Condition, bool) {
	for _, c := range conditions {
		if c.Name == name {
			return c, true
		}
	}
	return schema.Condition{}, false
}
