package config

import (
	"sync"
	"time"
)

// RuntimeStore provides concurrency-safe access to the trading configuration.
// Every accepted change is handed to persist before it becomes visible.
type RuntimeStore struct {
	mu      sync.RWMutex
	cfg     TradingConfig
	persist func(TradingConfig) error
}

// NewRuntimeStore constructs a runtime store seeded with initial. persist may be nil.
func NewRuntimeStore(initial TradingConfig, persist func(TradingConfig) error) (*RuntimeStore, error) {
	cfg := initial.Clone()
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeStore{mu: sync.RWMutex{}, cfg: cfg, persist: persist}, nil
}

// Snapshot returns a copy of the current trading configuration.
func (s *RuntimeStore) Snapshot() TradingConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Replace swaps the trading configuration after validation.
func (s *RuntimeStore) Replace(cfg TradingConfig) (TradingConfig, error) {
	return s.Update(func(current *TradingConfig) {
		*current = cfg.Clone()
	})
}

// Update applies mutate to a copy of the current configuration, then validates,
// persists and publishes the result.
func (s *RuntimeStore) Update(mutate func(*TradingConfig)) (TradingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.cfg.Clone()
	if mutate != nil {
		mutate(&updated)
	}
	updated.Normalise()
	if err := updated.Validate(); err != nil {
		return TradingConfig{}, err
	}
	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return TradingConfig{}, err
		}
	}
	s.cfg = updated
	return updated.Clone(), nil
}

// SetAccount selects the trading account.
func (s *RuntimeStore) SetAccount(account string) (TradingConfig, error) {
	return s.Update(func(cfg *TradingConfig) { cfg.Account = account })
}

// SetCondition records the monitored condition name.
func (s *RuntimeStore) SetCondition(name string) (TradingConfig, error) {
	return s.Update(func(cfg *TradingConfig) { cfg.Condition = name })
}

// SetLossCutoff stores -|v|.
func (s *RuntimeStore) SetLossCutoff(v float64) (TradingConfig, error) {
	return s.Update(func(cfg *TradingConfig) { cfg.LossCutoff = v })
}

// SetGainCutoff stores |v|.
func (s *RuntimeStore) SetGainCutoff(v float64) (TradingConfig, error) {
	return s.Update(func(cfg *TradingConfig) { cfg.GainCutoff = v })
}

// SetBudget stores the per-symbol budget. A nil budget clears it.
func (s *RuntimeStore) SetBudget(budget *Amount) (TradingConfig, error) {
	return s.Update(func(cfg *TradingConfig) {
		if budget == nil {
			cfg.BudgetPerSymbol = nil
			return
		}
		value := *budget
		cfg.BudgetPerSymbol = &value
	})
}

// SetMonitorInterval changes the risk scan period from the next tick onwards.
func (s *RuntimeStore) SetMonitorInterval(d time.Duration) (TradingConfig, error) {
	return s.Update(func(cfg *TradingConfig) { cfg.MonitorInterval = d })
}
