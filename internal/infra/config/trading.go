package config

import (
	"fmt"
	"math"
	"strings"
	"time"
	_ "time/tzdata" // session windows are evaluated in exchange-local time

	json "github.com/goccy/go-json"
)

// Trading defaults mirror the values the desk has always run with.
const (
	DefaultBudgetPerSymbol Amount = 1_000_000
	DefaultLossCutoff             = -6.0
	DefaultGainCutoff             = 6.0
	DefaultMonitorInterval        = 10 * time.Second
	DefaultEntryDelay             = 100 * time.Millisecond
	DefaultEntryWorkers           = 4
	DefaultEntryQueue             = 64
	minMonitorInterval            = time.Second
)

// HoursConfig bounds automatic entries to a daily session window.
type HoursConfig struct {
	Enforce  bool   `yaml:"enforce" json:"enforce"`
	Start    Clock  `yaml:"start" json:"start"`
	End      Clock  `yaml:"end" json:"end"`
	Location string `yaml:"location" json:"location"`
}

// Contains reports whether now falls inside [Start, End) in the configured location.
// Unenforced windows always contain now.
func (h HoursConfig) Contains(now time.Time) (bool, error) {
	if !h.Enforce {
		return true, nil
	}
	loc, err := time.LoadLocation(h.Location)
	if err != nil {
		return false, fmt.Errorf("trading hours location %q: %w", h.Location, err)
	}
	start, err := h.Start.Minutes()
	if err != nil {
		return false, err
	}
	end, err := h.End.Minutes()
	if err != nil {
		return false, err
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	return minute >= start && minute < end, nil
}

// TradingConfig holds the strategy parameters operators may change while running.
// A nil BudgetPerSymbol means no budget is configured.
type TradingConfig struct {
	Account         string        `yaml:"account" json:"account"`
	Condition       string        `yaml:"condition" json:"condition"`
	BudgetPerSymbol *Amount       `yaml:"budgetPerSymbol" json:"budgetPerSymbol"`
	LossCutoff      float64       `yaml:"lossCutoff" json:"lossCutoff"`
	GainCutoff      float64       `yaml:"gainCutoff" json:"gainCutoff"`
	MonitorInterval time.Duration `yaml:"monitorInterval" json:"monitorInterval"`
	EntryDelay      time.Duration `yaml:"entryDelay" json:"entryDelay"`
	AutoTrade       bool          `yaml:"autoTrade" json:"autoTrade"`
	ClearLiquidated bool          `yaml:"clearLiquidated" json:"clearLiquidated"`
	Hours           HoursConfig   `yaml:"hours" json:"hours"`
	EntryWorkers    int           `yaml:"entryWorkers" json:"entryWorkers"`
	EntryQueue      int           `yaml:"entryQueue" json:"entryQueue"`
}

// DefaultTradingConfig returns the trading defaults.
func DefaultTradingConfig() TradingConfig {
	budget := DefaultBudgetPerSymbol
	return TradingConfig{
		BudgetPerSymbol: &budget,
		LossCutoff:      DefaultLossCutoff,
		GainCutoff:      DefaultGainCutoff,
		MonitorInterval: DefaultMonitorInterval,
		EntryDelay:      DefaultEntryDelay,
		AutoTrade:       true,
		Hours: HoursConfig{
			Enforce:  false,
			Start:    "09:00",
			End:      "15:30",
			Location: "Asia/Seoul",
		},
		EntryWorkers: DefaultEntryWorkers,
		EntryQueue:   DefaultEntryQueue,
	}
}

// Budget returns the configured per-symbol budget and whether one is set.
func (c TradingConfig) Budget() (int64, bool) {
	if c.BudgetPerSymbol == nil {
		return 0, false
	}
	return int64(*c.BudgetPerSymbol), true
}

// Clone returns a copy that shares no pointers with the receiver.
func (c TradingConfig) Clone() TradingConfig {
	cloned := c
	if c.BudgetPerSymbol != nil {
		budget := *c.BudgetPerSymbol
		cloned.BudgetPerSymbol = &budget
	}
	return cloned
}

// Normalise trims identifiers, forces cutoff signs and fills derived defaults.
func (c *TradingConfig) Normalise() {
	if c == nil {
		return
	}
	c.Account = strings.TrimSpace(c.Account)
	c.Condition = strings.TrimSpace(c.Condition)
	c.LossCutoff = NormaliseLossCutoff(c.LossCutoff)
	c.GainCutoff = NormaliseGainCutoff(c.GainCutoff)
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.EntryDelay < 0 {
		c.EntryDelay = 0
	}
	c.Hours.Start = Clock(strings.TrimSpace(string(c.Hours.Start)))
	c.Hours.End = Clock(strings.TrimSpace(string(c.Hours.End)))
	c.Hours.Location = strings.TrimSpace(c.Hours.Location)
	if c.Hours.Location == "" {
		c.Hours.Location = "Asia/Seoul"
	}
	if c.EntryWorkers <= 0 {
		c.EntryWorkers = DefaultEntryWorkers
	}
	if c.EntryQueue < 0 {
		c.EntryQueue = 0
	}
}

// Validate performs semantic validation. Budget sign is checked at use time.
func (c TradingConfig) Validate() error {
	if math.IsNaN(c.LossCutoff) || math.IsInf(c.LossCutoff, 0) {
		return fmt.Errorf("trading.lossCutoff must be finite")
	}
	if math.IsNaN(c.GainCutoff) || math.IsInf(c.GainCutoff, 0) {
		return fmt.Errorf("trading.gainCutoff must be finite")
	}
	if c.MonitorInterval < minMonitorInterval {
		return fmt.Errorf("trading.monitorInterval must be >= %s", minMonitorInterval)
	}
	if c.EntryDelay < 0 {
		return fmt.Errorf("trading.entryDelay must be >= 0")
	}
	if c.EntryWorkers <= 0 {
		return fmt.Errorf("trading.entryWorkers must be > 0")
	}
	if c.Hours.Enforce {
		start, err := c.Hours.Start.Minutes()
		if err != nil {
			return fmt.Errorf("trading.hours.start: %w", err)
		}
		end, err := c.Hours.End.Minutes()
		if err != nil {
			return fmt.Errorf("trading.hours.end: %w", err)
		}
		if start >= end {
			return fmt.Errorf("trading.hours.start must be before end")
		}
		if _, err := time.LoadLocation(c.Hours.Location); err != nil {
			return fmt.Errorf("trading.hours.location: %w", err)
		}
	}
	return nil
}

// NormaliseLossCutoff returns -|v|.
func NormaliseLossCutoff(v float64) float64 {
	return -math.Abs(v)
}

// NormaliseGainCutoff returns |v|.
func NormaliseGainCutoff(v float64) float64 {
	return math.Abs(v)
}

// UnmarshalJSON accepts JSON numbers and numeric strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	switch typed := raw.(type) {
	case float64:
		if typed != math.Trunc(typed) {
			return fmt.Errorf("amount: %v is not a whole number", typed)
		}
		*a = Amount(int64(typed))
		return nil
	case string:
		parsed, err := ParseAmount(typed)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	default:
		return fmt.Errorf("amount: unsupported value %s", string(data))
	}
}
