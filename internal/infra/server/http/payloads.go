package httpserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/config"
)

type positionPayload struct {
	Symbol     string    `json:"symbol"`
	Account    string    `json:"account"`
	Quantity   int64     `json:"quantity"`
	Price      int64     `json:"price"`
	RetryCount int       `json:"retryCount"`
	Filled     bool      `json:"filled"`
	SellSent   bool      `json:"sellSent"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func positionsPayload(records []schema.PositionRecord) []positionPayload {
	out := make([]positionPayload, 0, len(records))
	for _, record := range records {
		out = append(out, positionPayload{
			Symbol:     record.Symbol,
			Account:    record.Account,
			Quantity:   record.Quantity,
			Price:      record.Price,
			RetryCount: record.RetryCount,
			Filled:     record.Filled,
			SellSent:   record.SellSent,
			UpdatedAt:  record.UpdatedAt,
		})
	}
	return out
}

type pendingOrderPayload struct {
	Symbol    string    `json:"symbol"`
	Type      string    `json:"type"`
	Quantity  int64     `json:"quantity"`
	Price     int64     `json:"price"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func pendingOrderFromRecord(record schema.PositionRecord) pendingOrderPayload {
	orderType := orderTypeBuy
	if record.PendingSide() == schema.SideSell {
		orderType = orderTypeSell
	}
	return pendingOrderPayload{
		Symbol:    record.Symbol,
		Type:      orderType,
		Quantity:  record.Quantity,
		Price:     record.Price,
		UpdatedAt: record.UpdatedAt,
	}
}

type sellPayload struct {
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

type cutoffsPayload struct {
	LossCutoff *float64 `json:"lossCutoff"`
	GainCutoff *float64 `json:"gainCutoff"`
}

type accountPayload struct {
	Account string `json:"account"`
}

type conditionPayload struct {
	Name string `json:"name"`
}

type paperTriggerPayload struct {
	Condition string `json:"condition"`
	Symbol    string `json:"symbol"`
	Kind      string `json:"kind"`
}

type paperPricePayload struct {
	Symbol string `json:"symbol"`
	Price  int64  `json:"price"`
}

type balanceEntryPayload struct {
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	Quantity     int64  `json:"quantity"`
	CostBasis    int64  `json:"costBasis"`
	CurrentPrice int64  `json:"currentPrice"`
	Valuation    int64  `json:"valuation"`
	ReturnPct    string `json:"returnPct"`
}

type balanceTotalsPayload struct {
	Valuation  int64  `json:"valuation"`
	ProfitLoss string `json:"profitLoss"`
	ReturnPct  string `json:"returnPct"`
}

type balanceResponse struct {
	Account string                `json:"account"`
	TakenAt time.Time             `json:"takenAt"`
	Entries []balanceEntryPayload `json:"entries"`
	Totals  balanceTotalsPayload  `json:"totals"`
}

func balancePayloadFromSnapshot(snapshot schema.BalanceSnapshot) balanceResponse {
	entries := make([]balanceEntryPayload, 0, len(snapshot.Entries))
	for _, entry := range snapshot.Entries {
		entries = append(entries, balanceEntryPayload{
			Symbol:       entry.Symbol,
			Name:         entry.Name,
			Quantity:     entry.Quantity,
			CostBasis:    entry.CostBasis,
			CurrentPrice: entry.CurrentPrice,
			Valuation:    entry.Valuation,
			ReturnPct:    entry.ReturnPct.StringFixed(2),
		})
	}
	totals := snapshot.Totals()
	return balanceResponse{
		Account: snapshot.Account,
		TakenAt: snapshot.TakenAt,
		Entries: entries,
		Totals: balanceTotalsPayload{
			Valuation:  totals.Valuation,
			ProfitLoss: totals.ProfitLoss.Round(0).String(),
			ReturnPct:  totals.ReturnPct.StringFixed(2),
		},
	}
}

type hoursPayload struct {
	Enforce  *bool   `json:"enforce,omitempty"`
	Start    *string `json:"start,omitempty"`
	End      *string `json:"end,omitempty"`
	Location *string `json:"location,omitempty"`
}

// tradingPayload is a partial trading update; absent fields keep their current value.
// Durations use Go duration strings such as "10s".
type tradingPayload struct {
	Account         *string        `json:"account,omitempty"`
	Condition       *string        `json:"condition,omitempty"`
	BudgetPerSymbol *config.Amount `json:"budgetPerSymbol,omitempty"`
	LegacyBudget    *config.Amount `json:"budget_per_stock,omitempty"`
	LossCutoff      *float64       `json:"lossCutoff,omitempty"`
	GainCutoff      *float64       `json:"gainCutoff,omitempty"`
	MonitorInterval *string        `json:"monitorInterval,omitempty"`
	EntryDelay      *string        `json:"entryDelay,omitempty"`
	AutoTrade       *bool          `json:"autoTrade,omitempty"`
	ClearLiquidated *bool          `json:"clearLiquidated,omitempty"`
	Hours           *hoursPayload  `json:"hours,omitempty"`
	EntryWorkers    *int           `json:"entryWorkers,omitempty"`
	EntryQueue      *int           `json:"entryQueue,omitempty"`
}

func (p tradingPayload) apply(current config.TradingConfig) (config.TradingConfig, error) {
	cfg := current.Clone()
	if p.Account != nil {
		cfg.Account = *p.Account
	}
	if p.Condition != nil {
		cfg.Condition = *p.Condition
	}
	if p.LegacyBudget != nil {
		budget := *p.LegacyBudget
		cfg.BudgetPerSymbol = &budget
	}
	if p.BudgetPerSymbol != nil {
		budget := *p.BudgetPerSymbol
		cfg.BudgetPerSymbol = &budget
	}
	if p.LossCutoff != nil {
		cfg.LossCutoff = *p.LossCutoff
	}
	if p.GainCutoff != nil {
		cfg.GainCutoff = *p.GainCutoff
	}
	if p.MonitorInterval != nil {
		d, err := parseDuration("monitorInterval", *p.MonitorInterval)
		if err != nil {
			return config.TradingConfig{}, err
		}
		cfg.MonitorInterval = d
	}
	if p.EntryDelay != nil {
		d, err := parseDuration("entryDelay", *p.EntryDelay)
		if err != nil {
			return config.TradingConfig{}, err
		}
		cfg.EntryDelay = d
	}
	if p.AutoTrade != nil {
		cfg.AutoTrade = *p.AutoTrade
	}
	if p.ClearLiquidated != nil {
		cfg.ClearLiquidated = *p.ClearLiquidated
	}
	if p.Hours != nil {
		if p.Hours.Enforce != nil {
			cfg.Hours.Enforce = *p.Hours.Enforce
		}
		if p.Hours.Start != nil {
			cfg.Hours.Start = config.Clock(*p.Hours.Start)
		}
		if p.Hours.End != nil {
			cfg.Hours.End = config.Clock(*p.Hours.End)
		}
		if p.Hours.Location != nil {
			cfg.Hours.Location = *p.Hours.Location
		}
	}
	if p.EntryWorkers != nil {
		cfg.EntryWorkers = *p.EntryWorkers
	}
	if p.EntryQueue != nil {
		cfg.EntryQueue = *p.EntryQueue
	}
	return cfg, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

type tradingView struct {
	Account         string             `json:"account"`
	Condition       string             `json:"condition"`
	BudgetPerSymbol *int64             `json:"budgetPerSymbol"`
	LossCutoff      float64            `json:"lossCutoff"`
	GainCutoff      float64            `json:"gainCutoff"`
	MonitorInterval string             `json:"monitorInterval"`
	EntryDelay      string             `json:"entryDelay"`
	AutoTrade       bool               `json:"autoTrade"`
	ClearLiquidated bool               `json:"clearLiquidated"`
	Hours           config.HoursConfig `json:"hours"`
	EntryWorkers    int                `json:"entryWorkers"`
	EntryQueue      int                `json:"entryQueue"`
}

func tradingPayloadFromConfig(cfg config.TradingConfig) tradingView {
	view := tradingView{
		Account:         cfg.Account,
		Condition:       cfg.Condition,
		LossCutoff:      cfg.LossCutoff,
		GainCutoff:      cfg.GainCutoff,
		MonitorInterval: cfg.MonitorInterval.String(),
		EntryDelay:      cfg.EntryDelay.String(),
		AutoTrade:       cfg.AutoTrade,
		ClearLiquidated: cfg.ClearLiquidated,
		Hours:           cfg.Hours,
		EntryWorkers:    cfg.EntryWorkers,
		EntryQueue:      cfg.EntryQueue,
	}
	if budget, ok := cfg.Budget(); ok {
		view.BudgetPerSymbol = &budget
	}
	return view
}
