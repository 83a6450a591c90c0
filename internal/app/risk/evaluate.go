// Package risk enforces stop-loss and take-profit cutoffs across the live portfolio.
package risk

import "github.com/shopspring/decimal"

// Decision is the outcome of evaluating one holding against the cutoffs.
type Decision string

const (
	// DecisionHold keeps the position.
	DecisionHold Decision = "hold"
	// DecisionStopLoss liquidates a position at or below the loss cutoff.
	DecisionStopLoss Decision = "stop_loss"
	// DecisionTakeProfit liquidates a position at or above the gain cutoff.
	DecisionTakeProfit Decision = "take_profit"
)

// Sell reports whether the decision liquidates the position.
func (d Decision) Sell() bool {
	return d == DecisionStopLoss || d == DecisionTakeProfit
}

// Evaluate compares a return percentage with the cutoffs. The loss cutoff is checked first
// and a match short-circuits, so a holding yields at most one sell.
func Evaluate(ret decimal.Decimal, lossCutoff, gainCutoff float64) Decision {
	if ret.LessThanOrEqual(decimal.NewFromFloat(lossCutoff)) {
		return DecisionStopLoss
	}
	if ret.GreaterThanOrEqual(decimal.NewFromFloat(gainCutoff)) {
		return DecisionTakeProfit
	}
	return DecisionHold
}
