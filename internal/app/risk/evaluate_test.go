package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestEvaluateThresholds(t *testing.T) {
	cases := []struct {
		ret        float64
		loss, gain float64
		want       Decision
	}{
		{-6.0, -5.0, 6.0, DecisionStopLoss},
		{-4.0, -5.0, 6.0, DecisionHold},
		{-5.0, -5.0, 6.0, DecisionStopLoss},
		{6.0, -5.0, 6.0, DecisionTakeProfit},
		{5.99, -5.0, 6.0, DecisionHold},
		{0, -5.0, 6.0, DecisionHold},
		{12.3, -6.0, 6.0, DecisionTakeProfit},
	}
	for _, tc := range cases {
		got := Evaluate(decimal.NewFromFloat(tc.ret), tc.loss, tc.gain)
		require.Equal(t, tc.want, got, "ret=%v", tc.ret)
	}
}

func TestEvaluateShortCircuitsWhenBothCutoffsMatch(t *testing.T) {
	// A misconfigured window where loss >= gain matches both branches.
	got := Evaluate(decimal.NewFromInt(1), 2, 0)
	require.Equal(t, DecisionStopLoss, got)
}

func TestEvaluateSymmetry(t *testing.T) {
	loss, gain := -3.5, 4.25
	for r := -10.0; r <= 10.0; r += 0.25 {
		decision := Evaluate(decimal.NewFromFloat(r), loss, gain)
		require.Equal(t, r <= loss || r >= gain, decision.Sell(), "ret=%v", r)
	}
}
