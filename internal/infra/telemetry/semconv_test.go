package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventAttributesOmitsEmptySymbol(t *testing.T) {
	attrs := EventAttributes("dev", "BalanceReady", "")
	require.Len(t, attrs, 2)

	attrs = EventAttributes("dev", "OrderFilled", "005930")
	require.Len(t, attrs, 3)
	require.Equal(t, AttrSymbol, attrs[2].Key)
	require.Equal(t, "005930", attrs[2].Value.AsString())
}

func TestOrderAttributesOptionalFields(t *testing.T) {
	require.Len(t, OrderAttributes("dev", "paper", "", ""), 2)
	attrs := OrderAttributes("dev", "paper", "buy", ResultSuccess)
	require.Len(t, attrs, 4)
	require.Equal(t, "buy", attrs[2].Value.AsString())
}

func TestDecisionAttributes(t *testing.T) {
	attrs := DecisionAttributes("prod", "stop_loss")
	require.Equal(t, AttrDecision, attrs[1].Key)
	require.Equal(t, "stop_loss", attrs[1].Value.AsString())
}
