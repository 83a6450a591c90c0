// Package telemetry configures OpenTelemetry metrics and the semantic conventions shared by instruments.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys follow the OpenTelemetry namespace.attribute_name convention.
const (
	// AttrEventType annotates bus counters with the event classification (ConditionTrigger, OrderFilled, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrProvider identifies the broker adapter that produced the signal.
	AttrProvider = attribute.Key("provider")
	// AttrSymbol captures the traded symbol.
	AttrSymbol = attribute.Key("symbol")
	// AttrOrderSide labels order telemetry with buy/sell intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrDecision records the risk evaluation outcome (stop_loss, take_profit, hold).
	AttrDecision = attribute.Key("decision")
	// AttrOperation differentiates operations within a component.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorises failures by canonical error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrChannel names the notification channel.
	AttrChannel = attribute.Key("channel")
	// AttrConnectionState labels stream lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values shared across instruments.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultSkipped  = "skipped"
	ResultRejected = "rejected"
)

// EventAttributes returns common attributes for bus metrics.
func EventAttributes(environment, eventType, symbol string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	return attrs
}

// OrderAttributes returns attributes for order submission metrics.
func OrderAttributes(environment, provider, side, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// DecisionAttributes returns attributes for risk decision metrics.
func DecisionAttributes(environment, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrDecision.String(decision),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, provider, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrConnectionState.String(state),
	}
}

// NotifyAttributes returns attributes for notification delivery metrics.
func NotifyAttributes(environment, channel, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
		AttrResult.String(result),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
