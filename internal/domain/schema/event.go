// Package schema defines canonical trading records and the event payloads exchanged on the bus.
package schema

import (
	"time"

	"github.com/coachpo/autotrader/internal/domain/errs"
)

// EventType enumerates canonical event categories.
type EventType string

const (
	// EventTypeConditionTrigger identifies a symbol entering or leaving a screening condition.
	EventTypeConditionTrigger EventType = "ConditionTrigger"
	// EventTypeOrderFilled identifies an execution notification from the broker.
	EventTypeOrderFilled EventType = "OrderFilled"
	// EventTypeBalanceReady identifies a reconciled balance snapshot.
	EventTypeBalanceReady EventType = "BalanceReady"
)

// Validate ensures the event type is one of the known categories.
func (t EventType) Validate() error {
	switch t {
	case EventTypeConditionTrigger, EventTypeOrderFilled, EventTypeBalanceReady:
		return nil
	case "":
		return errs.New("schema/event-type", errs.CodeInvalid, errs.WithMessage("event type required"))
	default:
		return errs.New("schema/event-type", errs.CodeInvalid, errs.WithMessage("unknown event type "+string(t)))
	}
}

// Event is the envelope published on the event bus.
// Payload is one of ConditionTrigger, Fill or BalanceSnapshot and is treated as immutable once published.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Symbol    string    `json:"symbol,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
	Payload   any       `json:"payload"`
}

// NewConditionTriggerEvent wraps a trigger in an event envelope.
func NewConditionTriggerEvent(source string, trigger ConditionTrigger) *Event {
	return &Event{
		Type:      EventTypeConditionTrigger,
		Source:    source,
		Symbol:    trigger.Symbol,
		EmittedAt: stamp(trigger.At),
		Payload:   trigger,
	}
}

// NewOrderFilledEvent wraps a fill in an event envelope.
func NewOrderFilledEvent(source string, fill Fill) *Event {
	return &Event{
		Type:      EventTypeOrderFilled,
		Source:    source,
		Symbol:    fill.Symbol,
		EmittedAt: stamp(fill.At),
		Payload:   fill,
	}
}

// NewBalanceReadyEvent wraps a balance snapshot in an event envelope.
func NewBalanceReadyEvent(source string, snapshot BalanceSnapshot) *Event {
	return &Event{
		Type:      EventTypeBalanceReady,
		Source:    source,
		EmittedAt: stamp(snapshot.TakenAt),
		Payload:   snapshot.Clone(),
	}
}

func stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}
