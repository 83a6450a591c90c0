package schema

import (
	"strings"
	"time"
)

// ConditionEventKind distinguishes symbols entering or leaving a screening condition.
type ConditionEventKind string

const (
	// ConditionEnter marks a symbol that started matching the condition.
	ConditionEnter ConditionEventKind = "enter"
	// ConditionExit marks a symbol that stopped matching the condition.
	ConditionExit ConditionEventKind = "exit"
)

// ParseConditionEventKind accepts canonical names and the broker's I/D wire codes.
func ParseConditionEventKind(raw string) (ConditionEventKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "i", "enter", "in":
		return ConditionEnter, true
	case "d", "exit", "out":
		return ConditionExit, true
	default:
		return "", false
	}
}

// Condition is a broker-side saved screening query.
type Condition struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// ConditionTrigger reports a symbol crossing a condition boundary.
type ConditionTrigger struct {
	Symbol        string             `json:"symbol"`
	Kind          ConditionEventKind `json:"kind"`
	ConditionName string             `json:"condition_name"`
	At            time.Time          `json:"at"`
}
