package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Adapter names a broker gateway implementation.
type Adapter string

const (
	// AdapterPaper simulates a broker in process.
	AdapterPaper Adapter = "paper"
	// AdapterBridge talks to a broker bridge over HTTP and WebSocket.
	AdapterBridge Adapter = "bridge"
)

// Amount is a whole-currency value that accepts YAML integers and numeric strings ("1,000,000").
type Amount int64

// UnmarshalYAML accepts integer scalars and numeric strings with optional thousands separators.
func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*a = 0
		return nil
	}
	parsed, err := ParseAmount(node.Value)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAmount parses an integer amount, ignoring whitespace, commas and underscores. Blank yields zero.
func ParseAmount(raw string) (Amount, error) {
	cleaned := strings.NewReplacer(",", "", "_", "", " ", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount: invalid value %q", raw)
	}
	return Amount(value), nil
}

// Clock is a wall-clock time of day formatted HH:MM.
type Clock string

// Minutes returns minutes since midnight.
func (c Clock) Minutes() (int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(string(c)))
	if err != nil {
		return 0, fmt.Errorf("clock %q: expected HH:MM", string(c))
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}
