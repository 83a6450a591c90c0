// Package config manages application configuration loading, validation and runtime updates.
package config

import (
	"fmt"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting accepts a positive integer, "auto" or "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto, value: 0}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault, value: 0}
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// MarshalYAML writes the setting back in the form it was read.
func (s FanoutWorkerSetting) MarshalYAML() (any, error) {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value, nil
	case fanoutWorkerAuto:
		return "auto", nil
	default:
		return "default", nil
	}
}

// FanoutWorkers returns an explicit worker count setting.
func FanoutWorkers(n int) FanoutWorkerSetting {
	if n <= 0 {
		return FanoutWorkerSetting{kind: fanoutWorkerDefault, value: 0}
	}
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: n}
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"filePath"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// PaperHolding seeds a simulated position.
type PaperHolding struct {
	Symbol    string `yaml:"symbol"`
	Name      string `yaml:"name"`
	Quantity  int64  `yaml:"quantity"`
	CostBasis int64  `yaml:"costBasis"`
}

// PaperConfig seeds the simulated broker.
type PaperConfig struct {
	Accounts   []string          `yaml:"accounts"`
	Conditions []string          `yaml:"conditions"`
	Names      map[string]string `yaml:"names"`
	Prices     map[string]int64  `yaml:"prices"`
	Holdings   []PaperHolding    `yaml:"holdings"`
	FillDelay  time.Duration     `yaml:"fillDelay"`
}

// BrokerConfig selects and configures the broker gateway adapter.
type BrokerConfig struct {
	Adapter        Adapter       `yaml:"adapter"`
	BaseURL        string        `yaml:"baseURL"`
	StreamURL      string        `yaml:"streamURL"`
	APIKey         string        `yaml:"apiKey"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	BalanceTimeout time.Duration `yaml:"balanceTimeout"`
	Paper          PaperConfig   `yaml:"paper"`
}

// SlackConfig configures the Slack webhook notifier. An empty webhook disables it.
type SlackConfig struct {
	WebhookURL    string        `yaml:"webhookURL"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"ratePerSecond"`
	Burst         int           `yaml:"burst"`
	MaxRetries    uint          `yaml:"maxRetries"`
}

// NotifierConfig groups notification channels.
type NotifierConfig struct {
	Slack SlackConfig `yaml:"slack"`
}

// DatabaseConfig controls PostgreSQL connectivity. An empty DSN keeps trades in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	RunMigrations   bool          `yaml:"runMigrations"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Broker      BrokerConfig    `yaml:"broker"`
	Trading     TradingConfig   `yaml:"trading"`
	Notifier    NotifierConfig  `yaml:"notifier"`
	Database    DatabaseConfig  `yaml:"database"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// DefaultAppConfig returns a configuration that runs the paper broker locally.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Broker: BrokerConfig{
			Adapter:        AdapterPaper,
			RequestTimeout: 5 * time.Second,
			BalanceTimeout: 5 * time.Second,
			Paper: PaperConfig{
				Accounts:   []string{"0000000001"},
				Conditions: []string{"momentum"},
			},
		},
		Trading: DefaultTradingConfig(),
		Notifier: NotifierConfig{
			Slack: SlackConfig{
				Timeout:       10 * time.Second,
				RatePerSecond: 1,
				Burst:         3,
				MaxRetries:    3,
			},
		},
		Eventbus: EventbusConfig{
			BufferSize:    1024,
			FanoutWorkers: FanoutWorkers(4),
		},
		APIServer: APIServerConfig{Addr: ":8880"},
		Telemetry: TelemetryConfig{
			ServiceName:   "autotrader",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/autotrader.log",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
	cfg.Database.applyDefaults()
	return cfg
}

// Clone returns a deep copy of the configuration.
func (c AppConfig) Clone() AppConfig {
	cloned := c
	cloned.Trading = c.Trading.Clone()
	cloned.Broker.Paper.Accounts = append([]string(nil), c.Broker.Paper.Accounts...)
	cloned.Broker.Paper.Conditions = append([]string(nil), c.Broker.Paper.Conditions...)
	cloned.Broker.Paper.Holdings = append([]PaperHolding(nil), c.Broker.Paper.Holdings...)
	if c.Broker.Paper.Prices != nil {
		cloned.Broker.Paper.Prices = make(map[string]int64, len(c.Broker.Paper.Prices))
		for k, v := range c.Broker.Paper.Prices {
			cloned.Broker.Paper.Prices[k] = v
		}
	}
	if c.Broker.Paper.Names != nil {
		cloned.Broker.Paper.Names = make(map[string]string, len(c.Broker.Paper.Names))
		for k, v := range c.Broker.Paper.Names {
			cloned.Broker.Paper.Names[k] = v
		}
	}
	return cloned
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Broker.Adapter = Adapter(strings.ToLower(strings.TrimSpace(string(c.Broker.Adapter))))
	if c.Broker.Adapter == "" {
		c.Broker.Adapter = AdapterPaper
	}
	c.Broker.BaseURL = strings.TrimRight(strings.TrimSpace(c.Broker.BaseURL), "/")
	c.Broker.StreamURL = strings.TrimSpace(c.Broker.StreamURL)
	if c.Broker.RequestTimeout <= 0 {
		c.Broker.RequestTimeout = 5 * time.Second
	}
	if c.Broker.BalanceTimeout <= 0 {
		c.Broker.BalanceTimeout = 5 * time.Second
	}
	c.Trading.Normalise()

	c.Notifier.Slack.WebhookURL = strings.TrimSpace(c.Notifier.Slack.WebhookURL)
	if c.Notifier.Slack.Timeout <= 0 {
		c.Notifier.Slack.Timeout = 10 * time.Second
	}
	if c.Notifier.Slack.RatePerSecond <= 0 {
		c.Notifier.Slack.RatePerSecond = 1
	}
	if c.Notifier.Slack.Burst <= 0 {
		c.Notifier.Slack.Burst = 1
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Output = strings.ToLower(strings.TrimSpace(c.Logging.Output))
	c.Logging.FilePath = strings.TrimSpace(c.Logging.FilePath)

	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Broker.Adapter {
	case AdapterPaper:
	case AdapterBridge:
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker baseURL required for bridge adapter")
		}
		if _, err := url.ParseRequestURI(c.Broker.BaseURL); err != nil {
			return fmt.Errorf("broker baseURL: %w", err)
		}
		if c.Broker.StreamURL == "" {
			return fmt.Errorf("broker streamURL required for bridge adapter")
		}
	default:
		return fmt.Errorf("broker adapter must be one of paper, bridge")
	}

	if err := c.Trading.Validate(); err != nil {
		return err
	}

	if c.Notifier.Slack.WebhookURL != "" {
		if _, err := url.ParseRequestURI(c.Notifier.Slack.WebhookURL); err != nil {
			return fmt.Errorf("notifier slack webhookURL: %w", err)
		}
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	switch c.Logging.Output {
	case "", "stdout":
	case "file", "both":
		if c.Logging.FilePath == "" {
			return fmt.Errorf("logging filePath required for output %q", c.Logging.Output)
		}
	default:
		return fmt.Errorf("logging output must be one of stdout, file, both")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}
