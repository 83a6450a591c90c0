package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const legacyBudgetKey = "budget_per_stock"

// Load reads and validates an AppConfig from the provided YAML file.
// Keys absent from the file keep their default values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes YAML bytes over the defaults, then normalises and validates the result.
func Parse(bytes []byte) (AppConfig, error) {
	var envelope map[string]any
	if err := yaml.Unmarshal(bytes, &envelope); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := applyLegacyBudget(envelope, &cfg); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// applyLegacyBudget honours trading.budget_per_stock when budgetPerSymbol is absent.
func applyLegacyBudget(envelope map[string]any, cfg *AppConfig) error {
	trading, ok := envelope["trading"].(map[string]any)
	if !ok {
		return nil
	}
	if _, modern := trading["budgetPerSymbol"]; modern {
		return nil
	}
	raw, legacy := trading[legacyBudgetKey]
	if !legacy {
		return nil
	}
	if raw == nil {
		cfg.Trading.BudgetPerSymbol = nil
		return nil
	}
	amount, err := ParseAmount(fmt.Sprint(raw))
	if err != nil {
		return fmt.Errorf("trading.%s: %w", legacyBudgetKey, err)
	}
	cfg.Trading.BudgetPerSymbol = &amount
	return nil
}

// LoadOrDefault loads configPath, falling back to defaults when the file does not exist.
// The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultAppConfig(), false, nil
	}
	return AppConfig{}, false, err
}

// SaveAppConfig writes cfg to path atomically through a temporary file in the same directory.
func SaveAppConfig(path string, cfg AppConfig) error {
	target := filepath.Clean(strings.TrimSpace(path))
	if target == "" || target == "." {
		return fmt.Errorf("save app config: path required")
	}
	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal app config: %w", err)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".app-config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(bytes); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace app config: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
