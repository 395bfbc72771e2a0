// Package daemon manages the solvepad daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/solvepad/solvepad/internal/domain"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Providers ProvidersConfig `toml:"providers"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Runner    RunnerConfig    `toml:"runner"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	ConfirmThreshold int    `toml:"confirm_threshold"`
	Metrics          bool   `toml:"metrics"`
}

// ProvidersConfig holds both provider backends.
type ProvidersConfig struct {
	Primary  ProviderConfig `toml:"primary"`
	Fallback ProviderConfig `toml:"fallback"`
}

// ProviderConfig describes one remote LLM backend. Keys come from the
// environment, never from the config file.
type ProviderConfig struct {
	Kind              string `toml:"kind"` // "openai" or "anthropic"
	BaseURL           string `toml:"base_url"`
	Model             string `toml:"model"`
	PerMinuteCap      int    `toml:"per_minute_cap"`
	PerHourCap        int    `toml:"per_hour_cap"`
	PerKeyConcurrency int    `toml:"per_key_concurrency"`
	GlobalConcurrency int    `toml:"global_concurrency"`
}

// DispatchConfig bounds batch fan-out and retries.
type DispatchConfig struct {
	WorkerCap      int `toml:"worker_cap"`
	MaxAttempts    int `toml:"max_attempts"`
	CallTimeoutSec int `toml:"call_timeout_sec"`
}

// RunnerConfig bounds sandboxed code execution.
type RunnerConfig struct {
	WallClockSec  int `toml:"wall_clock_sec"`
	MemoryLimitMB int `toml:"memory_limit_mb"`
}

// StorageConfig controls where state and documents live.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
	DocsDir string `toml:"docs_dir"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	home := solvepadHome()
	return Config{
		API: APIConfig{
			Host:             "127.0.0.1",
			Port:             8742,
			ConfirmThreshold: 20,
			Metrics:          true,
		},
		Providers: ProvidersConfig{
			Primary: ProviderConfig{
				Kind:              "openai",
				Model:             "deepseek-chat",
				BaseURL:           "https://api.deepseek.com/v1",
				PerMinuteCap:      60,
				PerHourCap:        1000,
				PerKeyConcurrency: 2,
				GlobalConcurrency: 4,
			},
			Fallback: ProviderConfig{
				Kind:              "anthropic",
				Model:             "claude-3-5-sonnet-20241022",
				PerMinuteCap:      60,
				PerHourCap:        1000,
				PerKeyConcurrency: 2,
				GlobalConcurrency: 4,
			},
		},
		Dispatch: DispatchConfig{
			WorkerCap:      4,
			MaxAttempts:    3,
			CallTimeoutSec: 60,
		},
		Runner: RunnerConfig{
			WallClockSec:  8,
			MemoryLimitMB: 256,
		},
		Storage: StorageConfig{
			DataDir: home,
			DocsDir: filepath.Join(home, "documents"),
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(home, "solvepad.log"),
		},
	}
}

// LoadConfig reads config from ~/.solvepad/config.toml, falling back to
// defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(solvepadHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet, use defaults
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.solvepad/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(solvepadHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// RateProfile converts the provider section into pool limits, filling
// gaps with the published defaults.
func (p ProviderConfig) RateProfile() domain.RateProfile {
	prof := domain.DefaultRateProfile()
	if p.PerMinuteCap > 0 {
		prof.PerMinuteCap = p.PerMinuteCap
	}
	if p.PerHourCap > 0 {
		prof.PerHourCap = p.PerHourCap
	}
	if p.PerKeyConcurrency > 0 {
		prof.PerKeyConcurrency = p.PerKeyConcurrency
	}
	if p.GlobalConcurrency > 0 {
		prof.GlobalConcurrency = p.GlobalConcurrency
	}
	return prof
}

// CallTimeout returns the provider call timeout as a duration.
func (d DispatchConfig) CallTimeout() time.Duration {
	if d.CallTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(d.CallTimeoutSec) * time.Second
}

// ProviderKeys reads the comma-separated credential list for a provider
// from the environment: SOLVEPAD_PRIMARY_KEYS / SOLVEPAD_FALLBACK_KEYS.
func ProviderKeys(prov domain.Provider) []string {
	env := "SOLVEPAD_PRIMARY_KEYS"
	if prov == domain.ProviderFallback {
		env = "SOLVEPAD_FALLBACK_KEYS"
	}
	raw := os.Getenv(env)
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// solvepadHome returns the solvepad data directory.
func solvepadHome() string {
	if env := os.Getenv("SOLVEPAD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".solvepad")
}

// Home is exported for use by other packages.
func Home() string {
	return solvepadHome()
}
