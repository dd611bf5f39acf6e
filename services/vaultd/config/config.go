package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tokenvault/vault"
)

// Config captures runtime configuration for vaultd.
type Config struct {
	ListenAddress string     `yaml:"listen"`
	DatabasePath  string     `yaml:"database"`
	Log           LogConfig  `yaml:"log"`
	Fees          FeeConfig  `yaml:"fees"`
	Auth          AuthConfig `yaml:"auth"`
	Admins        []string   `yaml:"admins"`
}

// LogConfig tunes optional file logging with rotation.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// FeeConfig carries the protocol fee rates in basis points.
type FeeConfig struct {
	SwapBps      uint64 `yaml:"swap_bps"`
	FlashLoanBps uint64 `yaml:"flash_loan_bps"`
}

// AuthConfig maps static bearer tokens to caller addresses.
type AuthConfig struct {
	Tokens []TokenBinding `yaml:"tokens"`
}

// TokenBinding binds one bearer token to the address it authenticates as.
type TokenBinding struct {
	Token   string `yaml:"token"`
	Address string `yaml:"address"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7345"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/vaultd.db"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 64
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 4
	}
}

func validate(cfg Config) error {
	params := vault.Params{SwapFeeBps: cfg.Fees.SwapBps, FlashLoanFeeBps: cfg.Fees.FlashLoanBps}
	if err := params.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cfg.Auth.Tokens))
	for i, binding := range cfg.Auth.Tokens {
		token := strings.TrimSpace(binding.Token)
		if token == "" {
			return fmt.Errorf("auth token %d: token must not be empty", i)
		}
		if _, dup := seen[token]; dup {
			return fmt.Errorf("auth token %d: duplicate token", i)
		}
		seen[token] = struct{}{}
		if _, err := vault.ParseAddress(binding.Address); err != nil {
			return fmt.Errorf("auth token %d: %w", i, err)
		}
	}
	for i, admin := range cfg.Admins {
		if _, err := vault.ParseAddress(admin); err != nil {
			return fmt.Errorf("admin %d: %w", i, err)
		}
	}
	return nil
}
