// Package config loads backend configuration from an optional YAML file
// overlaid with SCRUTIN_* environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	API      ListenConfig   `yaml:"api"`
	Metrics  ListenConfig   `yaml:"metrics"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Tally    TallyConfig    `yaml:"tally"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ListenConfig struct {
	Address string `yaml:"address"`
	Port    uint   `yaml:"port"`
}

func (l ListenConfig) ListenString() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

type LedgerConfig struct {
	// JSON file holding the ledger's receipt-signing key; created on
	// first run if absent
	KeyFile string `yaml:"keyFile"`
}

type TallyConfig struct {
	QuorumTimeout time.Duration `yaml:"quorumTimeout"`
}

func defaults() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info"},
		Database: DatabaseConfig{Path: "scrutin.sqlite"},
		API:      ListenConfig{Address: "0.0.0.0", Port: 8350},
		Metrics:  ListenConfig{Address: "0.0.0.0", Port: 8351},
		Ledger:   LedgerConfig{KeyFile: "ledger-key.json"},
		Tally:    TallyConfig{QuorumTimeout: 5 * time.Minute},
	}
}

// Load reads the YAML file (if path is non-empty), then lets environment
// variables override. Variable names follow the struct layout with the
// SCRUTIN_ prefix, e.g. SCRUTIN_DATABASE_PATH or SCRUTIN_API_PORT.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot open %s: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process("scrutin", cfg); err != nil {
		return nil, fmt.Errorf("config: environment override failed: %w", err)
	}
	return cfg, nil
}
