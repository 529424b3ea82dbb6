package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"sodachain/native/calculator"
)

// PoolConfig declares one lending pool: the debt token it mints, the vault
// backing it and the calculator parameters priced into its loans.
type PoolConfig struct {
	ID                          string `toml:"ID"`
	DebtTokenSymbol             string `toml:"DebtTokenSymbol"`
	VaultID                     string `toml:"VaultID"`
	RatePerMillion              uint64 `toml:"RatePerMillion"`
	LoanToValuePercent          uint64 `toml:"LoanToValuePercent"`
	LiquidationThresholdPercent uint64 `toml:"LiquidationThresholdPercent"`
}

// CalculatorParams converts the pool declaration into calculator parameters.
func (p PoolConfig) CalculatorParams() calculator.Params {
	return calculator.Params{
		RatePerMillion:              p.RatePerMillion,
		LoanToValuePercent:          p.LoanToValuePercent,
		LiquidationThresholdPercent: p.LiquidationThresholdPercent,
	}
}

// Config is the runtime configuration for the lending ledger.
type Config struct {
	// DataDir is where the LevelDB state lives. Empty means in-memory.
	DataDir string `toml:"DataDir"`
	// CollectMinAgeSeconds gates third-party debt collection on loan age.
	// Zero disables the gate.
	CollectMinAgeSeconds int64        `toml:"CollectMinAgeSeconds"`
	Pools                []PoolConfig `toml:"pool"`
}

// Load reads the configuration from the given path and validates it. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects malformed pool declarations and out-of-range calculator
// parameters before any module is wired from them.
func (c *Config) Validate() error {
	if c.CollectMinAgeSeconds < 0 {
		return fmt.Errorf("config: CollectMinAgeSeconds must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Pools))
	for _, pool := range c.Pools {
		id := strings.TrimSpace(pool.ID)
		if id == "" {
			return fmt.Errorf("config: pool with empty ID")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: duplicate pool ID %q", id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(pool.DebtTokenSymbol) == "" {
			return fmt.Errorf("config: pool %q missing DebtTokenSymbol", id)
		}
		if strings.TrimSpace(pool.VaultID) == "" {
			return fmt.Errorf("config: pool %q missing VaultID", id)
		}
		if err := pool.CalculatorParams().Validate(); err != nil {
			return fmt.Errorf("config: pool %q: %w", id, err)
		}
	}
	return nil
}
