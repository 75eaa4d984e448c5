// Package config loads the merchantd runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"merchantvasp/identifier"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for merchantd.
type Config struct {
	Environment   string          `yaml:"environment"`
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	ProgressPath  string          `yaml:"progress"`
	ChainHRP      string          `yaml:"chain_hrp"`
	PaymentExpiry Duration        `yaml:"payment_expiry"`
	Node          NodeConfig      `yaml:"node"`
	Wallet        WalletConfig    `yaml:"wallet"`
	Liquidity     LiquidityConfig `yaml:"liquidity"`
	Sync          SyncConfig      `yaml:"sync"`
}

// NodeConfig configures the blockchain node RPC client.
type NodeConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	AuthToken      string   `yaml:"auth_token"`
	AuthTokenEnv   string   `yaml:"auth_token_env"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// WalletConfig configures the custody hot wallet.
type WalletConfig struct {
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
	PrivateKeyEnv  string `yaml:"private_key_env"`
}

// LiquidityConfig configures the liquidity provider client.
type LiquidityConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	APIKey         string   `yaml:"api_key"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// SyncConfig configures the chain event sync engine. The wallet's own
// account is always tracked; Accounts adds further addresses.
type SyncConfig struct {
	Accounts     []string `yaml:"accounts"`
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
	Resilient    bool     `yaml:"resilient"`
	PauseOnStart bool     `yaml:"pause"`
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
	cfg.Node.normalise()
	if err := cfg.Wallet.normalise(); err != nil {
		return cfg, fmt.Errorf("wallet key: %w", err)
	}
	cfg.Liquidity.normalise()
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "merchant.db"
	}
	if cfg.ProgressPath == "" {
		cfg.ProgressPath = "progress.db"
	}
	if cfg.ChainHRP == "" {
		cfg.ChainHRP = identifier.TestnetHRP
	}
	if cfg.PaymentExpiry.Duration == 0 {
		cfg.PaymentExpiry.Duration = 10 * time.Minute
	}
	if cfg.Node.RequestTimeout.Duration == 0 {
		cfg.Node.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.Liquidity.RequestTimeout.Duration == 0 {
		cfg.Liquidity.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.Sync.PollInterval.Duration == 0 {
		cfg.Sync.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 100
	}
}

func (c *NodeConfig) normalise() {
	if env := strings.TrimSpace(c.AuthTokenEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			c.AuthToken = v
		}
	}
}

func (c *WalletConfig) normalise() error {
	if env := strings.TrimSpace(c.PrivateKeyEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			c.PrivateKey = v
		}
	}
	if path := strings.TrimSpace(c.PrivateKeyFile); c.PrivateKey == "" && path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		c.PrivateKey = string(raw)
	}
	c.PrivateKey = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c.PrivateKey), "0x"))
	return nil
}

func (c *LiquidityConfig) normalise() {
	if env := strings.TrimSpace(c.APIKeyEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			c.APIKey = v
		}
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Node.Endpoint) == "" {
		return fmt.Errorf("node endpoint required")
	}
	if strings.TrimSpace(cfg.Liquidity.Endpoint) == "" {
		return fmt.Errorf("liquidity endpoint required")
	}
	if cfg.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet private key required")
	}
	if cfg.ChainHRP != identifier.MainnetHRP && cfg.ChainHRP != identifier.TestnetHRP {
		return fmt.Errorf("unknown chain hrp %q", cfg.ChainHRP)
	}
	return nil
}
