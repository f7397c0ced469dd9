// Package config loads carmarket settings from defaults, an optional YAML
// file, an optional .env file and CARMARKET_* environment variables, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chain     ChainConfig     `yaml:"chain"`
	Contracts ContractsConfig `yaml:"contracts"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Listings  ListingsConfig  `yaml:"listings"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"CARMARKET_HTTP_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"CARMARKET_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"CARMARKET_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CARMARKET_HTTP_SHUTDOWN_TIMEOUT"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CARMARKET_CORS_ORIGINS"`
	ExplorerURL     string        `yaml:"explorer_url" env:"CARMARKET_EXPLORER_URL"`
	// WriteRate limits mutating requests per client and second; zero disables it.
	WriteRate  float64 `yaml:"write_rate" env:"CARMARKET_HTTP_WRITE_RATE"`
	WriteBurst int     `yaml:"write_burst" env:"CARMARKET_HTTP_WRITE_BURST"`
}

// ChainConfig configures the Neo N3 RPC connection.
type ChainConfig struct {
	RPCURL       string        `yaml:"rpc_url" env:"CARMARKET_RPC_URL"`
	NetworkMagic uint32        `yaml:"network_magic" env:"CARMARKET_NETWORK_MAGIC"`
	Timeout      time.Duration `yaml:"timeout" env:"CARMARKET_RPC_TIMEOUT"`
	RateLimit    float64       `yaml:"rate_limit" env:"CARMARKET_RPC_RATE_LIMIT"`
	Burst        int           `yaml:"burst" env:"CARMARKET_RPC_BURST"`
	PollInterval time.Duration `yaml:"poll_interval" env:"CARMARKET_TX_POLL_INTERVAL"`
	WaitTimeout  time.Duration `yaml:"wait_timeout" env:"CARMARKET_TX_WAIT_TIMEOUT"`
}

// ContractsConfig names the listings and token contracts.
type ContractsConfig struct {
	ListingsHash  string `yaml:"listings_hash" env:"CARMARKET_LISTINGS_HASH"`
	TokenHash     string `yaml:"token_hash" env:"CARMARKET_TOKEN_HASH"`
	TokenDecimals int32  `yaml:"token_decimals" env:"CARMARKET_TOKEN_DECIMALS"`
}

// WalletConfig locates the NEP-6 wallet used as signing agent. The
// passphrase is normally supplied through the environment only.
type WalletConfig struct {
	Path       string `yaml:"path" env:"CARMARKET_WALLET_PATH"`
	Passphrase string `yaml:"-" env:"CARMARKET_WALLET_PASSPHRASE"`
}

// ListingsConfig tunes snapshot refreshes.
type ListingsConfig struct {
	FetchConcurrency int           `yaml:"fetch_concurrency" env:"CARMARKET_FETCH_CONCURRENCY"`
	RefreshSchedule  string        `yaml:"refresh_schedule" env:"CARMARKET_REFRESH_SCHEDULE"`
	RefreshTimeout   time.Duration `yaml:"refresh_timeout" env:"CARMARKET_REFRESH_TIMEOUT"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"CARMARKET_LOG_LEVEL"`
	Format string `yaml:"format" env:"CARMARKET_LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    6 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			ExplorerURL:     "https://dora.coz.io/address/neo3/testnet/",
			WriteRate:       1,
			WriteBurst:      3,
		},
		Chain: ChainConfig{
			RPCURL:       "http://localhost:10332",
			Timeout:      30 * time.Second,
			Burst:        1,
			PollInterval: 2 * time.Second,
			WaitTimeout:  2 * time.Minute,
		},
		Contracts: ContractsConfig{
			TokenDecimals: 18,
		},
		Wallet: WalletConfig{
			Path: "wallet.json",
		},
		Listings: ListingsConfig{
			FetchConcurrency: 16,
			RefreshTimeout:   time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. path and envFile are optional; a named file
// that does not exist is an error, an empty name is skipped.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and ranges.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		problems = append(problems, "chain.rpc_url is required")
	}
	if strings.TrimSpace(c.Contracts.ListingsHash) == "" {
		problems = append(problems, "contracts.listings_hash is required")
	}
	if strings.TrimSpace(c.Contracts.TokenHash) == "" {
		problems = append(problems, "contracts.token_hash is required")
	}
	if c.Contracts.TokenDecimals < 1 || c.Contracts.TokenDecimals > 36 {
		problems = append(problems, "contracts.token_decimals must be between 1 and 36")
	}
	if c.Listings.FetchConcurrency < 1 {
		problems = append(problems, "listings.fetch_concurrency must be positive")
	}
	if c.Server.WriteRate < 0 {
		problems = append(problems, "server.write_rate must not be negative")
	}
	if c.Chain.RateLimit < 0 {
		problems = append(problems, "chain.rate_limit must not be negative")
	}
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	// A purchase waits for two transactions and then refreshes.
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout < 2*c.Chain.WaitTimeout+c.Listings.RefreshTimeout {
		problems = append(problems, fmt.Sprintf(
			"server.write_timeout %s is shorter than two transaction waits plus a refresh (%s)",
			c.Server.WriteTimeout, 2*c.Chain.WaitTimeout+c.Listings.RefreshTimeout))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
