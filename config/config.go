// Package config loads the payment service settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const MinPollingInterval = 5000 // ms

type Config struct {
	MasterAddress   string `envconfig:"MASTER_ADDRESS" required:"true"`
	RPCURL          string `envconfig:"RPC_URL" required:"true"`
	Port            int    `envconfig:"PORT" default:"3000"`
	PollingInterval int    `envconfig:"POLLING_INTERVAL" default:"30000"` // ms
	GasLimit        uint64 `envconfig:"GAS_LIMIT" default:"21000"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string `envconfig:"LOG_FORMAT" default:"json"`

	EtherscanAPIURL string        `envconfig:"ETHERSCAN_API_URL" default:"https://api.etherscan.io/api"`
	EtherscanAPIKey string        `envconfig:"ETHERSCAN_API_KEY"`
	BalanceTimeout  time.Duration `envconfig:"BALANCE_TIMEOUT" default:"10s"`
	BalanceRPS      float64       `envconfig:"BALANCE_RPS" default:"5"`

	ReceiptTimeout      time.Duration `envconfig:"RECEIPT_TIMEOUT" default:"5m"`
	ReceiptPollInterval time.Duration `envconfig:"RECEIPT_POLL_INTERVAL" default:"2s"`

	APIRateLimit int `envconfig:"API_RATE_LIMIT" default:"60"` // requests per minute per IP
}

// ValidationError lists every rule the loaded configuration breaks.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch {
	case !strings.HasPrefix(c.MasterAddress, "0x"):
		add("MASTER_ADDRESS: must be a valid Ethereum address")
	case len(c.MasterAddress) != 42:
		add("MASTER_ADDRESS: Ethereum address must be 42 characters")
	case !common.IsHexAddress(c.MasterAddress):
		add("MASTER_ADDRESS: must be hex encoded")
	}
	if !isAbsoluteURL(c.RPCURL) {
		add("RPC_URL: must be a valid URL")
	}
	if c.Port <= 0 || c.Port > 65535 {
		add("PORT: must be between 1 and 65535")
	}
	if c.PollingInterval < MinPollingInterval {
		add("POLLING_INTERVAL: polling interval must be at least 5 seconds")
	}
	if c.GasLimit == 0 {
		add("GAS_LIMIT: must be positive")
	}
	switch c.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		add("LOG_LEVEL: must be one of error, warn, info, debug")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		add("LOG_FORMAT: must be json or console")
	}
	if !isAbsoluteURL(c.EtherscanAPIURL) {
		add("ETHERSCAN_API_URL: must be a valid URL")
	}
	if c.BalanceTimeout <= 0 {
		add("BALANCE_TIMEOUT: must be positive")
	}
	if c.BalanceRPS <= 0 {
		add("BALANCE_RPS: must be positive")
	}
	if c.ReceiptTimeout <= 0 {
		add("RECEIPT_TIMEOUT: must be positive")
	}
	if c.ReceiptPollInterval <= 0 {
		add("RECEIPT_POLL_INTERVAL: must be positive")
	}
	if c.APIRateLimit <= 0 {
		add("API_RATE_LIMIT: must be positive")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.PollingInterval) * time.Millisecond
}

func (c *Config) Master() common.Address {
	return common.HexToAddress(c.MasterAddress)
}

func isAbsoluteURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
