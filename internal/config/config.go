// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting for the gateway.
type Config struct {
	Port int `env:"PORT,default=3000"`

	// Network is "chipnet" or "mainnet".
	Network string `env:"BCH_NETWORK,default=chipnet"`

	ElectrumHost     string `env:"ELECTRUM_HOST,default=chipnet.bch.ninja"`
	ElectrumPort     int    `env:"ELECTRUM_PORT,default=50002"`
	ElectrumProtocol string `env:"ELECTRUM_PROTOCOL,default=ssl"`

	MerchantWIF     string `env:"MERCHANT_WIF"`
	MerchantAddress string `env:"MERCHANT_ADDRESS"`

	JWTSecret             string        `env:"JWT_SECRET,default=dev-secret-change-me"`
	JWTExpiryPerCall      time.Duration `env:"JWT_EXPIRY_PERCALL,default=60s"`
	JWTExpirySubscription time.Duration `env:"JWT_EXPIRY_SUBSCRIPTION,default=1h"`

	DefaultPerCallRateSats int64 `env:"DEFAULT_PERCALL_RATE_SATS,default=100"`
	DefaultIntervalBlocks  int64 `env:"DEFAULT_INTERVAL_BLOCKS,default=144"`
	DefaultAuthorizedSats  int64 `env:"DEFAULT_AUTHORIZED_SATS,default=20000"`
	DefaultDepositSats     int64 `env:"DEFAULT_DEPOSIT_SATS,default=10000"`

	// JITThresholdSats triggers an opportunistic claim once pending usage
	// crosses it. Zero means half the default deposit.
	JITThresholdSats int64 `env:"JIT_THRESHOLD_SATS,default=0"`

	// WebhookSecret guards the webhook endpoints. Empty leaves them open
	// for development.
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	DataDir string `env:"DATA_DIR,default=./data"`

	// SettleCron is the schedule for the background claim-all sweep.
	SettleCron string `env:"SETTLE_CRON,default=@hourly"`

	PrettyLogs bool `env:"PRETTY_LOGS,default=false"`
}

// Load reads .env (if present) and decodes the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	switch cfg.Network {
	case "chipnet", "mainnet":
	default:
		return nil, fmt.Errorf("unsupported BCH_NETWORK %q (want chipnet or mainnet)", cfg.Network)
	}

	if cfg.JITThresholdSats <= 0 {
		cfg.JITThresholdSats = cfg.DefaultDepositSats / 2
	}

	return &cfg, nil
}

// AddressPrefix returns the cash-address prefix for the configured network.
func (c *Config) AddressPrefix() string {
	if c.Network == "mainnet" {
		return "bitcoincash"
	}
	return "bchtest"
}

// ElectrumTLS reports whether the Electrum connection uses TLS.
func (c *Config) ElectrumTLS() bool {
	p := strings.ToLower(c.ElectrumProtocol)
	return p == "ssl" || p == "tls" || p == "wss"
}
