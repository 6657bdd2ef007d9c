// Package config reads service configuration from flags and
// environment variables. Environment wins over flags.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the service.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabasePath string `env:"DATABASE_PATH"`

	// JobSecret guards the manual job endpoints via ?secret=.
	// ServiceTokenSecret signs bearer tokens for the same endpoints.
	JobSecret          string `env:"JOB_SECRET"`
	ServiceTokenSecret string `env:"SERVICE_TOKEN_SECRET"`

	// PendingTimeout is how long an unpaid reservation holds its slot.
	PendingTimeout time.Duration `env:"PENDING_TIMEOUT"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"`
	ReconInterval  time.Duration `env:"RECON_INTERVAL"`
	ReconDays      int           `env:"RECON_DAYS"`

	// WebhookURL receives outbox events. Empty disables the relay.
	WebhookURL      string        `env:"WEBHOOK_URL"`
	WebhookInterval time.Duration `env:"WEBHOOK_INTERVAL"`

	// TaxRate is a percentage (e.g. 21 for Spanish IVA). TaxIncluded
	// means stored prices already carry the tax.
	TaxRate     float64 `env:"TAX_RATE"`
	TaxIncluded bool    `env:"TAX_INCLUDED"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
}

// Parse reads flags, then lets environment variables override them.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabasePath, "d", "./data/booking.db", "SQLite database path")
	flag.StringVar(&cfg.JobSecret, "job-secret", "", "shared secret for manual job endpoints")
	flag.StringVar(&cfg.ServiceTokenSecret, "token-secret", "", "signing secret for service tokens")
	flag.DurationVar(&cfg.PendingTimeout, "pending-timeout", 15*time.Minute, "unpaid reservation window")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", time.Minute, "timeout sweep period")
	flag.DurationVar(&cfg.ReconInterval, "recon-interval", 6*time.Hour, "reconciliation period")
	flag.IntVar(&cfg.ReconDays, "recon-days", 2, "reconciliation lookback in days")
	flag.StringVar(&cfg.WebhookURL, "webhook-url", "", "outbox webhook target (empty disables)")
	flag.DurationVar(&cfg.WebhookInterval, "webhook-interval", 10*time.Second, "outbox relay period")
	flag.Float64Var(&cfg.TaxRate, "tax-rate", 21, "tax rate percentage")
	flag.BoolVar(&cfg.TaxIncluded, "tax-included", true, "stored prices include tax")
	flag.Parse()

	applyEnvOverrides(cfg, fromEnv)

	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.ReconDays <= 0 {
		cfg.ReconDays = 2
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, fromEnv Config) {
	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabasePath != "" {
		cfg.DatabasePath = fromEnv.DatabasePath
	}
	if fromEnv.JobSecret != "" {
		cfg.JobSecret = fromEnv.JobSecret
	}
	if fromEnv.ServiceTokenSecret != "" {
		cfg.ServiceTokenSecret = fromEnv.ServiceTokenSecret
	}
	if fromEnv.PendingTimeout != 0 {
		cfg.PendingTimeout = fromEnv.PendingTimeout
	}
	if fromEnv.SweepInterval != 0 {
		cfg.SweepInterval = fromEnv.SweepInterval
	}
	if fromEnv.ReconInterval != 0 {
		cfg.ReconInterval = fromEnv.ReconInterval
	}
	if fromEnv.ReconDays != 0 {
		cfg.ReconDays = fromEnv.ReconDays
	}
	if fromEnv.WebhookURL != "" {
		cfg.WebhookURL = fromEnv.WebhookURL
	}
	if fromEnv.WebhookInterval != 0 {
		cfg.WebhookInterval = fromEnv.WebhookInterval
	}
	if fromEnv.TaxRate != 0 {
		cfg.TaxRate = fromEnv.TaxRate
	}
	if fromEnv.TaxIncluded {
		cfg.TaxIncluded = fromEnv.TaxIncluded
	}
	if len(fromEnv.CORSOrigins) > 0 {
		cfg.CORSOrigins = fromEnv.CORSOrigins
	}
}
