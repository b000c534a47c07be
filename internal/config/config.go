// Package config assembles the escrowflow configuration from the shared
// config center (base.yaml + <env>.yaml + secrets.env) and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/internal/fee"
	"escrowflow/pkg/config"
)

type WorkflowConfig struct {
	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`
	ReconcileGrace       time.Duration `yaml:"reconcile_grace"`
	MaxReconcileAttempts int           `yaml:"max_reconcile_attempts"`
	ReconcileBatchSize   int           `yaml:"reconcile_batch_size"`
	// DedupTTL bounds how long a webhook delivery is remembered.
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

type FeeConfig struct {
	// DefaultPercentage is kept as text so "6.5" never passes through a float.
	DefaultPercentage string `yaml:"default_percentage"`
	// Default is the parsed DefaultPercentage.
	Default decimal.Decimal `yaml:"-"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type Config struct {
	DB       config.DBConfig      `yaml:"db"`
	MQ       config.MQConfig      `yaml:"mq"`
	Redis    config.RedisConfig   `yaml:"redis"`
	JWT      config.JWTConfig     `yaml:"jwt"`
	Server   config.ServerConfig  `yaml:"server"`
	Payment  config.PaymentConfig `yaml:"payment"`
	Otel     config.OtelConfig    `yaml:"otel"`
	Workflow WorkflowConfig       `yaml:"workflow"`
	Fee      FeeConfig            `yaml:"fee"`
	Outbox   OutboxConfig         `yaml:"outbox"`
	// AutoMigrate applies pending migrations at server start.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// Load reads the config for APP_ENV from CONFIG_DIR (default "config"),
// applies environment overrides and fills defaults.
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	dir := config.GetEnv("CONFIG_DIR", "config")
	return LoadFrom(env, dir)
}

func LoadFrom(env, dir string) (*Config, error) {
	var cfg Config
	if err := config.Load(env, dir, &cfg); err != nil {
		return nil, err
	}

	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverridePaymentFromEnv(&cfg.Payment)
	if pct := os.Getenv("PLATFORM_FEE_DEFAULT"); pct != "" {
		cfg.Fee.DefaultPercentage = pct
	}
	if v := os.Getenv("AUTO_MIGRATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoMigrate = b
		}
	}

	cfg.applyDefaults()
	d, err := decimal.NewFromString(cfg.Fee.DefaultPercentage)
	if err != nil {
		return nil, fmt.Errorf("invalid fee.default_percentage %q: %w", cfg.Fee.DefaultPercentage, err)
	}
	cfg.Fee.Default = d
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Payment.Currency == "" {
		c.Payment.Currency = "IDR"
	}
	if c.Payment.Timeout <= 0 {
		c.Payment.Timeout = 15 * time.Second
	}
	if c.Fee.DefaultPercentage == "" {
		c.Fee.DefaultPercentage = "6.5"
	}
	if c.Workflow.ReconcileInterval <= 0 {
		c.Workflow.ReconcileInterval = time.Minute
	}
	if c.Workflow.ReconcileGrace <= 0 {
		c.Workflow.ReconcileGrace = 5 * time.Minute
	}
	if c.Workflow.MaxReconcileAttempts <= 0 {
		c.Workflow.MaxReconcileAttempts = 10
	}
	if c.Workflow.ReconcileBatchSize <= 0 {
		c.Workflow.ReconcileBatchSize = 100
	}
	if c.Workflow.DedupTTL <= 0 {
		c.Workflow.DedupTTL = 24 * time.Hour
	}
	if c.Outbox.Interval <= 0 {
		c.Outbox.Interval = 2 * time.Second
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 50
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 5
	}
}

func (c *Config) validate() error {
	if err := fee.ValidatePercentage(c.Fee.Default); err != nil {
		return fmt.Errorf("fee.default_percentage: %w", err)
	}
	if c.Workflow.ReconcileGrace <= c.Payment.Timeout {
		return fmt.Errorf("workflow.reconcile_grace (%s) must exceed payment.timeout (%s)",
			c.Workflow.ReconcileGrace, c.Payment.Timeout)
	}
	return nil
}
