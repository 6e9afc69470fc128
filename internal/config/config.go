// Package config loads gateway configuration from the environment, with
// defaults matching a development setup.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// Config is the full gateway configuration.
type Config struct {
	ListenAddr string

	// Pricing
	InputPricePerK  float64
	OutputPricePerK float64
	MarkupPercent   float64

	// Quotas
	FreeTierTokens int64
	ProTierTokens  int64

	// Rate limiting
	RateLimitEnabled   bool
	RateLimitPerMinute int64
	RateLimitPerDay    int64

	// Billing
	BillingPeriodDays     int
	StripeSecretKey       string
	StripeWebhookSecret   string
	StripeProPriceID      string
	StripeEnterprisePrice string
	CheckoutSuccessURL    string
	CheckoutCancelURL     string

	// Credential vault sealing key, 32 bytes hex-encoded.
	EncryptionKey string

	// Backends. Empty DatabaseURL or RedisURL selects the in-memory
	// implementation.
	DatabaseURL string
	RedisURL    string

	// Upstream provider
	UpstreamBaseURL string
	UpstreamAPIKey  string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("ANTHROPIC_INPUT_PRICE", 0.003)
	v.SetDefault("ANTHROPIC_OUTPUT_PRICE", 0.015)
	v.SetDefault("MARKUP_PERCENTAGE", 15.0)
	v.SetDefault("FREE_TIER_TOKENS_PER_MONTH", 10_000)
	v.SetDefault("PRO_TIER_INCLUDED_TOKENS", 50_000)
	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 50)
	v.SetDefault("RATE_LIMIT_PER_DAY", 500)
	v.SetDefault("BILLING_PERIOD_DAYS", 30)
	v.SetDefault("UPSTREAM_BASE_URL", "https://api.anthropic.com")

	cfg := &Config{
		ListenAddr:            v.GetString("LISTEN_ADDR"),
		InputPricePerK:        v.GetFloat64("ANTHROPIC_INPUT_PRICE"),
		OutputPricePerK:       v.GetFloat64("ANTHROPIC_OUTPUT_PRICE"),
		MarkupPercent:         v.GetFloat64("MARKUP_PERCENTAGE"),
		FreeTierTokens:        v.GetInt64("FREE_TIER_TOKENS_PER_MONTH"),
		ProTierTokens:         v.GetInt64("PRO_TIER_INCLUDED_TOKENS"),
		RateLimitEnabled:      v.GetBool("RATE_LIMIT_ENABLED"),
		RateLimitPerMinute:    v.GetInt64("RATE_LIMIT_PER_MINUTE"),
		RateLimitPerDay:       v.GetInt64("RATE_LIMIT_PER_DAY"),
		BillingPeriodDays:     v.GetInt("BILLING_PERIOD_DAYS"),
		StripeSecretKey:       v.GetString("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   v.GetString("STRIPE_WEBHOOK_SECRET"),
		StripeProPriceID:      v.GetString("STRIPE_PRO_PRICE_ID"),
		StripeEnterprisePrice: v.GetString("STRIPE_ENTERPRISE_PRICE_ID"),
		CheckoutSuccessURL:    v.GetString("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:     v.GetString("CHECKOUT_CANCEL_URL"),
		EncryptionKey:         v.GetString("ENCRYPTION_KEY"),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		RedisURL:              v.GetString("REDIS_URL"),
		UpstreamBaseURL:       v.GetString("UPSTREAM_BASE_URL"),
		UpstreamAPIKey:        v.GetString("ANTHROPIC_API_KEY"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.InputPricePerK < 0 || c.OutputPricePerK < 0 {
		return fmt.Errorf("prices must be non-negative")
	}
	if c.MarkupPercent < 0 {
		return fmt.Errorf("MARKUP_PERCENTAGE must be non-negative")
	}
	if c.FreeTierTokens <= 0 || c.ProTierTokens <= 0 {
		return fmt.Errorf("tier token allowances must be positive")
	}
	if c.BillingPeriodDays <= 0 {
		return fmt.Errorf("BILLING_PERIOD_DAYS must be positive")
	}
	if c.EncryptionKey != "" {
		if _, err := c.SealingKey(); err != nil {
			return err
		}
	}
	return nil
}

// CostModel returns the pricing configuration as a cost model.
func (c *Config) CostModel() meter.CostModel {
	return meter.CostModel{
		InputPricePerK:  c.InputPricePerK,
		OutputPricePerK: c.OutputPricePerK,
		MarkupFraction:  c.MarkupPercent / 100,
	}
}

// Quotas returns the per-tier monthly token ceilings.
func (c *Config) Quotas() meter.TierQuotas {
	return meter.TierQuotas{
		meter.TierFree: c.FreeTierTokens,
		meter.TierPro:  c.ProTierTokens,
	}
}

// PeriodLength returns the billing period as a duration.
func (c *Config) PeriodLength() time.Duration {
	return time.Duration(c.BillingPeriodDays) * 24 * time.Hour
}

// SealingKey decodes the hex-encoded credential sealing key.
func (c *Config) SealingKey() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
