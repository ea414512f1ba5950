// Package config defines the global configuration structure for the quota
// service. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to
// fail immediately on startup.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/justice-rest/the-romy/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the quota service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"romy-quota"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server      ServerConfig
	Database    DatabaseConfig
	Billing     BillingConfig
	Quota       QuotaConfig
	Entitlement EntitlementConfig
	Dispatch    DispatchConfig
}

// DispatchConfig points at the model backend that serves allowed messages.
// Empty means local loopback mode (messages are echoed, not dispatched).
type DispatchConfig struct {
	ChatUpstreamURL string        `envconfig:"CHAT_UPSTREAM_URL" validate:"omitempty,url"`
	Timeout         time.Duration `envconfig:"CHAT_UPSTREAM_TIMEOUT" default:"30s"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
// URL is optional because local mode runs on the in-memory store.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds Stripe integration credentials. Both are optional;
// without them the service runs with static entitlements only.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	// StripePriceMapJSON maps Stripe price IDs to tiers:
	//   {"price_123": "pro", "price_456": "max"}
	StripePriceMapJSON string `envconfig:"STRIPE_PRICE_MAP_JSON" validate:"omitempty,json"`
}

// QuotaConfig holds enforcement tuning.
type QuotaConfig struct {
	// AnonymousDailyLimit caps messages for visitors without an account.
	AnonymousDailyLimit int `envconfig:"QUOTA_ANON_DAILY_LIMIT" default:"10" validate:"min=0"`
	// ConflictRetries bounds optimistic-concurrency retry loops.
	ConflictRetries int `envconfig:"QUOTA_CONFLICT_RETRIES" default:"3" validate:"min=0,max=10"`
	// StoreTimeout bounds each quota store call.
	StoreTimeout time.Duration `envconfig:"QUOTA_STORE_TIMEOUT" default:"2s"`
	// FailOpen controls behavior when the quota store is unavailable:
	// true lets traffic through unmetered, false rejects with 503.
	FailOpen bool `envconfig:"QUOTA_FAIL_OPEN" default:"false"`
}

// EntitlementConfig holds the billing reconcile loop settings.
type EntitlementConfig struct {
	SyncEnabled  bool          `envconfig:"ENTITLEMENT_SYNC_ENABLED" default:"false"`
	SyncInterval time.Duration `envconfig:"ENTITLEMENT_SYNC_INTERVAL" default:"1h"`
}

// IsLocal reports whether the service runs in local development mode.
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}

// PriceMap decodes StripePriceMapJSON into a price-ID-to-tier map.
// An empty setting yields an empty map.
func (b *BillingConfig) PriceMap() (map[string]types.Tier, error) {
	if b.StripePriceMapJSON == "" {
		return map[string]types.Tier{}, nil
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(b.StripePriceMapJSON), &raw); err != nil {
		return nil, fmt.Errorf("invalid STRIPE_PRICE_MAP_JSON: %w", err)
	}
	out := make(map[string]types.Tier, len(raw))
	for price, tier := range raw {
		out[price] = types.Tier(tier)
	}
	return out, nil
}
