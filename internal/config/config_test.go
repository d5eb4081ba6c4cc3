package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validLocal() Config {
	return Config{
		App:    AppConfig{Env: "local", Port: 8080},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "dialer"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Auth:   AuthConfig{JWTSecret: "secret"},
		AMI:    AMIConfig{Host: "127.0.0.1", Port: 5038, Username: "dialer", Secret: "s"},
		Dialer: DialerConfig{Trunks: "magnus"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "dialer"
	c.Auth.JWTAudience = "ops"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_ProductionRefusesDevTokens(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.DB.SSLMode = "require"
	c.Auth.JWTIssuer = "dialer"
	c.Auth.JWTAudience = "ops"
	c.Auth.DevTokens = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for dev tokens in production")
	}
}

func TestValidate_ProductionRequiresPaymentsSecret(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.DB.SSLMode = "require"
	c.Auth.JWTIssuer = "dialer"
	c.Auth.JWTAudience = "ops"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without WEBHOOK_PAYMENTS_SECRET")
	}
	c.Webhooks.PaymentsSecret = "shh"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid production config, got %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Dialer.MaxConcurrent != 10 || c.Dialer.CampaignConcurrency != 10 {
		t.Fatalf("unexpected concurrency defaults: %+v", c.Dialer)
	}
	if c.Dialer.PollInterval != 2*time.Second || c.Dialer.RingTimeout != 30*time.Second {
		t.Fatalf("unexpected dialer timing defaults: %+v", c.Dialer)
	}
	if !c.Billing.RatePerMinute.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected rate 1, got %s", c.Billing.RatePerMinute)
	}
	if c.Billing.IncrementSeconds != 6 || c.Billing.MinimumSeconds != 6 {
		t.Fatalf("unexpected billing defaults: %+v", c.Billing)
	}
	if c.Dialer.Context != "press-one-ivr" || c.Dialer.ChannelTech != "PJSIP" {
		t.Fatalf("unexpected dial defaults: %+v", c.Dialer)
	}
	if c.Keypress.Variable != "PRESSED_DIGIT" {
		t.Fatalf("unexpected keypress variable %q", c.Keypress.Variable)
	}
}

func TestValidate_RejectsUnknownLimiter(t *testing.T) {
	c := validLocal()
	c.Dialer.Limiter = "etcd"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected limiter error")
	}
}

func TestLoad_ParsesBillingFromEnv(t *testing.T) {
	for k, v := range map[string]string{
		"APP_ENV": "dev", "APP_PORT": "8080",
		"DB_HOST": "db", "DB_PORT": "5432", "DB_USER": "u", "DB_NAME": "n",
		"REDIS_HOST": "r", "REDIS_PORT": "6379",
		"JWT_SECRET": "s",
		"AMI_HOST":   "pbx", "AMI_PORT": "5038", "AMI_USERNAME": "dialer",
		"DIALER_TRUNKS":             "magnus:3,backup:1",
		"BILLING_RATE_PER_MINUTE":   "0.75",
		"BILLING_INCREMENT_SECONDS": "60",
		"BILLING_MINIMUM_SECONDS":   "60",
	} {
		t.Setenv(k, v)
	}
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Billing.RatePerMinute.String() != "0.75" {
		t.Fatalf("expected 0.75, got %s", c.Billing.RatePerMinute)
	}
	if c.Billing.IncrementSeconds != 60 || c.Billing.MinimumSeconds != 60 {
		t.Fatalf("unexpected billing: %+v", c.Billing)
	}
	if c.AMIAddr() != "pbx:5038" {
		t.Fatalf("unexpected ami addr %q", c.AMIAddr())
	}
}

func TestLoad_PersistRetryPolicy(t *testing.T) {
	for k, v := range map[string]string{
		"APP_ENV": "dev", "APP_PORT": "8080",
		"DB_HOST": "db", "DB_PORT": "5432", "DB_USER": "u", "DB_NAME": "n",
		"REDIS_HOST": "r", "REDIS_PORT": "6379",
		"JWT_SECRET": "s",
		"AMI_HOST":   "pbx", "AMI_PORT": "5038", "AMI_USERNAME": "dialer",
		"DIALER_TRUNKS":          "magnus",
		"DIALER_PERSIST_RETRIES": "8",
		"DIALER_PERSIST_BACKOFF": "250ms",
	} {
		t.Setenv(k, v)
	}
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Dialer.PersistRetries != 8 || c.Dialer.PersistBackoff != 250*time.Millisecond {
		t.Fatalf("unexpected persist policy: %d %s", c.Dialer.PersistRetries, c.Dialer.PersistBackoff)
	}

	t.Setenv("DIALER_PERSIST_RETRIES", "")
	t.Setenv("DIALER_PERSIST_BACKOFF", "")
	if c, err = Load(); err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if c.Dialer.PersistRetries != 5 || c.Dialer.PersistBackoff != 100*time.Millisecond {
		t.Fatalf("unexpected defaults: %d %s", c.Dialer.PersistRetries, c.Dialer.PersistBackoff)
	}
	if c.Dialer.TrunkCheckInterval != 30*time.Second || c.Dialer.SkipTrunkCheck {
		t.Fatalf("unexpected trunk check defaults: %s %v", c.Dialer.TrunkCheckInterval, c.Dialer.SkipTrunkCheck)
	}
	if c.Webhooks.PaymentsSecret != "" {
		t.Fatalf("webhook secret should be empty when unset")
	}

	t.Setenv("DIALER_TRUNK_CHECK_INTERVAL", "10s")
	t.Setenv("DIALER_SKIP_TRUNK_CHECK", "true")
	t.Setenv("WEBHOOK_PAYMENTS_SECRET", "pay")
	if c, err = Load(); err != nil {
		t.Fatalf("load trunk check: %v", err)
	}
	if c.Dialer.TrunkCheckInterval != 10*time.Second || !c.Dialer.SkipTrunkCheck || c.Webhooks.PaymentsSecret != "pay" {
		t.Fatalf("unexpected overrides: %+v %+v", c.Dialer, c.Webhooks)
	}
}

func TestLoad_RejectsBadRate(t *testing.T) {
	t.Setenv("BILLING_RATE_PER_MINUTE", "cheap")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}
