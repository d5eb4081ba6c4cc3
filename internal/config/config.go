package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration required by the dialer process.
// All values come from env (cmd/api loads an optional .env first).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	AMI      AMIConfig
	Dialer   DialerConfig
	Billing  BillingConfig
	Keypress KeypressConfig
	AMQP     AMQPConfig
	Webhooks WebhookConfig
	Report   ReportConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// DevTokens enables POST /v1/auth/token. Refused in production.
	DevTokens bool
}

// AMIConfig describes the switch manager endpoint.
type AMIConfig struct {
	Host     string
	Port     int
	Username string
	Secret   string

	ActionTimeout time.Duration
	PingInterval  time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
}

type DialerConfig struct {
	MaxConcurrent       int
	CampaignConcurrency int
	PollInterval        time.Duration
	MaxCallDuration     time.Duration
	RingTimeout         time.Duration

	// Trunks is "name[:weight],name[:weight]".
	Trunks          string
	ChannelTech     string
	Context         string
	DefaultCallerID string

	// Limiter selects the global slot limiter: "local" or "redis".
	Limiter string

	// PersistRetries bounds store retries before a campaign is paused with
	// persistence_error. PersistBackoff is the first retry delay.
	PersistRetries int
	PersistBackoff time.Duration

	// TrunkCheckInterval is how often outbound registrations are polled for
	// /healthz. SkipTrunkCheck turns polling off for IP-authenticated trunks.
	TrunkCheckInterval time.Duration
	SkipTrunkCheck     bool
}

type BillingConfig struct {
	RatePerMinute    decimal.Decimal
	IncrementSeconds int
	MinimumSeconds   int

	// EstimateSeconds sizes the per-call reservation.
	EstimateSeconds int
}

type KeypressConfig struct {
	GracePeriod   time.Duration
	RetryInterval time.Duration
	Variable      string
}

// AMQPConfig is optional; an empty URL disables the grant consumer.
type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// WebhookConfig holds the shared secrets callers send in X-Webhook-Secret.
// An empty secret leaves that webhook open; production requires the
// payments one.
type WebhookConfig struct {
	PaymentsSecret string
	KeypressSecret string
}

type ReportConfig struct {
	SnapshotTTL time.Duration
	// Cache is "memory" or "redis".
	Cache string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")
	c.Auth.DevTokens = optBool("AUTH_DEV_TOKENS")

	c.AMI.Host = strings.TrimSpace(os.Getenv("AMI_HOST"))
	{
		n, err := mustInt("AMI_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.AMI.Port = n
	}
	c.AMI.Username = strings.TrimSpace(os.Getenv("AMI_USERNAME"))
	c.AMI.Secret = os.Getenv("AMI_SECRET")
	c.AMI.ActionTimeout = mustDuration("AMI_ACTION_TIMEOUT")
	c.AMI.PingInterval = mustDuration("AMI_PING_INTERVAL")
	c.AMI.ReconnectMin = mustDuration("AMI_RECONNECT_MIN")
	c.AMI.ReconnectMax = mustDuration("AMI_RECONNECT_MAX")

	{
		n, err := optInt("DIALER_MAX_CONCURRENT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Dialer.MaxConcurrent = n
	}
	{
		n, err := optInt("DIALER_CAMPAIGN_CONCURRENCY")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Dialer.CampaignConcurrency = n
	}
	c.Dialer.PollInterval = mustDuration("DIALER_POLL_INTERVAL")
	c.Dialer.MaxCallDuration = mustDuration("DIALER_MAX_CALL_DURATION")
	c.Dialer.RingTimeout = mustDuration("DIALER_RING_TIMEOUT")
	c.Dialer.Trunks = strings.TrimSpace(os.Getenv("DIALER_TRUNKS"))
	c.Dialer.TrunkCheckInterval = mustDuration("DIALER_TRUNK_CHECK_INTERVAL")
	c.Dialer.SkipTrunkCheck = optBool("DIALER_SKIP_TRUNK_CHECK")
	c.Dialer.ChannelTech = strings.TrimSpace(os.Getenv("DIALER_CHANNEL_TECH"))
	c.Dialer.Context = strings.TrimSpace(os.Getenv("DIALER_CONTEXT"))
	c.Dialer.DefaultCallerID = strings.TrimSpace(os.Getenv("DIALER_DEFAULT_CALLER_ID"))
	c.Dialer.Limiter = strings.TrimSpace(os.Getenv("DIALER_LIMITER"))
	{
		n, err := optInt("DIALER_PERSIST_RETRIES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Dialer.PersistRetries = n
	}
	c.Dialer.PersistBackoff = mustDuration("DIALER_PERSIST_BACKOFF")

	if v := strings.TrimSpace(os.Getenv("BILLING_RATE_PER_MINUTE")); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("BILLING_RATE_PER_MINUTE must be a decimal, got %q", v))
		}
		c.Billing.RatePerMinute = d
	}
	{
		n, err := optInt("BILLING_INCREMENT_SECONDS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Billing.IncrementSeconds = n
	}
	{
		n, err := optInt("BILLING_MINIMUM_SECONDS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Billing.MinimumSeconds = n
	}
	{
		n, err := optInt("BILLING_ESTIMATE_SECONDS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Billing.EstimateSeconds = n
	}

	c.Keypress.GracePeriod = mustDuration("KEYPRESS_GRACE_PERIOD")
	c.Keypress.RetryInterval = mustDuration("KEYPRESS_RETRY_INTERVAL")
	c.Keypress.Variable = strings.TrimSpace(os.Getenv("KEYPRESS_VARIABLE"))
	c.Webhooks.PaymentsSecret = os.Getenv("WEBHOOK_PAYMENTS_SECRET")
	c.Webhooks.KeypressSecret = os.Getenv("WEBHOOK_KEYPRESS_SECRET")

	c.AMQP.URL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	c.AMQP.Queue = strings.TrimSpace(os.Getenv("AMQP_GRANTS_QUEUE"))
	{
		n, err := optInt("AMQP_PREFETCH")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.AMQP.Prefetch = n
	}

	c.Report.SnapshotTTL = mustDuration("SNAPSHOT_TTL")
	c.Report.Cache = strings.TrimSpace(os.Getenv("SNAPSHOT_CACHE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Auth.DevTokens {
			errs = append(errs, errors.New("AUTH_DEV_TOKENS must not be enabled in production"))
		}
		if c.Webhooks.PaymentsSecret == "" {
			errs = append(errs, errors.New("WEBHOOK_PAYMENTS_SECRET is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.validateAMI()...)
	errs = append(errs, c.validateDialer()...)
	errs = append(errs, c.validateBilling()...)

	if c.Keypress.GracePeriod <= 0 {
		c.Keypress.GracePeriod = 5 * time.Second
	}
	if c.Keypress.RetryInterval <= 0 {
		c.Keypress.RetryInterval = 250 * time.Millisecond
	}
	if c.Keypress.Variable == "" {
		c.Keypress.Variable = "PRESSED_DIGIT"
	}

	if c.AMQP.Queue == "" {
		c.AMQP.Queue = "credit_grants"
	}
	if c.AMQP.Prefetch <= 0 {
		c.AMQP.Prefetch = 10
	}

	if c.Report.SnapshotTTL <= 0 {
		c.Report.SnapshotTTL = 5 * time.Second
	}
	switch c.Report.Cache {
	case "":
		c.Report.Cache = "memory"
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("SNAPSHOT_CACHE must be one of memory, redis, got %q", c.Report.Cache))
	}

	return joinErrors(errs)
}

func (c *Config) validateAMI() []error {
	var errs []error
	if c.AMI.Host == "" {
		errs = append(errs, errors.New("AMI_HOST is required"))
	}
	if c.AMI.Port <= 0 || c.AMI.Port > 65535 {
		errs = append(errs, fmt.Errorf("AMI_PORT must be a valid port, got %d", c.AMI.Port))
	}
	if c.AMI.Username == "" {
		errs = append(errs, errors.New("AMI_USERNAME is required"))
	}
	if c.AMI.ActionTimeout <= 0 {
		c.AMI.ActionTimeout = 10 * time.Second
	}
	if c.AMI.PingInterval <= 0 {
		c.AMI.PingInterval = 10 * time.Second
	}
	if c.AMI.ReconnectMin <= 0 {
		c.AMI.ReconnectMin = 500 * time.Millisecond
	}
	if c.AMI.ReconnectMax <= 0 {
		c.AMI.ReconnectMax = 30 * time.Second
	}
	if c.AMI.ReconnectMax < c.AMI.ReconnectMin {
		errs = append(errs, errors.New("AMI_RECONNECT_MAX must be >= AMI_RECONNECT_MIN"))
	}
	return errs
}

func (c *Config) validateDialer() []error {
	var errs []error
	if c.Dialer.MaxConcurrent == 0 {
		c.Dialer.MaxConcurrent = 10
	}
	if c.Dialer.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("DIALER_MAX_CONCURRENT must be > 0, got %d", c.Dialer.MaxConcurrent))
	}
	if c.Dialer.CampaignConcurrency == 0 {
		c.Dialer.CampaignConcurrency = c.Dialer.MaxConcurrent
	}
	if c.Dialer.CampaignConcurrency < 0 {
		errs = append(errs, fmt.Errorf("DIALER_CAMPAIGN_CONCURRENCY must be > 0, got %d", c.Dialer.CampaignConcurrency))
	}
	if c.Dialer.PollInterval <= 0 {
		c.Dialer.PollInterval = 2 * time.Second
	}
	if c.Dialer.RingTimeout <= 0 {
		c.Dialer.RingTimeout = 30 * time.Second
	}
	if c.Dialer.MaxCallDuration <= 0 {
		c.Dialer.MaxCallDuration = 10 * time.Minute
	}
	if c.Dialer.MaxCallDuration <= c.Dialer.RingTimeout {
		errs = append(errs, errors.New("DIALER_MAX_CALL_DURATION must be greater than DIALER_RING_TIMEOUT"))
	}
	if c.Dialer.Trunks == "" {
		errs = append(errs, errors.New("DIALER_TRUNKS is required"))
	}
	if c.Dialer.ChannelTech == "" {
		c.Dialer.ChannelTech = "PJSIP"
	}
	if c.Dialer.Context == "" {
		c.Dialer.Context = "press-one-ivr"
	}
	if c.Dialer.PersistRetries == 0 {
		c.Dialer.PersistRetries = 5
	}
	if c.Dialer.PersistRetries < 0 {
		errs = append(errs, fmt.Errorf("DIALER_PERSIST_RETRIES must be >= 0, got %d", c.Dialer.PersistRetries))
	}
	if c.Dialer.PersistBackoff <= 0 {
		c.Dialer.PersistBackoff = 100 * time.Millisecond
	}
	if c.Dialer.TrunkCheckInterval <= 0 {
		c.Dialer.TrunkCheckInterval = 30 * time.Second
	}
	switch c.Dialer.Limiter {
	case "":
		c.Dialer.Limiter = "local"
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("DIALER_LIMITER must be one of local, redis, got %q", c.Dialer.Limiter))
	}
	return errs
}

func (c *Config) validateBilling() []error {
	var errs []error
	if c.Billing.RatePerMinute.IsZero() {
		c.Billing.RatePerMinute = decimal.NewFromInt(1)
	}
	if c.Billing.RatePerMinute.IsNegative() {
		errs = append(errs, errors.New("BILLING_RATE_PER_MINUTE must be positive"))
	}
	if c.Billing.IncrementSeconds == 0 {
		c.Billing.IncrementSeconds = 6
	}
	if c.Billing.MinimumSeconds == 0 {
		c.Billing.MinimumSeconds = 6
	}
	if c.Billing.EstimateSeconds == 0 {
		c.Billing.EstimateSeconds = 60
	}
	if c.Billing.IncrementSeconds < 0 || c.Billing.MinimumSeconds < 0 || c.Billing.EstimateSeconds < 0 {
		errs = append(errs, errors.New("BILLING_*_SECONDS must not be negative"))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c Config) AMIAddr() string {
	return fmt.Sprintf("%s:%d", c.AMI.Host, c.AMI.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optInt returns 0 for an unset key so Validate can apply the default.
func optInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optBool(key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && b
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
