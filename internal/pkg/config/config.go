package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Config is the validated runtime configuration of the service.
type Config struct {
	AppEnv string `validate:"oneof=dev test prod"`
	Host   string `validate:"required"`
	Port   string `validate:"required,numeric"`

	StripeSecretKey       string `validate:"required_if=AppEnv prod"`
	StripeWebhookSecret   string `validate:"required_if=AppEnv prod"`
	AllowInsecureWebhooks bool
	SignatureTolerance    time.Duration `validate:"gte=0"`

	MaxBodyBytes    int           `validate:"gt=0,lte=1048576"`
	RateLimitMax    int           `validate:"gt=0"`
	RateLimitWindow time.Duration `validate:"gt=0"`

	Workers         int             `validate:"gte=1,lte=64"`
	LedgerRetention time.Duration   `validate:"gte=0"`
	RecheckDelays   []time.Duration `validate:"min=1,dive,gt=0"`
	RecheckTimeout  time.Duration   `validate:"gt=0"`

	ResolverPollAttempts int           `validate:"gte=0,lte=20"`
	ResolverPollInterval time.Duration `validate:"gte=0"`

	FeePercent    decimal.Decimal
	FeeFixedCents int64 `validate:"gte=0"`
	TaxRateFile   string

	NotifyChatLocales []string
	NotifyChatURL     string `validate:"omitempty,url"`
	NotifyChatToken   string
	BrevoAPIKey       string
	BrevoFromEmail    string `validate:"omitempty,email"`
	BrevoFromName     string
	SMTPHost          string
	SMTPPort          string `validate:"omitempty,numeric"`
	SMTPUsername      string
	SMTPPassword      string
	SMTPSender        string `validate:"omitempty,email"`

	// OpsAPIKey guards the metrics endpoints. Empty leaves them open.
	OpsAPIKey string

	DBAutoMigrate bool
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	feePercent, err := decimal.NewFromString(env.GetEnv("STRIPE_FEE_PERCENT", "0.029"))
	if err != nil {
		return nil, fmt.Errorf("STRIPE_FEE_PERCENT: %w", err)
	}
	delays, err := parseDurations(env.GetList("TAX_RECHECK_DELAYS"))
	if err != nil {
		return nil, fmt.Errorf("TAX_RECHECK_DELAYS: %w", err)
	}
	if len(delays) == 0 {
		delays = append(delays, billing.DefaultRecheckDelays...)
	}

	appEnv := env.GetEnv("APP_ENV", "prod")
	cfg := &Config{
		AppEnv: appEnv,
		Host:   env.GetEnv("APP_HOST", "0.0.0.0"),
		Port:   env.GetEnv("APP_PORT", "4000"),

		StripeSecretKey:       env.GetEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:   env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		AllowInsecureWebhooks: env.GetBool("WEBHOOK_ALLOW_INSECURE", false),
		SignatureTolerance:    env.GetDuration("WEBHOOK_SIGNATURE_TOLERANCE", 5*time.Minute),

		MaxBodyBytes:    env.GetInt("WEBHOOK_MAX_BODY_BYTES", 64*1024),
		RateLimitMax:    env.GetInt("WEBHOOK_RATE_LIMIT_MAX", 120),
		RateLimitWindow: env.GetDuration("WEBHOOK_RATE_LIMIT_WINDOW", time.Minute),

		Workers:         env.GetInt("JOBQUEUE_WORKERS", 3),
		LedgerRetention: time.Duration(env.GetInt("WEBHOOK_LEDGER_RETENTION_DAYS", 90)) * 24 * time.Hour,
		RecheckDelays:   delays,
		RecheckTimeout:  env.GetDuration("TAX_RECHECK_TIMEOUT", 30*time.Second),

		ResolverPollAttempts: env.GetInt("RESOLVER_POLL_ATTEMPTS", 5),
		ResolverPollInterval: env.GetDuration("RESOLVER_POLL_INTERVAL", 500*time.Millisecond),

		FeePercent:    feePercent,
		FeeFixedCents: int64(env.GetInt("STRIPE_FEE_FIXED_CENTS", 30)),
		TaxRateFile:   env.GetEnv("TAX_RATE_FILE", ""),

		NotifyChatLocales: env.GetList("NOTIFY_CHAT_LOCALES"),
		NotifyChatURL:     env.GetEnv("NOTIFY_CHAT_WEBHOOK_URL", ""),
		NotifyChatToken:   env.GetEnv("NOTIFY_CHAT_TOKEN", ""),
		BrevoAPIKey:       env.GetEnv("BREVO_API_KEY", ""),
		BrevoFromEmail:    env.GetEnv("BREVO_FROM_EMAIL", ""),
		BrevoFromName:     env.GetEnv("BREVO_FROM_NAME", "Billing"),
		SMTPHost:          env.GetEnv("SMTP_HOST", ""),
		SMTPPort:          env.GetEnv("SMTP_PORT", "587"),
		SMTPUsername:      env.GetEnv("SMTP_USERNAME", ""),
		SMTPPassword:      env.GetEnv("SMTP_PASSWORD", ""),
		SMTPSender:        env.GetEnv("SMTP_SENDER", ""),

		OpsAPIKey: env.GetEnv("OPS_API_KEY", ""),

		DBAutoMigrate: env.GetBool("DB_AUTO_MIGRATE", appEnv != "prod"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and returns one error listing every
// violation.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.BrevoAPIKey != "" && c.BrevoFromEmail == "" {
		return errors.New("invalid configuration: BREVO_FROM_EMAIL is required with BREVO_API_KEY")
	}
	if c.SMTPHost != "" && c.SMTPSender == "" {
		return errors.New("invalid configuration: SMTP_SENDER is required with SMTP_HOST")
	}
	if c.FeePercent.IsNegative() || c.FeePercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("invalid configuration: fee percent %s out of range", c.FeePercent)
	}
	return nil
}

// Production reports whether the service runs with production safeguards.
func (c *Config) Production() bool {
	return c.AppEnv == "prod"
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// FeeSchedule returns the processing fee approximation.
func (c *Config) FeeSchedule() billing.FeeSchedule {
	return billing.FeeSchedule{Percent: c.FeePercent, FixedCents: c.FeeFixedCents}
}

// RateTable loads the tax rate table, falling back to the built-in one.
func (c *Config) RateTable() (billing.StaticRateTable, error) {
	return billing.LoadRateTable(c.TaxRateFile)
}

func parseDurations(items []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(items))
	for _, item := range items {
		d, err := time.ParseDuration(item)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
