package server

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/entitle/internal/entitlement"
)

// Config holds all configuration for the entitlement server.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	JWTSecret    string
	StripeAPIKey string
	BaseURL      string

	TrialDays int
	GraceDays int

	MonthlyPrice    float64
	YearlyPrice     float64
	DisplayCurrency string

	SettlementCurrency string
	MonthlyCharge      *float64 // fixed override; nil means use conversion
	YearlyCharge       *float64
	ConversionRate     float64

	ProductName   string
	SweepInterval time.Duration
	PublicMetrics bool

	LogLevel  string
	LogFormat string
}

// ReturnURL is where the payment gateway sends the customer back after
// checkout, carrying the session id for confirmation.
func (c *Config) ReturnURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/billing?session_id={CHECKOUT_SESSION_ID}"
}

// EntitlementConfig projects the server config onto the lifecycle service.
func (c *Config) EntitlementConfig() entitlement.Config {
	return entitlement.Config{
		TrialDays:          c.TrialDays,
		GraceDays:          c.GraceDays,
		MonthlyPrice:       c.MonthlyPrice,
		YearlyPrice:        c.YearlyPrice,
		DisplayCurrency:    c.DisplayCurrency,
		SettlementCurrency: c.SettlementCurrency,
		MonthlyCharge:      c.MonthlyCharge,
		YearlyCharge:       c.YearlyCharge,
		ConversionRate:     c.ConversionRate,
		ProductName:        c.ProductName,
		ReturnURL:          c.ReturnURL(),
	}
}

// LoadConfig loads server configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("ENTITLE_PORT", 8443)
	if err != nil {
		return nil, err
	}
	trialDays, err := envOrDefaultInt("SUB_TRIAL_DAYS", 10)
	if err != nil {
		return nil, err
	}
	graceDays, err := envOrDefaultInt("SUB_GRACE_DAYS", 3)
	if err != nil {
		return nil, err
	}
	monthlyPrice, err := envOrDefaultFloat("SUB_MONTHLY_PRICE", 5)
	if err != nil {
		return nil, err
	}
	yearlyPrice, err := envOrDefaultFloat("SUB_YEARLY_PRICE", 110)
	if err != nil {
		return nil, err
	}
	conversionRate, err := envOrDefaultFloat("CONVERSION_RATE", 9.75)
	if err != nil {
		return nil, err
	}
	monthlyCharge, err := envOptionalFloat("SUB_MONTHLY_CHARGE")
	if err != nil {
		return nil, err
	}
	yearlyCharge, err := envOptionalFloat("SUB_YEARLY_CHARGE")
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("ENTITLE_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:            envOrDefault("ENTITLE_DATA_DIR", "/data"),
		BindAddress:        envOrDefault("ENTITLE_BIND_ADDRESS", "0.0.0.0"),
		Port:               port,
		JWTSecret:          strings.TrimSpace(os.Getenv("JWT_SECRET")),
		StripeAPIKey:       strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		BaseURL:            envOrDefault("ENTITLE_BASE_URL", "http://localhost:8443"),
		TrialDays:          trialDays,
		GraceDays:          graceDays,
		MonthlyPrice:       monthlyPrice,
		YearlyPrice:        yearlyPrice,
		DisplayCurrency:    strings.ToLower(envOrDefault("DISPLAY_CURRENCY", "usd")),
		SettlementCurrency: strings.ToLower(envOrDefault("SETTLEMENT_CURRENCY", "aed")),
		MonthlyCharge:      monthlyCharge,
		YearlyCharge:       yearlyCharge,
		ConversionRate:     conversionRate,
		ProductName:        envOrDefault("ENTITLE_PRODUCT_NAME", "Entitle Subscription"),
		SweepInterval:      sweepInterval,
		PublicMetrics:      envOrDefault("ENTITLE_PUBLIC_METRICS", "false") == "true",
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate server config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ENTITLE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.TrialDays < 0 {
		return fmt.Errorf("SUB_TRIAL_DAYS must not be negative, got %d", c.TrialDays)
	}
	if c.GraceDays < 0 {
		return fmt.Errorf("SUB_GRACE_DAYS must not be negative, got %d", c.GraceDays)
	}
	if c.MonthlyPrice <= 0 || c.YearlyPrice <= 0 {
		return fmt.Errorf("subscription prices must be greater than 0")
	}
	if c.ConversionRate <= 0 {
		return fmt.Errorf("CONVERSION_RATE must be greater than 0, got %g", c.ConversionRate)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("ENTITLE_SWEEP_INTERVAL must be greater than 0, got %s", c.SweepInterval)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("ENTITLE_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("ENTITLE_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("ENTITLE_BASE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultFloat(key string, fallback float64) (float64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
		}
		return f, nil
	}
	return fallback, nil
}

func envOptionalFloat(key string) (*float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a valid number: %w", key, err)
	}
	return &f, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
