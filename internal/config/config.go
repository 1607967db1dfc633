package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	// TaxRateBps is the combined GST rate in basis points (18% = 1800).
	TaxRateBps int
	// RoundingUnit is the cash rounding granularity in minor units.
	RoundingUnit int64
	// PaymentTolerance is the posting slack in minor units.
	PaymentTolerance int64
	InvoicePrefix    string
	// FiscalYearStartMonth is 1..12; Indian fiscal years start in April.
	FiscalYearStartMonth int
	InvoiceMinDigits     int
	IdempotencyTTL       time.Duration

	// HybridSplitWeightsBps are the base/time/skill shares of a hybrid
	// contribution split, in basis points summing to 10000.
	HybridSplitWeightsBps [3]int32
	// SkillWeights maps staff roles to relative skill weights,
	// e.g. "senior=150,stylist=100,junior=80".
	SkillWeights map[string]int64
	// SkillWeightDefault applies to roles missing from SkillWeights.
	SkillWeightDefault int64

	RateLimitWindow time.Duration
	RateLimitMax    int

	NotifyEmailEnabled bool
	NotifyQueue        string
	WorkerConcurrency  int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		TaxRateBps:           parseInt(k.String("TAX_RATE_BPS"), 1800),
		RoundingUnit:         int64(parseInt(k.String("ROUNDING_UNIT"), 100)),
		PaymentTolerance:     int64(parseInt(k.String("PAYMENT_TOLERANCE"), 10)),
		InvoicePrefix:        valueOrDefault(k.String("INVOICE_PREFIX"), "INV"),
		FiscalYearStartMonth: parseInt(k.String("FISCAL_YEAR_START_MONTH"), 4),
		InvoiceMinDigits:     parseInt(k.String("INVOICE_MIN_DIGITS"), 4),
		IdempotencyTTL:       parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		HybridSplitWeightsBps: parseWeights(k.String("HYBRID_SPLIT_WEIGHTS_BPS"), [3]int32{4000, 3000, 3000}),
		SkillWeights:          parseSkillWeights(k.String("SKILL_WEIGHTS")),
		SkillWeightDefault:    int64(parseInt(k.String("SKILL_WEIGHT_DEFAULT"), 100)),

		RateLimitWindow: parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		RateLimitMax:    parseInt(k.String("RATE_LIMIT_MAX"), 120),

		NotifyEmailEnabled: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyQueue:        valueOrDefault(k.String("NOTIFY_QUEUE"), "notifications"),
		WorkerConcurrency:  parseInt(k.String("WORKER_CONCURRENCY"), 5),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.TaxRateBps < 0 || cfg.TaxRateBps > 10000 {
		return nil, fmt.Errorf("TAX_RATE_BPS out of range: %d", cfg.TaxRateBps)
	}
	if cfg.FiscalYearStartMonth < 1 || cfg.FiscalYearStartMonth > 12 {
		return nil, fmt.Errorf("FISCAL_YEAR_START_MONTH out of range: %d", cfg.FiscalYearStartMonth)
	}
	if sum := cfg.HybridSplitWeightsBps[0] + cfg.HybridSplitWeightsBps[1] + cfg.HybridSplitWeightsBps[2]; sum != 10000 {
		return nil, fmt.Errorf("HYBRID_SPLIT_WEIGHTS_BPS must sum to 10000, got %d", sum)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// parseWeights reads "4000,3000,3000" style base/time/skill weights.
func parseWeights(value string, fallback [3]int32) [3]int32 {
	parts := splitAndTrim(value)
	if len(parts) != 3 {
		return fallback
	}
	var out [3]int32
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 32)
		if err != nil || n < 0 {
			return fallback
		}
		out[i] = int32(n)
	}
	return out
}

// parseSkillWeights reads "senior=150,stylist=100,junior=80" style pairs.
// Malformed pairs are skipped rather than failing startup.
func parseSkillWeights(value string) map[string]int64 {
	pairs := splitAndTrim(value)
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]int64, len(pairs))
	for _, pair := range pairs {
		role, raw, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		weight, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || weight <= 0 {
			continue
		}
		out[strings.TrimSpace(role)] = weight
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
