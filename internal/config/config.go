package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// QuotaPolicy decides what happens when a free-tier request finds no quota
// remaining.
type QuotaPolicy string

const (
	// QuotaDegrade charges the model's paid price instead of blocking.
	QuotaDegrade QuotaPolicy = "degrade"
	// QuotaBlock declines the request outright.
	QuotaBlock QuotaPolicy = "block"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken string
	MySQLDSN string

	KIEAPIKey      string
	KIEBaseURL     string
	RequestTimeout time.Duration

	PricingPath       string
	AutoFreeModels    int
	StartBonusKopecks int64
	PromoBonusKopecks int64

	FreeDailyGenerations int
	QuotaWindow          time.Duration
	QuotaExhausted       QuotaPolicy

	GenerationTimeout time.Duration

	PaymentProvider              string
	PaymentCurrency              string
	TelegramPaymentProviderToken string
	TopupPriceMinorUnits         int
	TopupCreditKopecks           int64

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultKIEBaseURL = "https://api.kie.ai"

	startBonus, err := ParseRubKopecks(getEnv("START_BONUS_RUB", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("parse START_BONUS_RUB: %w", err)
	}
	promoBonus, err := ParseRubKopecks(getEnv("PROMO_BONUS_RUB", "100"))
	if err != nil {
		return Config{}, fmt.Errorf("parse PROMO_BONUS_RUB: %w", err)
	}
	topupCredit, err := ParseRubKopecks(getEnv("TOPUP_CREDIT_RUB", "299"))
	if err != nil {
		return Config{}, fmt.Errorf("parse TOPUP_CREDIT_RUB: %w", err)
	}

	cfg := Config{
		KIEBaseURL:     normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		RequestTimeout: time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),

		PricingPath:       getEnv("PRICING_PATH", filepath.Join("models", "pricing.json")),
		AutoFreeModels:    getInt("AUTO_FREE_MODELS", 0),
		StartBonusKopecks: startBonus,
		PromoBonusKopecks: promoBonus,

		FreeDailyGenerations: getInt("FREE_DAILY_GENERATIONS", 5),
		QuotaWindow:          time.Hour * time.Duration(getInt("QUOTA_WINDOW_HOURS", 24)),

		GenerationTimeout: time.Second * time.Duration(getInt("GENERATION_TIMEOUT_SECONDS", 300)),

		PaymentProvider:      strings.ToLower(getEnv("PAYMENT_PROVIDER", "telegram")),
		PaymentCurrency:      getEnv("PAYMENT_CURRENCY", "RUB"),
		TopupPriceMinorUnits: getInt("TOPUP_PRICE_MINOR_UNITS", 29900),
		TopupCreditKopecks:   topupCredit,

		AdminListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:   getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:   getEnv("ADMIN_PASSWORD", "change-me"),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "references"),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.KIEAPIKey = os.Getenv("KIE_API_KEY")
	cfg.TelegramPaymentProviderToken = os.Getenv("TELEGRAM_PAYMENT_PROVIDER_TOKEN")

	switch policy := QuotaPolicy(strings.ToLower(getEnv("QUOTA_EXHAUSTED_POLICY", string(QuotaDegrade)))); policy {
	case QuotaDegrade, QuotaBlock:
		cfg.QuotaExhausted = policy
	default:
		return Config{}, fmt.Errorf("invalid QUOTA_EXHAUSTED_POLICY: %q", policy)
	}

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	if cfg.PaymentProvider == "telegram" && cfg.TelegramPaymentProviderToken == "" {
		missing = append(missing, "TELEGRAM_PAYMENT_PROVIDER_TOKEN")
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// ParseRubKopecks converts a decimal RUB amount ("299", "10.50") into
// kopecks. At most two fractional digits are accepted.
func ParseRubKopecks(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	neg := strings.HasPrefix(value, "-")
	if neg {
		return 0, fmt.Errorf("amount cannot be negative: %s", value)
	}

	whole, frac, _ := strings.Cut(value, ".")
	if whole == "" {
		whole = "0"
	}
	rub, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("invalid amount %q: more than two fractional digits", value)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	kop, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return rub*100 + kop, nil
}

// normalizeKIEBaseURL ensures we always hit the documented API host. Some docs and UI pages
// use the root kie.ai domain, which returns HTML instead of JSON and causes 404s.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	// Force API subdomain to avoid landing on the marketing site.
	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return parsed.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Running purely off the process environment is fine.
	return nil
}
