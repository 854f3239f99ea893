package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Channel is a promotional channel users must join before rewards unlock.
// Chat is optional; when set (e.g. "@mychannel") membership can be checked.
type Channel struct {
	Name string
	URL  string
	Chat string
}

type Config struct {
	BotToken    string
	BotUsername string

	StoreBackend string // postgres, sqlite or file
	DBUser       string
	DBPassword   string
	DBName       string
	DBHost       string
	DBPort       string
	SQLitePath   string
	DataFile     string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	SessionTTL    time.Duration

	NatsURL string

	SignupBonus   decimal.Decimal
	ReferralBonus decimal.Decimal
	DailyBonus    decimal.Decimal
	MinWithdrawal decimal.Decimal
	BonusCooldown time.Duration

	RequiredChannels []Channel
	CheckMembership  bool

	CaptchaEnabled       bool
	CaptchaCaseSensitive bool
	CaptchaMaxAttempts   int
	CaptchaLockout       time.Duration

	FaucetPayKey     string
	FaucetPayURL     string
	PayoutIPAddress  string
	PayoutCurrency   string
	PayoutDecimals   int32
	PayoutTimeout    time.Duration
	ReserveCheck     bool
	ReminderInterval time.Duration

	LogLevel  string
	LogFormat string
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg := &Config{
		BotToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
		BotUsername:     getEnv("BOT_USERNAME", ""),
		StoreBackend:    getEnv("STORE_BACKEND", "postgres"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", "postgres"),
		DBName:          getEnv("DB_NAME", "faucet_bot"),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		SQLitePath:      getEnv("SQLITE_PATH", "users.db"),
		DataFile:        getEnv("DATA_FILE", "/tmp/data/data.json"),
		RedisHost:       getEnv("REDIS_HOST", ""),
		RedisPort:       getEnv("REDIS_PORT", "6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		NatsURL:         getEnv("NATS_URL", ""),
		FaucetPayKey:    getEnv("FAUCETPAY_API_KEY", ""),
		FaucetPayURL:    getEnv("FAUCETPAY_API_URL", "https://faucetpay.io/api/v1"),
		PayoutIPAddress: getEnv("PAYOUT_IP_ADDRESS", "0.0.0.0"),
		PayoutCurrency:  getEnv("PAYOUT_CURRENCY", "TRX"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.SignupBonus, err = getDecimal("SIGNUP_BONUS", "0.0001"); err != nil {
		return nil, err
	}
	if cfg.ReferralBonus, err = getDecimal("REFERRAL_BONUS", "0.0001"); err != nil {
		return nil, err
	}
	if cfg.DailyBonus, err = getDecimal("DAILY_BONUS", "0.0001"); err != nil {
		return nil, err
	}
	if cfg.MinWithdrawal, err = getDecimal("MIN_WITHDRAWAL", "0.001"); err != nil {
		return nil, err
	}
	if cfg.BonusCooldown, err = getDuration("BONUS_COOLDOWN", "24h"); err != nil {
		return nil, err
	}
	if cfg.CaptchaLockout, err = getDuration("CAPTCHA_LOCKOUT", "15m"); err != nil {
		return nil, err
	}
	if cfg.PayoutTimeout, err = getDuration("PAYOUT_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.ReminderInterval, err = getDuration("REMINDER_INTERVAL", "1h"); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = getDuration("SESSION_TTL", "24h"); err != nil {
		return nil, err
	}

	cfg.CheckMembership = getBool("CHECK_MEMBERSHIP", false)
	cfg.CaptchaEnabled = getBool("CAPTCHA_ENABLED", false)
	cfg.CaptchaCaseSensitive = getBool("CAPTCHA_CASE_SENSITIVE", true)
	cfg.ReserveCheck = getBool("RESERVE_CHECK", true)

	if cfg.CaptchaMaxAttempts, err = strconv.Atoi(getEnv("CAPTCHA_MAX_ATTEMPTS", "5")); err != nil {
		return nil, fmt.Errorf("CAPTCHA_MAX_ATTEMPTS: %w", err)
	}
	decimals, err := strconv.ParseInt(getEnv("PAYOUT_DECIMALS", "6"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("PAYOUT_DECIMALS: %w", err)
	}
	cfg.PayoutDecimals = int32(decimals)

	if cfg.RequiredChannels, err = ParseChannels(getEnv("REQUIRED_CHANNELS", "")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that the rest of the bot relies on.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	switch c.StoreBackend {
	case "postgres", "sqlite", "file":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	amounts := map[string]decimal.Decimal{
		"SIGNUP_BONUS":   c.SignupBonus,
		"REFERRAL_BONUS": c.ReferralBonus,
		"DAILY_BONUS":    c.DailyBonus,
		"MIN_WITHDRAWAL": c.MinWithdrawal,
	}
	for name, amount := range amounts {
		if amount.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.BonusCooldown <= 0 {
		return fmt.Errorf("BONUS_COOLDOWN must be positive")
	}
	if c.SessionTTL < c.CaptchaLockout {
		return fmt.Errorf("SESSION_TTL must not be shorter than CAPTCHA_LOCKOUT")
	}
	if c.CaptchaMaxAttempts < 1 {
		return fmt.Errorf("CAPTCHA_MAX_ATTEMPTS must be at least 1")
	}
	if net.ParseIP(c.PayoutIPAddress) == nil {
		return fmt.Errorf("PAYOUT_IP_ADDRESS %q is not an IP address", c.PayoutIPAddress)
	}
	if c.PayoutDecimals < 0 || c.PayoutDecimals > 18 {
		return fmt.Errorf("PAYOUT_DECIMALS must be between 0 and 18")
	}
	return nil
}

// PostgresDSN builds the connection string for the postgres backend.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// ParseChannels reads "Name|URL[|@chat]" entries separated by ";".
func ParseChannels(raw string) ([]Channel, error) {
	var channels []Channel
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid channel %q, want Name|URL[|@chat]", entry)
		}
		ch := Channel{
			Name: strings.TrimSpace(parts[0]),
			URL:  strings.TrimSpace(parts[1]),
		}
		if len(parts) == 3 {
			ch.Chat = strings.TrimSpace(parts[2])
		}
		if ch.Name == "" || !strings.HasPrefix(ch.URL, "http") {
			return nil, fmt.Errorf("invalid channel %q, want Name|URL[|@chat]", entry)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		log.WithField("key", key).Warn("Invalid boolean, using default")
		return fallback
	}
	return value
}

func getDecimal(key, fallback string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func getDuration(key, fallback string) (time.Duration, error) {
	value, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}
