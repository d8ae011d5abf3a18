// Package config loads process configuration from the environment, after
// merging an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// PaymentMode controls whether chat requires a completed payment.
type PaymentMode string

const (
	PaymentOff      PaymentMode = "off"
	PaymentRequired PaymentMode = "required"
)

// Config is the resolved process configuration.
type Config struct {
	HTTPAddr    string
	DatabaseURL string
	DBMaxConns  int32
	JWTSecret   string
	RedisURL    string

	PaymentMode          PaymentMode
	ChatAccessPrice      float64
	ChatAccessCurrency   string
	PaymentWebhookSecret string
	PaymentGatewayURL    string
	PaymentGatewayKey    string
	PaymentGatewaySecret string

	AllowedOrigins []string
	LogLevel       slog.Level
	LogFormat      string
}

// Load reads a .env file from dotenvPaths (or ./.env when none are given) and
// then the environment. A missing .env file is not an error; variables already
// set in the environment win over the file.
func Load(dotenvPaths ...string) (Config, error) {
	if err := godotenv.Load(dotenvPaths...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup resolves the configuration through lookup.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := Config{
		HTTPAddr:             get("HTTP_ADDR", ":5001"),
		DatabaseURL:          get("DATABASE_URL", ""),
		JWTSecret:            get("JWT_SECRET", ""),
		RedisURL:             get("REDIS_URL", ""),
		PaymentMode:          PaymentMode(strings.ToLower(get("CHAT_PAYMENT_MODE", string(PaymentOff)))),
		ChatAccessCurrency:   strings.ToUpper(get("CHAT_ACCESS_CURRENCY", "INR")),
		PaymentWebhookSecret: get("PAYMENT_WEBHOOK_SECRET", ""),
		PaymentGatewayURL:    get("PAYMENT_GATEWAY_URL", ""),
		PaymentGatewayKey:    get("PAYMENT_GATEWAY_KEY_ID", ""),
		PaymentGatewaySecret: get("PAYMENT_GATEWAY_KEY_SECRET", ""),
		AllowedOrigins:       splitCSV(get("ALLOWED_ORIGINS", "")),
		LogFormat:            strings.ToLower(get("LOG_FORMAT", "json")),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("config: JWT_SECRET is required")
	}
	if cfg.PaymentMode != PaymentOff && cfg.PaymentMode != PaymentRequired {
		return Config{}, fmt.Errorf("config: CHAT_PAYMENT_MODE must be off or required, got %q", cfg.PaymentMode)
	}
	if cfg.PaymentMode == PaymentRequired && strings.TrimSpace(cfg.PaymentWebhookSecret) == "" {
		return Config{}, errors.New("config: PAYMENT_WEBHOOK_SECRET is required when CHAT_PAYMENT_MODE is required")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return Config{}, fmt.Errorf("config: LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}

	price, err := strconv.ParseFloat(get("CHAT_ACCESS_PRICE", "150"), 64)
	if err != nil || price <= 0 {
		return Config{}, fmt.Errorf("config: CHAT_ACCESS_PRICE must be a positive number")
	}
	cfg.ChatAccessPrice = price

	conns, err := strconv.ParseInt(get("DB_MAX_CONNS", "0"), 10, 32)
	if err != nil || conns < 0 {
		return Config{}, fmt.Errorf("config: DB_MAX_CONNS must be a non-negative integer")
	}
	cfg.DBMaxConns = int32(conns)

	if err := cfg.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		return Config{}, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

// Logger builds the process logger described by the configuration.
func (c Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
