package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Provider endpoints (primary and secondary expose identical APIs)
	PrimaryREST   string
	SecondaryREST string
	PrimaryWS     string
	SecondaryWS   string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	AdminAddr     string
	LogLevel      string

	// Stream
	Symbol         string
	Interval       string
	UseSecondary   bool
	LoggingEnabled bool
	WatchedSymbols string // comma-separated, e.g. "BTCUSDT,ETHUSDT"

	// Ledger daily-return band, as fractions (e.g. "0.012")
	DailyMin float64
	DailyMax float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		PrimaryREST:   getEnv("PRIMARY_REST", "https://api.binance.com/api/v3"),
		SecondaryREST: getEnv("SECONDARY_REST", "https://api1.binance.com/api/v3"),
		PrimaryWS:     getEnv("PRIMARY_WS", "wss://stream.binance.com:9443"),
		SecondaryWS:   getEnv("SECONDARY_WS", "wss://stream1.binance.com:9443"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/ledger.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		AdminAddr:     getEnv("ADMIN_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		Symbol:         getEnv("SYMBOL", "BTCUSDT"),
		Interval:       getEnv("INTERVAL", "1m"),
		UseSecondary:   getEnvBool("USE_SECONDARY", false),
		LoggingEnabled: getEnvBool("STREAM_LOGGING", false),
		WatchedSymbols: getEnv("WATCHED_SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT,BNBUSDT"),

		DailyMin: getEnvFloat("DAILY_MIN", 0.012),
		DailyMax: getEnvFloat("DAILY_MAX", 0.035),
	}
}

// ParseWatchedSymbols splits the WatchedSymbols list.
func (c *Config) ParseWatchedSymbols() []string {
	parts := strings.Split(c.WatchedSymbols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, strings.ToUpper(p))
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return f
}
