package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port     string
	GRPCPort string
	LogLevel string

	// Venue: "paper" or "binance"
	Exchange string
	Symbols  []string

	// Binance spot
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string

	// Paper venue simulation
	PaperQuoteBalance float64
	PaperBaseBalance  float64
	PaperFeeRate      float64 // decimal (e.g. 0.001 = 10 bps)
	PaperSlippageBps  float64
	PaperLatencyMinMs int
	PaperLatencyMaxMs int
	PaperFeedInterval time.Duration

	// Database
	DBPath string

	// Reliability parameters (YAML); empty means built-in defaults.
	ReliabilityFile string

	// Operator API
	JWTSecret      string
	OperatorKey    string // exchanged for a JWT at /api/auth/token
	APIRatePerSec  float64
	APIRateBurst   int
	AllowedOrigins []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/execution.db")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		GRPCPort:          getEnv("GRPC_PORT", "9090"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Exchange:          strings.ToLower(getEnv("EXCHANGE", "paper")),
		Symbols:           splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		BinanceTestnet:    getEnv("BINANCE_TESTNET", "true") == "true",
		BinanceAPIKey:     os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:  os.Getenv("BINANCE_API_SECRET"),
		PaperQuoteBalance: getEnvFloat("PAPER_QUOTE_BALANCE", 10000.0),
		PaperBaseBalance:  getEnvFloat("PAPER_BASE_BALANCE", 1.0),
		PaperFeeRate:      getEnvFloat("PAPER_FEE_RATE", 0.001),
		PaperSlippageBps:  getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		PaperLatencyMinMs: getEnvInt("PAPER_LATENCY_MIN_MS", 0),
		PaperLatencyMaxMs: getEnvInt("PAPER_LATENCY_MAX_MS", 0),
		PaperFeedInterval: time.Duration(getEnvInt("PAPER_FEED_INTERVAL_MS", 1000)) * time.Millisecond,
		DBPath:            dbPath,
		ReliabilityFile:   getEnv("RELIABILITY_CONFIG", ""),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		OperatorKey:       os.Getenv("OPERATOR_KEY"),
		APIRatePerSec:     getEnvFloat("API_RATE_PER_SEC", 10),
		APIRateBurst:      getEnvInt("API_RATE_BURST", 20),
		AllowedOrigins:    splitAndTrim(getEnv("ALLOWED_ORIGINS", "")),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
