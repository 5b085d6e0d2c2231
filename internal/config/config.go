package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config carries every tunable the core needs. All values have working
// defaults; the constants mirror behaviour tuned against the live
// gateways, so they are deliberately overridable per deployment rather
// than hard-coded at the call sites.
type Config struct {
	Port         string
	Env          string
	DatabasePath string
	JWTSecret    string

	// Gateway base URLs, one per dialect.
	MT4APIURL string
	MT5APIURL string

	// Session tokens.
	TokenTTL          time.Duration // how long a venue session stays usable
	TokenSafetyMargin time.Duration // refresh this far before expiry

	// Quote freshness.
	QuoteMaxAge        time.Duration // trading decisions
	DisplayQuoteMaxAge time.Duration // passive display paths

	// Streaming ingestion.
	SubscribeInterval  time.Duration // provider-mandated minimum tick interval
	QuoteWriteInterval time.Duration // durable bid/ask writes per (venue, symbol)
	PremiumInterval    time.Duration // premium series writes per pairing
	HeartbeatInterval  time.Duration
	IdleTimeout        time.Duration
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	BackoffJitter      time.Duration

	// Trade execution.
	LegTimeout     time.Duration // each leg submission
	OverallTimeout time.Duration // the two-leg attempt as a whole
	LockTTL        time.Duration // dedup lock hard expiry
	TPPollInterval time.Duration // take-profit/stop-loss sweep

	// Partial-fill recovery.
	RetryInterval    time.Duration
	MaxRetryAttempts int

	// Pending orders.
	PendingPollInterval time.Duration
	PendingMaxErrors    int
}

// Load reads configuration from the environment, falling back to
// defaults. A local .env file is honoured when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	return &Config{
		Port:         envString("PORT", "8080"),
		Env:          envString("ENV", "development"),
		DatabasePath: envString("DATABASE_PATH", "spread.db"),
		JWTSecret:    envString("JWT_SECRET", "spread-secret-key"),

		MT4APIURL: envString("MT4_API_URL", "https://mt4.gateway.local"),
		MT5APIURL: envString("MT5_API_URL", "https://mt5.gateway.local"),

		TokenTTL:          envDuration("TOKEN_TTL", 22*time.Hour),
		TokenSafetyMargin: envDuration("TOKEN_SAFETY_MARGIN", 5*time.Minute),

		QuoteMaxAge:        envDuration("QUOTE_MAX_AGE", 5*time.Second),
		DisplayQuoteMaxAge: envDuration("DISPLAY_QUOTE_MAX_AGE", 10*time.Second),

		SubscribeInterval:  envDuration("QUOTE_SUBSCRIBE_INTERVAL", 500*time.Millisecond),
		QuoteWriteInterval: envDuration("QUOTE_WRITE_INTERVAL", time.Second),
		PremiumInterval:    envDuration("PREMIUM_WRITE_INTERVAL", time.Second),
		HeartbeatInterval:  envDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
		IdleTimeout:        envDuration("WS_IDLE_TIMEOUT", 60*time.Second),
		BackoffBase:        envDuration("WS_BACKOFF_BASE", 500*time.Millisecond),
		BackoffCap:         envDuration("WS_BACKOFF_CAP", 15*time.Second),
		BackoffJitter:      envDuration("WS_BACKOFF_JITTER", 250*time.Millisecond),

		LegTimeout:     envDuration("ORDER_LEG_TIMEOUT", 15*time.Second),
		OverallTimeout: envDuration("ORDER_OVERALL_TIMEOUT", 30*time.Second),
		LockTTL:        envDuration("ORDER_LOCK_TTL", 60*time.Second),
		TPPollInterval: envDuration("TP_POLL_INTERVAL", 2*time.Second),

		RetryInterval:    envDuration("PARTIAL_RETRY_INTERVAL", 10*time.Second),
		MaxRetryAttempts: envInt("PARTIAL_RETRY_MAX_ATTEMPTS", 50),

		PendingPollInterval: envDuration("PENDING_POLL_INTERVAL", 2*time.Second),
		PendingMaxErrors:    envInt("PENDING_MAX_ERRORS", 10),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment, using default")
		return fallback
	}
	return d
}
