// Package config loads runtime configuration for the lifecycle engine.
// Values come from built-in defaults overridden by environment variables; a
// .env file in the working directory is honored when present.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Oracle feed modes.
const (
	OracleModeStatic = "static"
	OracleModeHTTP   = "http"
)

// Defaults.
const (
	DefaultListenAddr    = ":7970"
	DefaultMetricsAddr   = ":9091"
	DefaultDataDir       = "./data"
	DefaultGracePeriod   = 720 * time.Hour // 30 days
	DefaultSweepInterval = time.Minute
	DefaultOraclePoll    = 30 * time.Second
	DefaultOracleStale   = 5 * time.Minute
)

// DefaultListingFeeUSD is $5 in 18-decimal fixed point.
var DefaultListingFeeUSD = new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))

// DefaultStaticPrice is the dev-mode native/USD quote in 8-decimal fixed
// point ($18.41).
var DefaultStaticPrice = big.NewInt(1_841_000_000)

// Config holds all runtime settings.
type Config struct {
	ListenAddr  string
	MetricsAddr string
	DataDir     string
	Persistence bool

	AdminPrincipal string
	GracePeriod    time.Duration
	ListingFeeUSD  *big.Int
	SweepInterval  time.Duration

	OracleMode         string
	OracleURL          string
	OracleStaticPrice  *big.Int
	OraclePollInterval time.Duration
	OracleMaxStaleness time.Duration

	LogLevel  string
	LogFormat string
}

// Load builds the configuration from defaults and environment overrides.
func Load() (*Config, error) {
	// Best-effort; absence of a .env file is the common case.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env")
	}

	cfg := &Config{
		ListenAddr:         envString("TRIGSLINK_LISTEN", DefaultListenAddr),
		MetricsAddr:        envString("TRIGSLINK_METRICS_LISTEN", DefaultMetricsAddr),
		DataDir:            envString("TRIGSLINK_DATA_DIR", DefaultDataDir),
		Persistence:        envBool("TRIGSLINK_PERSISTENCE", true),
		AdminPrincipal:     envString("TRIGSLINK_ADMIN", ""),
		GracePeriod:        envDuration("TRIGSLINK_GRACE_PERIOD", DefaultGracePeriod),
		ListingFeeUSD:      envBigInt("TRIGSLINK_LISTING_FEE_USD", DefaultListingFeeUSD),
		SweepInterval:      envDuration("TRIGSLINK_SWEEP_INTERVAL", DefaultSweepInterval),
		OracleMode:         envString("TRIGSLINK_ORACLE_MODE", OracleModeStatic),
		OracleURL:          envString("TRIGSLINK_ORACLE_URL", ""),
		OracleStaticPrice:  envBigInt("TRIGSLINK_ORACLE_STATIC_PRICE", DefaultStaticPrice),
		OraclePollInterval: envDuration("TRIGSLINK_ORACLE_POLL_INTERVAL", DefaultOraclePoll),
		OracleMaxStaleness: envDuration("TRIGSLINK_ORACLE_MAX_STALENESS", DefaultOracleStale),
		LogLevel:           envString("TRIGSLINK_LOG_LEVEL", "info"),
		LogFormat:          envString("TRIGSLINK_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.OracleMode {
	case OracleModeStatic:
		if c.OracleStaticPrice == nil || c.OracleStaticPrice.Sign() <= 0 {
			return fmt.Errorf("static oracle price must be positive")
		}
	case OracleModeHTTP:
		if strings.TrimSpace(c.OracleURL) == "" {
			return fmt.Errorf("TRIGSLINK_ORACLE_URL is required in http oracle mode")
		}
	default:
		return fmt.Errorf("unknown oracle mode %q", c.OracleMode)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive")
	}
	if c.ListingFeeUSD == nil || c.ListingFeeUSD.Sign() < 0 {
		return fmt.Errorf("listing fee must be non-negative")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment; using default")
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment; using default")
		return fallback
	}
	return parsed
}

func envBigInt(key string, fallback *big.Int) *big.Int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return new(big.Int).Set(fallback)
	}
	parsed, ok := new(big.Int).SetString(v, 10)
	if !ok {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment; using default")
		return new(big.Int).Set(fallback)
	}
	return parsed
}
