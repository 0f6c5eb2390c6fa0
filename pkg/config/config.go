// Package config loads the node's configuration from LODESTAR_* environment
// variables. Every knob has a development-friendly default: a bare
// `lodestar-node` starts on sqlite with the in-memory bus, filesystem
// archive, and telemetry disabled.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full node configuration.
type Config struct {
	LogLevel string

	// Storage.
	DBDriver string // "sqlite" or "postgres"
	DBURL    string

	// Bus.
	BusBackend string // "memory" or "redis"
	RedisAddr  string
	RedisDB    int

	// Outbox relay and archiver.
	RelayInterval    time.Duration
	RelayBatchSize   int
	ArchiveBackend   string // "fs", "s3", "gcs", or "off"
	ArchiveDir       string
	ArchiveBucket    string
	ArchiveRegion    string
	ArchiveEndpoint  string
	ArchivePrefix    string
	ArchiveRetention time.Duration
	ArchiveInterval  time.Duration

	// Agents.
	CapabilityPath  string // YAML capability overrides; empty means built-ins
	ReasonerURL     string
	ReasonerAPIKey  string
	ReasonerTimeout time.Duration

	// Orchestrator.
	Debounce      time.Duration
	FlushInterval time.Duration

	// Governor.
	PolicyPackPath string // empty means the built-in baseline pack
	ReceiptSeed    string // hex-encoded 32-byte root seed; empty means ephemeral
	SweepInterval  time.Duration

	// Control API.
	APIAddr        string
	JWTSecret      string
	RateRPS        int
	RateBurst      int
	IdempotencyTTL time.Duration

	// Telemetry.
	ServiceName  string
	Environment  string
	OTLPEndpoint string // empty disables export
	SampleRate   float64
	OTLPInsecure bool
}

// DevJWTSecret is the fallback API secret. Fine for a laptop, not for a
// deployment; main warns when it is in use.
const DevJWTSecret = "lodestar-dev-secret"

// Load reads the environment. It never fails: unparseable values fall back
// to their defaults, and required-in-production settings are validated by
// the caller, not here.
func Load() Config {
	return Config{
		LogLevel: getenv("LODESTAR_LOG_LEVEL", "info"),

		DBDriver: getenv("LODESTAR_DB_DRIVER", "sqlite"),
		DBURL:    getenv("LODESTAR_DB_URL", "file:lodestar.db"),

		BusBackend: getenv("LODESTAR_BUS", "memory"),
		RedisAddr:  getenv("LODESTAR_REDIS_ADDR", "localhost:6379"),
		RedisDB:    getenvInt("LODESTAR_REDIS_DB", 0),

		RelayInterval:    getenvDuration("LODESTAR_RELAY_INTERVAL", 500*time.Millisecond),
		RelayBatchSize:   getenvInt("LODESTAR_RELAY_BATCH", 100),
		ArchiveBackend:   getenv("LODESTAR_ARCHIVE_BACKEND", "fs"),
		ArchiveDir:       getenv("LODESTAR_ARCHIVE_DIR", ""),
		ArchiveBucket:    getenv("LODESTAR_ARCHIVE_BUCKET", ""),
		ArchiveRegion:    getenv("LODESTAR_ARCHIVE_REGION", ""),
		ArchiveEndpoint:  getenv("LODESTAR_ARCHIVE_ENDPOINT", ""),
		ArchivePrefix:    getenv("LODESTAR_ARCHIVE_PREFIX", "outbox/"),
		ArchiveRetention: getenvDuration("LODESTAR_ARCHIVE_RETENTION", 7*24*time.Hour),
		ArchiveInterval:  getenvDuration("LODESTAR_ARCHIVE_INTERVAL", time.Hour),

		CapabilityPath:  getenv("LODESTAR_CAPABILITIES", ""),
		ReasonerURL:     getenv("LODESTAR_REASONER_URL", "http://localhost:9091"),
		ReasonerAPIKey:  getenv("LODESTAR_REASONER_API_KEY", ""),
		ReasonerTimeout: getenvDuration("LODESTAR_REASONER_TIMEOUT", 10*time.Second),

		Debounce:      getenvDuration("LODESTAR_DEBOUNCE", 3*time.Second),
		FlushInterval: getenvDuration("LODESTAR_FLUSH_INTERVAL", time.Second),

		PolicyPackPath: getenv("LODESTAR_POLICY_PACK", ""),
		ReceiptSeed:    getenv("LODESTAR_RECEIPT_SEED", ""),
		SweepInterval:  getenvDuration("LODESTAR_SWEEP_INTERVAL", 30*time.Second),

		APIAddr:        getenv("LODESTAR_API_ADDR", ":8080"),
		JWTSecret:      getenv("LODESTAR_JWT_SECRET", DevJWTSecret),
		RateRPS:        getenvInt("LODESTAR_RATE_RPS", 20),
		RateBurst:      getenvInt("LODESTAR_RATE_BURST", 40),
		IdempotencyTTL: getenvDuration("LODESTAR_IDEMPOTENCY_TTL", 24*time.Hour),

		ServiceName:  getenv("LODESTAR_SERVICE_NAME", "lodestar-node"),
		Environment:  getenv("LODESTAR_ENVIRONMENT", "development"),
		OTLPEndpoint: getenv("LODESTAR_OTLP_ENDPOINT", ""),
		SampleRate:   getenvFloat("LODESTAR_SAMPLE_RATE", 1.0),
		OTLPInsecure: getenvBool("LODESTAR_OTLP_INSECURE", true),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
