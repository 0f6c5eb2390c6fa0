package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "memory", cfg.BusBackend)
	assert.Equal(t, "fs", cfg.ArchiveBackend)
	assert.Equal(t, 3*time.Second, cfg.Debounce)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, DevJWTSecret, cfg.JWTSecret)
	assert.Empty(t, cfg.OTLPEndpoint)
	assert.InDelta(t, 1.0, cfg.SampleRate, 1e-9)
	assert.True(t, cfg.OTLPInsecure)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LODESTAR_DB_DRIVER", "postgres")
	t.Setenv("LODESTAR_DB_URL", "postgres://lodestar@db/lodestar?sslmode=disable")
	t.Setenv("LODESTAR_BUS", "redis")
	t.Setenv("LODESTAR_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("LODESTAR_REDIS_DB", "2")
	t.Setenv("LODESTAR_DEBOUNCE", "5s")
	t.Setenv("LODESTAR_RATE_RPS", "100")
	t.Setenv("LODESTAR_OTLP_INSECURE", "false")

	cfg := Load()
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://lodestar@db/lodestar?sslmode=disable", cfg.DBURL)
	assert.Equal(t, "redis", cfg.BusBackend)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 5*time.Second, cfg.Debounce)
	assert.Equal(t, 100, cfg.RateRPS)
	assert.False(t, cfg.OTLPInsecure)
}

func TestLoadIgnoresGarbageValues(t *testing.T) {
	t.Setenv("LODESTAR_REDIS_DB", "not-a-number")
	t.Setenv("LODESTAR_DEBOUNCE", "soon")
	t.Setenv("LODESTAR_SAMPLE_RATE", "lots")

	cfg := Load()
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 3*time.Second, cfg.Debounce)
	assert.InDelta(t, 1.0, cfg.SampleRate, 1e-9)
}
