package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the streaming server.
type Config struct {
	Env      string
	HTTPPort string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// StreamPollInterval is how long readers sleep between log polls.
	StreamPollInterval time.Duration
	// CaptureInterval is how often the capture monitor drains raw output.
	CaptureInterval time.Duration
	// StreamTimeout bounds a job stream reader when the submit request
	// does not carry its own timeout.
	StreamTimeout time.Duration
	// SessionTimeout bounds a client session stream reader.
	SessionTimeout time.Duration

	RateLimitCapacity int
	RateLimitRefill   float64

	// Eviction is disabled when the TTLs are zero, matching the
	// keep-until-shutdown default.
	EvictCompletedAfter time.Duration
	EvictClosedAfter    time.Duration
	EvictInterval       time.Duration
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:                 getEnv("APP_ENV", "dev"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		StreamPollInterval:  getEnvDuration("STREAM_POLL_INTERVAL", 500*time.Millisecond),
		CaptureInterval:     getEnvDuration("CAPTURE_INTERVAL", time.Second),
		StreamTimeout:       getEnvDuration("STREAM_TIMEOUT", 30*time.Second),
		SessionTimeout:      getEnvDuration("SESSION_TIMEOUT", time.Hour),
		RateLimitCapacity:   getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:     getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
		EvictCompletedAfter: getEnvDuration("EVICT_COMPLETED_AFTER", 0),
		EvictClosedAfter:    getEnvDuration("EVICT_CLOSED_AFTER", 0),
		EvictInterval:       getEnvDuration("EVICT_INTERVAL", time.Minute),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
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

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
