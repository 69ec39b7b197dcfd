// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
	GetStoreDriver() string
	GetStoreTimeout() time.Duration
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// SchedulerConfig provides Redis and asynq settings for background jobs.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// AggregationConfig provides settings for active-user aggregation and fan-out.
type AggregationConfig interface {
	GetAggregateSampleRate() float64
	GetAggregatePageSize() int
	GetStaleReconcileInterval() time.Duration
	GetRebuildPerTenantLimit() int
	GetRebuildGlobalLimit() int
	GetAggregateUpdatesChannel() string
}

// EventBusConfig provides settings for the durable event bus.
type EventBusConfig interface {
	GetEventBatchSize() int
	GetEventProcessInterval() time.Duration
	GetEventRetentionDays() int
	GetEventCleanupInterval() time.Duration
}

// SafetyConfig provides limits for the direct-update safety layer.
type SafetyConfig interface {
	GetSafetyCacheTTL() time.Duration
	GetSafetyEntityHourlyLimit() int
	GetSafetyCallerHourlyLimit() int
	GetSafetyGlobalHourlyLimit() int
	GetSafetyLoopBurst() int
	GetSafetyLoopWindow() time.Duration
	GetSafetyMinUpdateSpacing() time.Duration
	GetSafetySweepInterval() time.Duration
	GetSafetyStateBackend() string
}

// Recognized STORE_DRIVER and SAFETY_STATE_BACKEND values.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	SafetyStateMemory = "memory"
	SafetyStateRedis  = "redis"
)

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                     string
	HTTPAddr                string
	DatabaseURL             string
	StoreDriver             string
	StoreTimeout            time.Duration
	JWTAccessSecret         string
	CORSAllowAll            bool
	CORSOrigins             []string
	CORSAllowCreds          bool
	RedisURL                string
	RedisTLSInsecure        bool
	AsynqQueueName          string
	AsynqConcurrency        int
	AggregateSampleRate     float64
	AggregatePageSize       int
	StaleReconcileInterval  time.Duration
	RebuildPerTenantLimit   int
	RebuildGlobalLimit      int
	AggregateUpdatesChannel string
	EventBatchSize          int
	EventProcessInterval    time.Duration
	EventRetentionDays      int
	EventCleanupInterval    time.Duration
	SafetyCacheTTL          time.Duration
	SafetyEntityHourlyLimit int
	SafetyCallerHourlyLimit int
	SafetyGlobalHourlyLimit int
	SafetyLoopBurst         int
	SafetyLoopWindow        time.Duration
	SafetyMinUpdateSpacing  time.Duration
	SafetySweepInterval     time.Duration
	SafetyStateBackend      string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string         { return c.DatabaseURL }
func (c *Config) GetStoreDriver() string         { return c.StoreDriver }
func (c *Config) GetStoreTimeout() time.Duration { return c.StoreTimeout }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

// AggregationConfig implementation
func (c *Config) GetAggregateSampleRate() float64          { return c.AggregateSampleRate }
func (c *Config) GetAggregatePageSize() int                { return c.AggregatePageSize }
func (c *Config) GetStaleReconcileInterval() time.Duration { return c.StaleReconcileInterval }
func (c *Config) GetRebuildPerTenantLimit() int            { return c.RebuildPerTenantLimit }
func (c *Config) GetRebuildGlobalLimit() int               { return c.RebuildGlobalLimit }
func (c *Config) GetAggregateUpdatesChannel() string       { return c.AggregateUpdatesChannel }

// EventBusConfig implementation
func (c *Config) GetEventBatchSize() int                 { return c.EventBatchSize }
func (c *Config) GetEventProcessInterval() time.Duration { return c.EventProcessInterval }
func (c *Config) GetEventRetentionDays() int             { return c.EventRetentionDays }
func (c *Config) GetEventCleanupInterval() time.Duration { return c.EventCleanupInterval }

// SafetyConfig implementation
func (c *Config) GetSafetyCacheTTL() time.Duration         { return c.SafetyCacheTTL }
func (c *Config) GetSafetyEntityHourlyLimit() int          { return c.SafetyEntityHourlyLimit }
func (c *Config) GetSafetyCallerHourlyLimit() int          { return c.SafetyCallerHourlyLimit }
func (c *Config) GetSafetyGlobalHourlyLimit() int          { return c.SafetyGlobalHourlyLimit }
func (c *Config) GetSafetyLoopBurst() int                  { return c.SafetyLoopBurst }
func (c *Config) GetSafetyLoopWindow() time.Duration       { return c.SafetyLoopWindow }
func (c *Config) GetSafetyMinUpdateSpacing() time.Duration { return c.SafetyMinUpdateSpacing }
func (c *Config) GetSafetySweepInterval() time.Duration    { return c.SafetySweepInterval }
func (c *Config) GetSafetyStateBackend() string            { return c.SafetyStateBackend }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                     getEnv("APP_ENV", "development"),
		HTTPAddr:                getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		StoreDriver:             strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		StoreTimeout:            mustDuration(getEnv("STORE_TIMEOUT", "10s")),
		JWTAccessSecret:         getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:            corsAllowAll,
		CORSOrigins:             corsOrigins,
		CORSAllowCreds:          strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		RedisURL:                getEnv("REDIS_URL", ""),
		RedisTLSInsecure:        strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:          getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:        mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		AggregateSampleRate:     mustFloat(getEnv("AGGREGATE_SAMPLE_RATE", "0.1")),
		AggregatePageSize:       mustInt(getEnv("AGGREGATE_PAGE_SIZE", "200")),
		StaleReconcileInterval:  mustDuration(getEnv("AGGREGATE_STALE_RECONCILE_INTERVAL", "15m")),
		RebuildPerTenantLimit:   mustInt(getEnv("AGGREGATE_REBUILD_TENANT_LIMIT", "500")),
		RebuildGlobalLimit:      mustInt(getEnv("AGGREGATE_REBUILD_GLOBAL_LIMIT", "2000")),
		AggregateUpdatesChannel: getEnv("AGGREGATE_UPDATES_CHANNEL", "aggregates:updated"),
		EventBatchSize:          mustInt(getEnv("EVENT_BATCH_SIZE", "50")),
		EventProcessInterval:    mustDuration(getEnv("EVENT_PROCESS_INTERVAL", "1m")),
		EventRetentionDays:      mustInt(getEnv("EVENT_RETENTION_DAYS", "7")),
		EventCleanupInterval:    mustDuration(getEnv("EVENT_CLEANUP_INTERVAL", "24h")),
		SafetyCacheTTL:          mustDuration(getEnv("SAFETY_CACHE_TTL", "5m")),
		SafetyEntityHourlyLimit: mustInt(getEnv("SAFETY_ENTITY_HOURLY_LIMIT", "60")),
		SafetyCallerHourlyLimit: mustInt(getEnv("SAFETY_CALLER_HOURLY_LIMIT", "300")),
		SafetyGlobalHourlyLimit: mustInt(getEnv("SAFETY_GLOBAL_HOURLY_LIMIT", "5000")),
		SafetyLoopBurst:         mustInt(getEnv("SAFETY_LOOP_BURST", "3")),
		SafetyLoopWindow:        mustDuration(getEnv("SAFETY_LOOP_WINDOW", "1s")),
		SafetyMinUpdateSpacing:  mustDuration(getEnv("SAFETY_MIN_UPDATE_SPACING", "100ms")),
		SafetySweepInterval:     mustDuration(getEnv("SAFETY_SWEEP_INTERVAL", "5m")),
		SafetyStateBackend:      strings.ToLower(getEnv("SAFETY_STATE_BACKEND", "memory")),
	}

	if cfg.StoreDriver != StoreDriverPostgres && cfg.StoreDriver != StoreDriverMemory {
		return nil, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == StoreDriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.AggregateSampleRate <= 0 || cfg.AggregateSampleRate > 1 {
		return nil, fmt.Errorf("AGGREGATE_SAMPLE_RATE must be in (0, 1]")
	}
	if cfg.SafetyStateBackend != SafetyStateMemory && cfg.SafetyStateBackend != SafetyStateRedis {
		return nil, fmt.Errorf("SAFETY_STATE_BACKEND must be memory or redis, got %q", cfg.SafetyStateBackend)
	}
	if cfg.SafetyStateBackend == SafetyStateRedis && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required when SAFETY_STATE_BACKEND is redis")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
