package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the Lore server.
type Config struct {
	Host      string
	Port      int
	Database  DatabaseConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Metrics   MetricsConfig
	Log       LogConfig
	CORS      CORSConfig
	Telemetry TelemetryConfig
}

type DatabaseConfig struct {
	// URL is the Postgres connection string. Empty means run on the
	// in-memory store (useful for local development and tests).
	URL            string
	MinConnections int
	MaxConnections int
	MigrationsDir  string
}

// AuthConfig controls how bearer tokens resolve.
// Mode is one of "api-key-only", "dual", "oidc-required".
type AuthConfig struct {
	Mode         string
	OIDCIssuer   string
	OIDCAudience string
	RoleClaim    string
	OrgClaim     string
}

type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	// Backend selects the limiter store: "memory" or "redis".
	Backend  string
	RedisURL string
}

type MetricsConfig struct {
	Enabled bool
}

type LogConfig struct {
	// Format is "json" or "pretty".
	Format string
	Level  string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Host: envStr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8765),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MinConnections: envInt("DATABASE_MIN_CONNECTIONS", 2),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
			MigrationsDir:  envStr("MIGRATIONS_DIR", "migrations"),
		},
		Auth: AuthConfig{
			Mode:         envStr("AUTH_MODE", "api-key-only"),
			OIDCIssuer:   envStr("OIDC_ISSUER", ""),
			OIDCAudience: envStr("OIDC_AUDIENCE", ""),
			RoleClaim:    envStr("OIDC_ROLE_CLAIM", "role"),
			OrgClaim:     envStr("OIDC_ORG_CLAIM", "tenant_id"),
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   envInt("RATE_LIMIT_MAX_REQUESTS", 100),
			WindowSeconds: envInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			Backend:       envStr("RATE_LIMIT_BACKEND", "memory"),
			RedisURL:      envStr("REDIS_URL", ""),
		},
		Metrics: MetricsConfig{
			Enabled: envBool("METRICS_ENABLED", true),
		},
		Log: LogConfig{
			Format: envStr("LOG_FORMAT", "json"),
			Level:  envStr("LOG_LEVEL", "info"),
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{envStr("CORS_ALLOWED_ORIGINS", "*")},
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("TELEMETRY_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "lore-server"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
