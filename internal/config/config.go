package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// AuthMode selects how bearer tokens are verified at connect time.
type AuthMode string

const (
	// AuthModeRemote verifies tokens against the platform's verify endpoint.
	AuthModeRemote AuthMode = "remote"
	// AuthModeJWT verifies tokens locally with an HMAC secret.
	AuthModeJWT AuthMode = "jwt"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Platform backend (token verify, access checks, snapshot store,
	// reference registry)
	PlatformBaseURL      string
	PlatformServiceToken string

	AuthMode  AuthMode
	JWTSecret string

	// Room timer intervals
	PeriodicSaveInterval  time.Duration
	DisconnectSaveDelay   time.Duration
	ReferencePushDebounce time.Duration
	PresenceFrameInterval time.Duration
	ReferenceCacheTTL     time.Duration

	// Default grid dimensions for freshly bootstrapped spreadsheet rooms
	GridRows int
	GridCols int

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collabsync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		PlatformBaseURL:      getEnv("PLATFORM_BASE_URL", ""),
		PlatformServiceToken: getEnv("PLATFORM_SERVICE_TOKEN", ""),

		AuthMode:  AuthMode(getEnv("AUTH_MODE", string(AuthModeRemote))),
		JWTSecret: getEnv("JWT_SECRET", ""),

		PeriodicSaveInterval:  getEnvDuration("PERIODIC_SAVE_INTERVAL", 30*time.Second),
		DisconnectSaveDelay:   getEnvDuration("DISCONNECT_SAVE_DELAY", 7*time.Second),
		ReferencePushDebounce: getEnvDuration("REFERENCE_PUSH_DEBOUNCE", 2*time.Second),
		PresenceFrameInterval: getEnvDuration("PRESENCE_FRAME_INTERVAL", 16*time.Millisecond),
		ReferenceCacheTTL:     getEnvDuration("REFERENCE_CACHE_TTL", 30*time.Second),

		GridRows: getEnvInt("GRID_DEFAULT_ROWS", 100),
		GridCols: getEnvInt("GRID_DEFAULT_COLS", 26),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.PlatformBaseURL == "" {
		return nil, fmt.Errorf("PLATFORM_BASE_URL is required")
	}
	if cfg.AuthMode == AuthModeJWT && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required when AUTH_MODE=jwt")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
