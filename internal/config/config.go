package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig
	GRPC     GRPCConfig
	HTTP     HTTPConfig
	Auth     AuthConfig
	Redis    RedisConfig
	Events   EventsConfig
	Location LocationConfig
	LogLevel string // debug | info | warn | error
}

// DatabaseConfig contains database-related settings.
type DatabaseConfig struct {
	Path string // SQLite database file path
}

// GRPCConfig contains gRPC server settings.
type GRPCConfig struct {
	Address string // gRPC server listen address (e.g., ":50051")
}

// HTTPConfig contains REST server settings.
type HTTPConfig struct {
	Address string
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	JWTSecret string // JWT signing secret
}

// RedisConfig selects the Redis record store when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// EventsConfig selects Kafka for notifications when Brokers is non-empty,
// otherwise events stay in process.
type EventsConfig struct {
	Brokers []string
	Topic   string
}

// LocationConfig bounds how fixes are acquired and accepted.
type LocationConfig struct {
	Timeout          time.Duration
	MaxAge           time.Duration
	AccuracyCeilingM float64
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg, err := load("")
	if err != nil {
		return nil, err
	}

	// Validate critical settings
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is not set; required for production")
	}
	return cfg, nil
}

// LoadWithDefaults is like Load but uses a safe default for JWT_SECRET in development.
// WARNING: Only use in development! Use Load() in production.
func LoadWithDefaults() (*Config, error) {
	return load("dev-secret-change-me")
}

func load(defaultSecret string) (*Config, error) {
	// A .env file is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	timeout, err := getEnvDuration("LOCATION_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	maxAge, err := getEnvDuration("LOCATION_MAX_AGE", 0)
	if err != nil {
		return nil, err
	}
	ceiling, err := getEnvFloat("LOCATION_ACCURACY_CEILING_M", 150)
	if err != nil {
		return nil, err
	}

	return &Config{
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "relief.db"),
		},
		GRPC: GRPCConfig{
			Address: getEnv("GRPC_ADDRESS", ":50051"),
		},
		HTTP: HTTPConfig{
			Address: getEnv("HTTP_ADDRESS", ":8080"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", defaultSecret),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
			Prefix:   getEnv("REDIS_PREFIX", "relief:"),
		},
		Events: EventsConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("EVENTS_TOPIC", "relief.notifications"),
		},
		Location: LocationConfig{
			Timeout:          timeout,
			MaxAge:           maxAge,
			AccuracyCeilingM: ceiling,
		},
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}, nil
}

// getEnv retrieves an environment variable with a default fallback.
func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

// getEnvInt retrieves an environment variable as an integer with a default fallback.
func getEnvInt(key string, defaultVal int) (int, error) {
	if value, exists := os.LookupEnv(key); exists {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return intVal, nil
	}
	return defaultVal, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	if value, exists := os.LookupEnv(key); exists {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 {
			return 0, fmt.Errorf("invalid positive number for %s: %q", key, value)
		}
		return f, nil
	}
	return defaultVal, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return 0, fmt.Errorf("invalid duration for %s: %q", key, value)
		}
		return d, nil
	}
	return defaultVal, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// String returns a string representation of the config (sensitive values are masked).
func (c *Config) String() string {
	store := "sqlite:" + c.Database.Path
	if c.Redis.Addr != "" {
		store = "redis:" + c.Redis.Addr
	}
	events := "in-process"
	if len(c.Events.Brokers) > 0 {
		events = "kafka:" + strings.Join(c.Events.Brokers, ",")
	}
	return fmt.Sprintf("Config{Store: %s, HTTP: %s, gRPC: %s, Events: %s/%s, Log: %s, Auth: *** (masked) ***}",
		store, c.HTTP.Address, c.GRPC.Address, events, c.Events.Topic, c.LogLevel)
}
