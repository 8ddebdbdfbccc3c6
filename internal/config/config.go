package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// maxDBConns caps the pool size so it always fits pgxpool's int32 setting.
const maxDBConns = 1000

// Config holds service configuration.
type Config struct {
	DatabaseURL         string
	DBMaxConns          int32
	ServerAddr          string
	MigrationsDir       string
	DeliveryMaxAttempts int
	RequestTimeout      time.Duration
	LogLevel            string
	LogPretty           bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "outbound")
		pass := getenv("POSTGRES_PASSWORD", "outbound_pass")
		db := getenv("POSTGRES_DB", "outbound")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	maxAttempts := parseInt(getenv("DELIVERY_MAX_ATTEMPTS", "3"), 3)
	if maxAttempts < 1 {
		return nil, fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be at least 1, got %d", maxAttempts)
	}
	maxConns := parseInt(getenv("DB_MAX_CONNS", "10"), 10)
	if maxConns < 1 || maxConns > maxDBConns {
		return nil, fmt.Errorf("DB_MAX_CONNS must be between 1 and %d, got %d", maxDBConns, maxConns)
	}

	return &Config{
		DatabaseURL:         dsn,
		DBMaxConns:          int32(maxConns),
		ServerAddr:          getenv("SERVER_ADDR", "0.0.0.0:8080"),
		MigrationsDir:       getenv("MIGRATIONS_DIR", "internal/migrations"),
		DeliveryMaxAttempts: maxAttempts,
		RequestTimeout:      parseDuration(getenv("REQUEST_TIMEOUT", "15s"), 15*time.Second),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		LogPretty:           parseBool(getenv("LOG_PRETTY", "false"), false),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}
