package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config collects everything the server reads from the environment.
type Config struct {
	AppEnv   string
	Port     string
	LogLevel string

	// postgres | memory
	StoreDriver string
	DatabaseURL string

	JWTSecret        string
	DevPaymentSecret string

	// Lifecycle windows. Deadlines are persisted as absolute timestamps
	// derived from these at transition time.
	ApprovalWindow  time.Duration
	PaymentWindow   time.Duration
	TrackerInterval time.Duration

	MetricsAddr      string
	MetricsNamespace string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads configuration from the environment, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		AppEnv:           getEnv("APP_ENV", "dev"),
		Port:             getEnv("PORT", "3000"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		StoreDriver:      getEnv("STORE_DRIVER", "postgres"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		DevPaymentSecret: os.Getenv("DEV_PAYMENT_SECRET"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9100"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "engagement"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
	}

	var err error
	if cfg.ApprovalWindow, err = getDuration("APPROVAL_WINDOW", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.PaymentWindow, err = getDuration("PAYMENT_WINDOW", 48*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.TrackerInterval, err = getDuration("TRACKER_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}

	if cfg.StoreDriver != "postgres" && cfg.StoreDriver != "memory" {
		return Config{}, fmt.Errorf("config: unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required with the postgres store")
	}
	if cfg.JWTSecret == "" && cfg.AppEnv != "dev" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required outside dev")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return n, nil
}
