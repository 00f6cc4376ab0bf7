package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	envListenAddr    = "ENVOIX_LISTEN_ADDR"
	envDatabasePath  = "ENVOIX_DB_PATH"
	envDatabaseURL   = "ENVOIX_DATABASE_URL"
	envJWTSecret     = "ENVOIX_JWT_SECRET"
	envRedisAddr     = "ENVOIX_REDIS_ADDR"
	envKDFIterations = "ENVOIX_KDF_ITERATIONS"
	envLogLevel      = "ENVOIX_LOG_LEVEL"

	defaultListenAddr       = ":8080"
	defaultDatabaseFilePath = "data/envoix.db"
)

type Config struct {
	ListenAddr    string
	DatabasePath  string
	DatabaseURL   string
	JWTSecret     []byte
	RedisAddr     string
	KDFIterations int
	LogLevel      slog.Level
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:    defaultValue(os.Getenv(envListenAddr), defaultListenAddr),
		DatabasePath:  defaultValue(os.Getenv(envDatabasePath), defaultDatabaseFilePath),
		DatabaseURL:   strings.TrimSpace(os.Getenv(envDatabaseURL)),
		RedisAddr:     strings.TrimSpace(os.Getenv(envRedisAddr)),
		KDFIterations: defaultKDFIterations,
		LogLevel:      parseLogLevel(os.Getenv(envLogLevel)),
	}

	jwtSecret := strings.TrimSpace(os.Getenv(envJWTSecret))
	if jwtSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envJWTSecret)
	}
	cfg.JWTSecret = []byte(jwtSecret)

	if raw := strings.TrimSpace(os.Getenv(envKDFIterations)); raw != "" {
		iterations, err := strconv.Atoi(raw)
		if err != nil || iterations < 1 {
			return Config{}, fmt.Errorf("%s must be a positive integer", envKDFIterations)
		}
		cfg.KDFIterations = iterations
	}

	if cfg.DatabaseURL == "" {
		if err := ensureDatabaseDir(cfg.DatabasePath); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func ensureDatabaseDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultValue(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
