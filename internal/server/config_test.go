package server

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfigRequiresJWTSecret(t *testing.T) {
	t.Setenv(envJWTSecret, "")
	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), envJWTSecret) {
		t.Fatalf("expected missing jwt secret error, got %v", err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(envJWTSecret, "unit-test-secret")
	t.Setenv(envDatabasePath, filepath.Join(t.TempDir(), "sub", "envoix.db"))
	t.Setenv(envListenAddr, "")
	t.Setenv(envDatabaseURL, "")
	t.Setenv(envRedisAddr, "")
	t.Setenv(envKDFIterations, "")
	t.Setenv(envLogLevel, "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.KDFIterations != defaultKDFIterations {
		t.Fatalf("expected default kdf iterations, got %d", cfg.KDFIterations)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("expected info level, got %v", cfg.LogLevel)
	}
}

func TestLoadConfigRejectsBadIterations(t *testing.T) {
	t.Setenv(envJWTSecret, "unit-test-secret")
	t.Setenv(envDatabasePath, filepath.Join(t.TempDir(), "envoix.db"))

	for _, raw := range []string{"abc", "0", "-5"} {
		t.Setenv(envKDFIterations, raw)
		if _, err := LoadConfig(); err == nil {
			t.Fatalf("expected error for iterations %q", raw)
		}
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv(envJWTSecret, "unit-test-secret")
	t.Setenv(envDatabasePath, filepath.Join(t.TempDir(), "envoix.db"))
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envRedisAddr, "localhost:6379")
	t.Setenv(envKDFIterations, "50000")
	t.Setenv(envLogLevel, "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.KDFIterations != 50000 {
		t.Fatalf("expected 50000 iterations, got %d", cfg.KDFIterations)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", cfg.LogLevel)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := parseLogLevel(raw); got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
