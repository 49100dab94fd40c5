package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("backend.url", "https://watchlist.example.com/")
	configViper.Set("auth.token", "credential")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "https://watchlist.example.com" {
		t.Fatalf("trailing slash should be trimmed, got %q", cfg.BackendURL)
	}
	if cfg.MaxRetries != 3 || cfg.BackoffBase != 2*time.Second || cfg.BackoffCeiling != 5*time.Minute {
		t.Fatalf("unexpected retry defaults %+v", cfg)
	}
	if cfg.FreshnessWindow != 5*time.Minute || !cfg.Realtime || cfg.DatabasePath != "watchlist.db" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("WATCHLIST_BACKEND_URL", "http://127.0.0.1:9000")
	t.Setenv("WATCHLIST_AUTH_TOKEN_FILE", "/run/watchlist/token")
	t.Setenv("WATCHLIST_SYNC_MAX_RETRIES", "5")
	t.Setenv("WATCHLIST_HTTP_ALLOWED_ORIGINS", "http://localhost:3000, app://watchlist")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthTokenFile != "/run/watchlist/token" || cfg.MaxRetries != 5 {
		t.Fatalf("environment should override defaults, got %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "app://watchlist" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		message  string
	}{
		{name: "missing backend", settings: map[string]any{"auth.token": "x"}, message: "backend.url is required"},
		{name: "relative backend", settings: map[string]any{"backend.url": "watchlist", "auth.token": "x"}, message: "absolute url"},
		{name: "missing credential", settings: map[string]any{"backend.url": "http://localhost"}, message: "auth.token"},
		{name: "inverted backoff", settings: map[string]any{
			"backend.url":          "http://localhost",
			"auth.token":           "x",
			"sync.backoff_base":    time.Minute,
			"sync.backoff_ceiling": time.Second,
		}, message: "backoff_ceiling"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error containing %q, got %v", testCase.message, err)
			}
		})
	}
}

func TestLoadEnvFilesDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	contents := "WATCHLIST_BACKEND_URL=http://from-file:8000\nWATCHLIST_AUTH_TOKEN=file-token\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("WATCHLIST_BACKEND_URL", "http://from-env:9000")
	t.Setenv("WATCHLIST_AUTH_TOKEN", "")
	os.Unsetenv("WATCHLIST_AUTH_TOKEN")

	LoadEnvFiles(path)
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "http://from-env:9000" {
		t.Fatalf("process environment should win, got %q", cfg.BackendURL)
	}
	if cfg.AuthToken != "file-token" {
		t.Fatalf("env file should fill unset values, got %q", cfg.AuthToken)
	}
}
