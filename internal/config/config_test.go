package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// setSecrets provides the required secrets through the environment.
func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("MEDBRIEF_GEMINI_API_KEY", "test-key")
	t.Setenv("MEDBRIEF_JWT_SECRET", "test-secret")
	t.Setenv("GEMINI_API_KEY", "")
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	setSecrets(t)
	path := writeTempConfig(t, "")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Gemini.Model != "gemini-2.5-flash-lite" {
		t.Errorf("Gemini.Model = %q, want %q", cfg.Gemini.Model, "gemini-2.5-flash-lite")
	}
	if cfg.Generation.MaxAttempts != 3 {
		t.Errorf("Generation.MaxAttempts = %d, want 3", cfg.Generation.MaxAttempts)
	}
	if cfg.Generation.BaseDelay != 500*time.Millisecond {
		t.Errorf("Generation.BaseDelay = %v, want 500ms", cfg.Generation.BaseDelay)
	}
	if cfg.Generation.Mode != "sync" {
		t.Errorf("Generation.Mode = %q, want sync", cfg.Generation.Mode)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.RateLimit.Limit != 10 || cfg.RateLimit.Window != time.Hour {
		t.Errorf("RateLimit = %d/%v, want 10/1h", cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}
	if cfg.RateLimit.Backend != "memory" {
		t.Errorf("RateLimit.Backend = %q, want memory", cfg.RateLimit.Backend)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

// TestMissingConfigFile verifies that a missing file falls back to defaults.
func TestMissingConfigFile(t *testing.T) {
	setSecrets(t)
	cfg, err := loadFromPath(filepath.Join(t.TempDir(), "nope", "config.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
}

// TestFileValues verifies TOML tables map onto dot-notation keys.
func TestFileValues(t *testing.T) {
	setSecrets(t)
	path := writeTempConfig(t, `
[server]
port = 5000
cors_origins = ["https://a.example", "https://b.example"]

[gemini]
model = "gemini-2.5-pro"
requests_per_second = 0.5

[generation]
base_delay = "1s"
jitter = false
mode = "async"

[ratelimit]
window = "30m"
`)

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("Server.CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Gemini.Model != "gemini-2.5-pro" {
		t.Errorf("Gemini.Model = %q", cfg.Gemini.Model)
	}
	if cfg.Gemini.RequestsPerSecond != 0.5 {
		t.Errorf("Gemini.RequestsPerSecond = %v, want 0.5", cfg.Gemini.RequestsPerSecond)
	}
	if cfg.Generation.BaseDelay != time.Second {
		t.Errorf("Generation.BaseDelay = %v, want 1s", cfg.Generation.BaseDelay)
	}
	if cfg.Generation.Jitter {
		t.Error("Generation.Jitter = true, want false")
	}
	if cfg.Generation.Mode != "async" {
		t.Errorf("Generation.Mode = %q, want async", cfg.Generation.Mode)
	}
	if cfg.RateLimit.Window != 30*time.Minute {
		t.Errorf("RateLimit.Window = %v, want 30m", cfg.RateLimit.Window)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	setSecrets(t)
	path := writeTempConfig(t, `
[server]
port = 5000
`)
	t.Setenv("MEDBRIEF_SERVER_PORT", "6000")
	t.Setenv("MEDBRIEF_SERVER_CORS_ORIGINS", "https://x.example, https://y.example")
	t.Setenv("MEDBRIEF_RATELIMIT_WINDOW", "2h")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != "https://x.example" {
		t.Errorf("Server.CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.RateLimit.Window != 2*time.Hour {
		t.Errorf("RateLimit.Window = %v, want 2h", cfg.RateLimit.Window)
	}
}

// TestInvalidEnvFallsBack verifies a malformed env value keeps the default.
func TestInvalidEnvFallsBack(t *testing.T) {
	setSecrets(t)
	t.Setenv("MEDBRIEF_SERVER_PORT", "not-a-number")

	cfg, err := loadFromPath(writeTempConfig(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
}

// TestGeminiAPIKeyFallback verifies GEMINI_API_KEY is used when MEDBRIEF_GEMINI_API_KEY is unset.
func TestGeminiAPIKeyFallback(t *testing.T) {
	setSecrets(t)
	t.Setenv("MEDBRIEF_GEMINI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "fallback-key")

	cfg, err := loadFromPath(writeTempConfig(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gemini.APIKey != "fallback-key" {
		t.Errorf("Gemini.APIKey = %q, want fallback-key", cfg.Gemini.APIKey)
	}
}

// TestSecretsIgnoredInFile verifies secrets are only read from the environment.
func TestSecretsIgnoredInFile(t *testing.T) {
	t.Setenv("MEDBRIEF_GEMINI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("MEDBRIEF_JWT_SECRET", "")
	path := writeTempConfig(t, `
[gemini]
api_key = "file-key"

[auth]
jwt_secret = "file-secret"
`)

	_, err := loadFromPath(path)
	if err == nil {
		t.Fatal("expected error for missing secrets")
	}
	if !strings.Contains(err.Error(), "Gemini API key") || !strings.Contains(err.Error(), "JWT secret") {
		t.Errorf("error should name both secrets: %v", err)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad driver", map[string]string{"MEDBRIEF_STORAGE_DRIVER": "mysql"}, "storage.driver"},
		{"postgres without dsn", map[string]string{"MEDBRIEF_STORAGE_DRIVER": "postgres"}, "MEDBRIEF_POSTGRES_DSN"},
		{"bad limiter", map[string]string{"MEDBRIEF_RATELIMIT_BACKEND": "memcached"}, "ratelimit.backend"},
		{"bad mode", map[string]string{"MEDBRIEF_GENERATION_MODE": "later"}, "generation.mode"},
		{"zero attempts", map[string]string{"MEDBRIEF_GENERATION_MAX_ATTEMPTS": "0"}, "generation.max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setSecrets(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadFromPath(writeTempConfig(t, ""))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestInvalidFileValue(t *testing.T) {
	setSecrets(t)
	path := writeTempConfig(t, `
[server]
port = "abc"
`)
	if _, err := loadFromPath(path); err == nil {
		t.Fatal("expected error for invalid integer")
	}
}

func TestSetKey_RoundTrip(t *testing.T) {
	setSecrets(t)
	path := filepath.Join(t.TempDir(), "medbrief", "config.toml")
	b, err := newFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}

	for key, value := range map[string]string{
		"server.port":         "7000",
		"server.cors_origins": "https://a.example,https://b.example",
		"ratelimit.window":    "15m",
		"generation.jitter":   "false",
		"gemini.model":        "gemini-2.5-pro",
	} {
		if err := setKey(b, key, value); err != nil {
			t.Fatalf("setKey(%s): %v", key, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[server]") {
		t.Errorf("expected nested TOML tables, got:\n%s", data)
	}

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Errorf("Server.CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.RateLimit.Window != 15*time.Minute {
		t.Errorf("RateLimit.Window = %v, want 15m", cfg.RateLimit.Window)
	}
	if cfg.Generation.Jitter {
		t.Error("Generation.Jitter = true, want false")
	}
	if cfg.Gemini.Model != "gemini-2.5-pro" {
		t.Errorf("Gemini.Model = %q", cfg.Gemini.Model)
	}
}

func TestSetKey_Rejects(t *testing.T) {
	b, err := newFileBackend(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if err := setKey(b, "auth.jwt_secret", "x"); err == nil || !strings.Contains(err.Error(), "MEDBRIEF_JWT_SECRET") {
		t.Errorf("expected secret rejection, got %v", err)
	}
	if err := setKey(b, "nope.key", "x"); err == nil {
		t.Error("expected unknown key error")
	}
	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected invalid integer error")
	}
	if err := setKey(b, "ratelimit.window", "soon"); err == nil {
		t.Error("expected invalid duration error")
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Auth.JWTSecret = "shh"
	cfg.Gemini.APIKey = "shh"
	cfg.Server.CORSOrigins = []string{"https://a.example", "https://b.example"}

	for _, info := range ShowAll(cfg) {
		if info.Value == "shh" {
			t.Errorf("secret leaked via %s", info.Key)
		}
		if info.Key == "server.cors_origins" && info.Value != "https://a.example,https://b.example" {
			t.Errorf("cors_origins = %q", info.Value)
		}
	}
	for _, k := range ValidKeys() {
		if k == "auth.jwt_secret" || k == "gemini.api_key" {
			t.Errorf("ValidKeys includes secret %s", k)
		}
	}
}
