package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Gemini     GeminiConfig
	Generation GenerationConfig
	Storage    StorageConfig
	RateLimit  RateLimitConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Log        LogConfig
	MCP        MCPConfig
}

type ServerConfig struct {
	Port        int
	CORSOrigins []string
}

type GeminiConfig struct {
	BaseURL           string
	Model             string
	APIKey            string
	RequestsPerSecond float64
	Timeout           time.Duration
}

type GenerationConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	// Mode is "sync" (generate inside the create request) or "async" (job queue).
	Mode string
}

type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string
	DataDir     string
	PostgresDSN string
}

type RateLimitConfig struct {
	// Backend is "memory" or "redis".
	Backend string
	Limit   int
	Window  time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

type LogConfig struct {
	Level  string
	Format string
}

type MCPConfig struct {
	Owner string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Gemini: GeminiConfig{
			BaseURL:           "https://generativelanguage.googleapis.com/v1beta",
			Model:             "gemini-2.5-flash-lite",
			RequestsPerSecond: 2,
			Timeout:           60 * time.Second,
		},
		Generation: GenerationConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Jitter:      true,
			Mode:        "sync",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Limit:   10,
			Window:  time.Hour,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		MCP: MCPConfig{
			Owner: "local",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/medbrief/config.toml, then applies MEDBRIEF_*
// environment overrides. Secrets are read from the environment only.
func Load() (Config, error) {
	return loadFromPath(configFilePath())
}

func loadFromPath(path string) (Config, error) {
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadClient is Load without the server-only requirements, for CLI
// commands that only talk to a running server.
func LoadClient() (Config, error) {
	b, err := newFileBackend(configFilePath())
	if err != nil {
		return Config{}, err
	}
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func (cfg Config) validate() error {
	var errs []error
	if cfg.Gemini.APIKey == "" {
		errs = append(errs, errors.New("missing required config: Gemini API key. Set MEDBRIEF_GEMINI_API_KEY or GEMINI_API_KEY"))
	}
	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("missing required config: JWT secret. Set MEDBRIEF_JWT_SECRET"))
	}
	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.driver is postgres but MEDBRIEF_POSTGRES_DSN is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite or postgres, got %q", cfg.Storage.Driver))
	}
	switch cfg.RateLimit.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("ratelimit.backend must be memory or redis, got %q", cfg.RateLimit.Backend))
	}
	switch cfg.Generation.Mode {
	case "sync", "async":
	default:
		errs = append(errs, fmt.Errorf("generation.mode must be sync or async, got %q", cfg.Generation.Mode))
	}
	if cfg.Generation.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("generation.max_attempts must be at least 1, got %d", cfg.Generation.MaxAttempts))
	}
	if cfg.RateLimit.Limit < 1 || cfg.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("ratelimit.limit and ratelimit.window must be positive"))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "medbrief-data"
		}
	}
	return filepath.Join(dir, "medbrief")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "medbrief", "config.toml")
}

// ConfigFilePath returns the path of the TOML config file.
func ConfigFilePath() string {
	return configFilePath()
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
