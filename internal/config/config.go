package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the CI engine server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Storage  StorageConfig
	Pipeline PipelineConfig
	Sweeper  SweeperConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel slog.Level
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ApplicationName string
}

type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	// UserJWTSecret verifies HS256 tokens minted by the host application.
	UserJWTSecret      string
	RunnerRateLimit    int
	RunnerTokenMinLen  int
	RunnerAutoRegister bool
}

type StorageConfig struct {
	ReposDir      string
	ArtifactsDir  string
	WorkspaceRoot string
	MaxArtifactMB int
}

type PipelineConfig struct {
	DefinitionFiles []string
	DefaultImage    string
	LeaseScanLimit  int
}

type SweeperConfig struct {
	Interval time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("CI_PORT", 8080),
			Env:      envString("CI_ENV", "development"),
			LogLevel: envLevel("LOG_LEVEL", slog.LevelInfo),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ApplicationName: envString("DATABASE_APPLICATION_NAME", "ciengine"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			UserJWTSecret:      os.Getenv("USER_JWT_SECRET"),
			RunnerRateLimit:    envInt("RUNNER_RATE_LIMIT_PER_MIN", 600),
			RunnerTokenMinLen:  envInt("RUNNER_TOKEN_MIN_LENGTH", 16),
			RunnerAutoRegister: envBool("RUNNER_AUTO_REGISTER", true),
		},
		Storage: StorageConfig{
			ReposDir:      envString("GIT_REPOS_DIR", "/var/lib/ciengine/repos"),
			ArtifactsDir:  envString("ARTIFACTS_DIR", "/var/lib/ciengine/artifacts"),
			WorkspaceRoot: envString("RUNNER_WORKSPACE_ROOT", "/var/lib/ciengine/repos"),
			MaxArtifactMB: envInt("MAX_ARTIFACT_MB", 256),
		},
		Pipeline: PipelineConfig{
			DefinitionFiles: envList("PIPELINE_DEFINITION_FILES", nil),
			DefaultImage:    envString("PIPELINE_DEFAULT_IMAGE", "alpine:3"),
			LeaseScanLimit:  envInt("LEASE_SCAN_LIMIT", 200),
		},
		Sweeper: SweeperConfig{
			Interval: envDuration("TIMEOUT_SWEEP_INTERVAL", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Auth.UserJWTSecret == "" {
		return fmt.Errorf("USER_JWT_SECRET is required")
	}
	if len(c.Auth.UserJWTSecret) < 32 {
		return fmt.Errorf("USER_JWT_SECRET must be at least 32 bytes, got %d", len(c.Auth.UserJWTSecret))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("CI_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Storage.ArtifactsDir == "" {
		return fmt.Errorf("ARTIFACTS_DIR must not be empty")
	}

	if c.Pipeline.LeaseScanLimit <= 0 {
		return fmt.Errorf("LEASE_SCAN_LIMIT must be positive, got %d", c.Pipeline.LeaseScanLimit)
	}

	if c.Sweeper.Interval < time.Second {
		return fmt.Errorf("TIMEOUT_SWEEP_INTERVAL must be at least 1s, got %s", c.Sweeper.Interval)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList reads a comma-separated list.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
