package runner

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Settings is the runner process configuration.
type Settings struct {
	URL          string        `toml:"url"`
	Token        string        `toml:"token"`
	Tags         []string      `toml:"tags"`
	Executor     string        `toml:"executor"`
	Shell        string        `toml:"shell"`
	PullImages   bool          `toml:"pull_images"`
	PollInterval time.Duration `toml:"poll_interval"`
	HTTPTimeout  time.Duration `toml:"http_timeout"`
	LogLevel     string        `toml:"log_level"`
}

// Executor names accepted in Settings.Executor.
const (
	ExecutorDocker = "docker"
	ExecutorShell  = "shell"
)

// DefaultConfigPath is read when no --config flag is given.
const DefaultConfigPath = "/etc/ciengine/runner.toml"

// LoadSettings reads path if it exists, then applies environment overrides:
//   - CI_API_URL      overrides url
//   - RUNNER_TOKEN    overrides token
//   - RUNNER_TAGS     overrides tags (comma-separated)
//   - RUNNER_EXECUTOR overrides executor
func LoadSettings(path string) (Settings, error) {
	cfg := Settings{
		Executor:     ExecutorDocker,
		PullImages:   true,
		PollInterval: 5 * time.Second,
		HTTPTimeout:  30 * time.Second,
		LogLevel:     "info",
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Settings{}, fmt.Errorf("reading %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Settings) {
	if v := os.Getenv("CI_API_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("RUNNER_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("RUNNER_TAGS"); v != "" {
		cfg.Tags = SplitTags(v)
	}
	if v := os.Getenv("RUNNER_EXECUTOR"); v != "" {
		cfg.Executor = v
	}
}

// Validate checks the settings once every source has been applied.
func (s Settings) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("server url is required (url, CI_API_URL or --url)")
	}
	if s.Token == "" {
		return fmt.Errorf("runner token is required (token, RUNNER_TOKEN or --token)")
	}
	if s.Executor != ExecutorDocker && s.Executor != ExecutorShell {
		return fmt.Errorf("executor must be %q or %q, got %q", ExecutorDocker, ExecutorShell, s.Executor)
	}
	if s.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("poll interval must be at least 100ms, got %s", s.PollInterval)
	}
	return nil
}

// SplitTags parses a comma-separated tag list.
func SplitTags(v string) []string {
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
