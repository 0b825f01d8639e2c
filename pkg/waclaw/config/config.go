// Package config loads and validates the waclaw configuration.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// config.yaml, and environment variables (a .env file is loaded first when
// present). Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the waclaw daemon.
type Config struct {
	// AssistantName is the display name used to prefix replies and to
	// filter the bot's own messages out of intake (e.g. "bhai").
	AssistantName string `yaml:"assistant_name"`

	// Timezone is the IANA timezone used for cron schedules.
	Timezone string `yaml:"timezone"`

	// DataDir holds registries, IPC directories, and snapshots.
	DataDir string `yaml:"data_dir"`

	// GroupsDir holds the per-group workspaces mounted into the agent.
	GroupsDir string `yaml:"groups_dir"`

	// StoreDir holds the SQLite databases (messages + WhatsApp session).
	StoreDir string `yaml:"store_dir"`

	// ProjectRoot is mounted read-write into the main group's container.
	// Defaults to the current working directory.
	ProjectRoot string `yaml:"project_root"`

	// PollInterval is how often the intake loop checks for new messages.
	PollInterval time.Duration `yaml:"poll_interval"`

	Container  ContainerConfig  `yaml:"container"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Tools      ToolsConfig      `yaml:"tools"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ContainerConfig configures the sandboxed agent container.
type ContainerConfig struct {
	// Image is the agent container image tag.
	Image string `yaml:"image"`

	// Runtime is the container runtime binary (docker or podman).
	Runtime string `yaml:"runtime"`

	// Timeout is the maximum wall time for a single agent run.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes caps the agent's stdout; runs exceeding it are killed.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// Memory is the container memory limit (docker --memory syntax).
	Memory string `yaml:"memory"`
}

// EmbeddingsConfig configures the OpenAI-compatible embeddings endpoint.
type EmbeddingsConfig struct {
	// BaseURL is the API base (e.g. http://localhost:11434/v1).
	// Empty disables semantic search; chunks are stored without vectors.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the endpoint. WACLAW_EMBEDDINGS_KEY,
	// when set, overrides it.
	APIKey string `yaml:"api_key"`

	// Model is the embedding model name.
	Model string `yaml:"model"`

	// Dimensions is the output vector dimensionality.
	Dimensions int `yaml:"dimensions"`
}

// ToolsConfig configures external CLI integrations.
type ToolsConfig struct {
	// GithubCLI is the code-review CLI binary (argv-invoked).
	GithubCLI string `yaml:"github_cli"`

	// TranscriptCLI is the video-transcript command template. Parsed once
	// with shell quoting rules; the URL is appended as its own argument.
	TranscriptCLI string `yaml:"transcript_cli"`

	// Timeout bounds every external CLI invocation.
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		AssistantName: "bhai",
		Timezone:      "UTC",
		DataDir:       "./data",
		GroupsDir:     "./groups",
		StoreDir:      "./store",
		PollInterval:  2 * time.Second,
		Container: ContainerConfig{
			Image:          "waclaw-agent:latest",
			Runtime:        "docker",
			Timeout:        300 * time.Second,
			MaxOutputBytes: 10 << 20,
			Memory:         "2g",
		},
		Embeddings: EmbeddingsConfig{
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		Tools: ToolsConfig{
			GithubCLI: "gh",
			Timeout:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the given path (empty means ./config.yaml
// if present), applies .env and environment overrides, and validates.
func Load(path string) (Config, error) {
	// .env first so the overrides below can see it.
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.ProjectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, fmt.Errorf("resolving project root: %w", err)
		}
		cfg.ProjectRoot = wd
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides applies WACLAW_* environment variables over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WACLAW_ASSISTANT_NAME"); v != "" {
		cfg.AssistantName = v
	}
	if v := os.Getenv("WACLAW_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("WACLAW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WACLAW_CONTAINER_IMAGE"); v != "" {
		cfg.Container.Image = v
	}
	if v := os.Getenv("WACLAW_CONTAINER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Container.Timeout = d
		}
	}
	if v := os.Getenv("WACLAW_CONTAINER_MAX_OUTPUT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Container.MaxOutputBytes = n
		}
	}
	if v := os.Getenv("WACLAW_EMBEDDINGS_URL"); v != "" {
		cfg.Embeddings.BaseURL = v
	}
	if v := os.Getenv("WACLAW_EMBEDDINGS_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
	}
}

// Validate checks the configuration for fatal errors.
func (c *Config) Validate() error {
	if c.AssistantName == "" {
		return fmt.Errorf("assistant_name is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.Container.Image == "" {
		return fmt.Errorf("container.image is required")
	}
	if c.Container.Timeout <= 0 {
		return fmt.Errorf("container.timeout must be positive")
	}
	if c.Container.MaxOutputBytes <= 0 {
		return fmt.Errorf("container.max_output_bytes must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

// Location returns the parsed cron timezone. Validate guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IPCDir returns the root of the IPC directory tree.
func (c *Config) IPCDir() string { return filepath.Join(c.DataDir, "ipc") }

// LocksDir returns the directory for file-based mutexes.
func (c *Config) LocksDir() string { return filepath.Join(c.DataDir, "locks") }

// MountAllowlistPath returns the path of the extra-mount allowlist. It lives
// under the user config dir, outside the project root, and is never mounted
// into any sandbox.
func MountAllowlistPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "waclaw", "mount-allowlist.json")
}
