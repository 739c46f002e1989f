package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Store         StoreConfig         `toml:"store"`
	Pool          PoolConfig          `toml:"pool"`
	Agents        AgentsConfig        `toml:"agents"`
	Sandbox       SandboxConfig       `toml:"sandbox"`
	Gemini        GeminiConfig        `toml:"gemini"`
	Patterns      PatternsConfig      `toml:"patterns"`
	Janitor       JanitorConfig       `toml:"janitor"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StoreConfig holds persistence settings
type StoreConfig struct {
	DatabasePath string `toml:"database_path"`
}

// PoolConfig holds environment pool settings
type PoolConfig struct {
	Capacity           int `toml:"capacity"`
	AcquireTimeoutSecs int `toml:"acquire_timeout_seconds"`
	LeaseCeilingSecs   int `toml:"lease_ceiling_seconds"`
	ReleaseTimeoutSecs int `toml:"release_timeout_seconds"`
}

// AgentsConfig holds agent fan-out settings
type AgentsConfig struct {
	Default         int `toml:"default"`
	Max             int `toml:"max"`
	TaskTimeoutSecs int `toml:"task_timeout_seconds"`
}

// SandboxConfig selects and tunes the environment provisioner
type SandboxConfig struct {
	Provisioner string  `toml:"provisioner"` // "docker" or "static"
	BaseRef     string  `toml:"base_ref"`    // shared base database reference (static mode)
	Image       string  `toml:"image"`
	MemoryMB    int64   `toml:"memory_mb"`
	CPULimit    float64 `toml:"cpu_limit"`
}

// GeminiConfig holds model names; the API key comes from the environment
type GeminiConfig struct {
	Model          string `toml:"model"`
	EmbeddingModel string `toml:"embedding_model"`
}

// PatternsConfig holds knowledge-base seeding settings
type PatternsConfig struct {
	File  string `toml:"file"`
	Watch bool   `toml:"watch"`
}

// JanitorConfig holds maintenance sweep settings
type JanitorConfig struct {
	Cron               string `toml:"cron"`
	AbandonedAfterSecs int    `toml:"abandoned_after_seconds"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(home, ".parallelproof", "parallelproof.db"),
		},
		Pool: PoolConfig{
			Capacity:           8,
			AcquireTimeoutSecs: 30,
			LeaseCeilingSecs:   300,
			ReleaseTimeoutSecs: 15,
		},
		Agents: AgentsConfig{
			Default:         8,
			Max:             100,
			TaskTimeoutSecs: 300,
		},
		Sandbox: SandboxConfig{
			Provisioner: "static",
			Image:       "python:3.12-slim",
			MemoryMB:    512,
			CPULimit:    0.5,
		},
		Gemini: GeminiConfig{
			Model:          "gemini-2.0-flash-exp",
			EmbeddingModel: "gemini-embedding-001",
		},
		Patterns: PatternsConfig{
			File:  filepath.Join(home, ".parallelproof", "patterns.yaml"),
			Watch: true,
		},
		Janitor: JanitorConfig{
			Cron:               "*/5 * * * *",
			AbandonedAfterSecs: 1800,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Store.DatabasePath = ExpandPath(cfg.Store.DatabasePath)
	cfg.Patterns.File = ExpandPath(cfg.Patterns.File)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "parallelproof", "config.toml")
}
