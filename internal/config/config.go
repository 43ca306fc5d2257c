package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/devices"
	"github.com/tiroq/qrscan/internal/session"
)

// DefaultConfigPath is the repository fallback used when the user has no config yet.
const DefaultConfigPath = "configs/default-config.yaml"

// AgentConfig locates the capture agent.
type AgentConfig struct {
	URL   string `yaml:"url" json:"url"`     // ws:// or wss://
	Token string `yaml:"token" json:"token"` // empty when the agent has auth disabled
}

// ScannerConfig holds the session options.
type ScannerConfig struct {
	FrameRate          int     `yaml:"fps" json:"fps"`
	RegionFraction     float64 `yaml:"region_fraction" json:"region_fraction"`
	AspectRatio        float64 `yaml:"aspect_ratio" json:"aspect_ratio"`
	Mirror             bool    `yaml:"mirror" json:"mirror"`
	VerboseFrameErrors bool    `yaml:"verbose_frame_errors" json:"verbose_frame_errors"`
	NoDecodeTimeoutMS  int     `yaml:"no_decode_timeout_ms" json:"no_decode_timeout_ms"` // 0 disables the timer
	SettleDelayMS      int     `yaml:"settle_delay_ms" json:"settle_delay_ms"`
	RetryAttempts      int     `yaml:"retry_attempts" json:"retry_attempts"`
	RetryBaseDelayMS   int     `yaml:"retry_base_delay_ms" json:"retry_base_delay_ms"`
	AutoStart          bool    `yaml:"auto_start" json:"auto_start"` // start scanning once Ready
}

// PreferencesConfig selects where the last used camera is remembered.
type PreferencesConfig struct {
	Backend       string `yaml:"backend" json:"backend"` // "none", "file" or "redis"
	Key           string `yaml:"key" json:"key"`
	Path          string `yaml:"path,omitempty" json:"path,omitempty"`
	RedisAddr     string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty" json:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
	TTLHours      int    `yaml:"ttl_hours,omitempty" json:"ttl_hours,omitempty"`
}

// HTTPConfig controls the local control API.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// Config is the daemon configuration.
type Config struct {
	Agent       AgentConfig       `yaml:"agent" json:"agent"`
	Scanner     ScannerConfig     `yaml:"scanner" json:"scanner"`
	Preferences PreferencesConfig `yaml:"preferences" json:"preferences"`
	HTTP        HTTPConfig        `yaml:"http" json:"http"`
	LogPath     string            `yaml:"log_path,omitempty" json:"log_path,omitempty"` // diagnostic NDJSON log
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{URL: "ws://localhost:4466"},
		Scanner: ScannerConfig{
			FrameRate:         10,
			RegionFraction:    0.7,
			AspectRatio:       1.0,
			NoDecodeTimeoutMS: 15000,
			SettleDelayMS:     300,
			RetryAttempts:     3,
			RetryBaseDelayMS:  1000,
			AutoStart:         true,
		},
		Preferences: PreferencesConfig{Backend: "file", Key: "default"},
		HTTP:        HTTPConfig{Enabled: true, Listen: "127.0.0.1:8765"},
	}
}

// UserConfigPath returns ~/.config/qrscan/config.yaml.
func UserConfigPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "qrscan", "config.yaml")
}

// Load reads the user config, falling back to configs/default-config.yaml and
// then to the built-in defaults. Environment overrides are applied last.
func Load() (*Config, error) {
	cfg, err := LoadFile(UserConfigPath())
	if err != nil && os.IsNotExist(err) {
		cfg, err = LoadFile(DefaultConfigPath)
		if err != nil && os.IsNotExist(err) {
			cfg, err = Default(), nil
		}
	}
	if err != nil {
		return nil, err
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses a YAML or JSON (by extension) config. Keys absent from the
// file keep their defaults. A missing file returns an error satisfying
// os.IsNotExist.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Save validates cfg and writes it as YAML (or JSON for a .json path).
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var data []byte
	var err error
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("QRSCAN_AGENT_URL"); v != "" {
		c.Agent.URL = v
	}
	if v := os.Getenv("QRSCAN_AGENT_TOKEN"); v != "" {
		c.Agent.Token = v
	}
	if v := os.Getenv("QRSCAN_LOG_PATH"); v != "" {
		c.LogPath = v
	}
}

// Validate checks Config for validity
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Agent.URL, "ws://") && !strings.HasPrefix(c.Agent.URL, "wss://") {
		return fmt.Errorf("agent.url must start with ws:// or wss://, got %q", c.Agent.URL)
	}

	s := c.Scanner
	if s.FrameRate < 1 || s.FrameRate > 60 {
		return fmt.Errorf("scanner.fps must be between 1 and 60, got %d", s.FrameRate)
	}
	if s.RegionFraction <= 0 || s.RegionFraction > 1 {
		return fmt.Errorf("scanner.region_fraction must be in (0, 1], got %g", s.RegionFraction)
	}
	if s.AspectRatio <= 0 {
		return fmt.Errorf("scanner.aspect_ratio must be positive, got %g", s.AspectRatio)
	}
	if s.NoDecodeTimeoutMS < 0 || s.NoDecodeTimeoutMS > 600000 {
		return fmt.Errorf("scanner.no_decode_timeout_ms must be between 0 and 600000, got %d", s.NoDecodeTimeoutMS)
	}
	if s.SettleDelayMS < 0 || s.SettleDelayMS > 5000 {
		return fmt.Errorf("scanner.settle_delay_ms must be between 0 and 5000, got %d", s.SettleDelayMS)
	}
	if s.RetryAttempts < 1 || s.RetryAttempts > 10 {
		return fmt.Errorf("scanner.retry_attempts must be between 1 and 10, got %d", s.RetryAttempts)
	}
	if s.RetryBaseDelayMS < 1 || s.RetryBaseDelayMS > 60000 {
		return fmt.Errorf("scanner.retry_base_delay_ms must be between 1 and 60000, got %d", s.RetryBaseDelayMS)
	}

	switch c.Preferences.Backend {
	case "", "none", "file":
	case "redis":
		if c.Preferences.RedisAddr == "" {
			return fmt.Errorf("preferences.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("preferences.backend must be none, file or redis, got %q", c.Preferences.Backend)
	}
	if c.Preferences.TTLHours < 0 {
		return fmt.Errorf("preferences.ttl_hours must not be negative, got %d", c.Preferences.TTLHours)
	}

	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required when http is enabled")
	}
	return nil
}

// SessionConfig converts the scanner section into session options.
func (s ScannerConfig) SessionConfig() session.Config {
	return session.Config{
		Constraints: capture.Constraints{
			FrameRate:      s.FrameRate,
			RegionFraction: s.RegionFraction,
			AspectRatio:    s.AspectRatio,
			Mirror:         s.Mirror,
			VerboseErrors:  s.VerboseFrameErrors,
		},
		NoDecodeTimeout: time.Duration(s.NoDecodeTimeoutMS) * time.Millisecond,
		SettleDelay:     time.Duration(s.SettleDelayMS) * time.Millisecond,
		Retry:           devices.NewRetryBudget(s.RetryAttempts, time.Duration(s.RetryBaseDelayMS)*time.Millisecond),
	}
}
