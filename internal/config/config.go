package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	directv1 "github.com/floegence/flowersec/flowersec-go/gen/flowersec/direct/v1"
)

// Config is the on-disk configuration for redeven-console.
//
// NOTE: This file contains secrets (PSK). Always keep it chmod 0600.
type Config struct {
	ControlplaneBaseURL string                      `json:"controlplane_base_url"`
	EnvironmentID       string                      `json:"environment_id"`
	Direct              *directv1.DirectConnectInfo `json:"direct"`

	// SessionKey identifies the conversation this console attaches to.
	// If empty, "default" is used.
	SessionKey string `json:"session_key,omitempty"`

	// HistoryLimit caps how many durable history entries are fetched per
	// reload. 0 means the engine default.
	HistoryLimit int `json:"history_limit,omitempty"`

	// TranscriptCachePath is the local sqlite transcript cache. If empty,
	// the cache lives next to the config file.
	TranscriptCachePath string `json:"transcript_cache_path,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

const DefaultSessionKey = "default"

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.ControlplaneBaseURL) == "" {
		return errors.New("missing controlplane_base_url")
	}
	if strings.TrimSpace(c.EnvironmentID) == "" {
		return errors.New("missing environment_id")
	}
	if c.Direct == nil || strings.TrimSpace(c.Direct.WsUrl) == "" || strings.TrimSpace(c.Direct.ChannelId) == "" {
		return errors.New("missing direct connect info")
	}
	if c.HistoryLimit < 0 {
		return errors.New("history_limit must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log_format: %q", c.LogFormat)
	}
	return nil
}

// ResolvedSessionKey returns the configured session key or the default.
func (c *Config) ResolvedSessionKey() string {
	if c == nil {
		return DefaultSessionKey
	}
	if k := strings.TrimSpace(c.SessionKey); k != "" {
		return k
	}
	return DefaultSessionKey
}

// ResolvedCachePath returns the transcript cache path, derived from the
// config path when unset.
func (c *Config) ResolvedCachePath(configPath string) string {
	if c != nil {
		if p := strings.TrimSpace(c.TranscriptCachePath); p != "" {
			return p
		}
	}
	return filepath.Join(filepath.Dir(configPath), "transcript.db")
}

// DefaultConfigPath returns the default config path:
//
//	~/.redeven-console/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "redeven-console.config.json"
	}
	return filepath.Join(home, ".redeven-console", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
