package config

import (
	"path/filepath"
	"strings"
	"testing"

	directv1 "github.com/floegence/flowersec/flowersec-go/gen/flowersec/direct/v1"
)

func validConfig() *Config {
	return &Config{
		ControlplaneBaseURL: "https://controlplane.example.com",
		EnvironmentID:       "env_123",
		Direct: &directv1.DirectConnectInfo{
			WsUrl:     "wss://direct.example.com/ws",
			ChannelId: "ch_123",
		},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := validConfig()
	c.EnvironmentID = "  "
	if err := c.Validate(); err == nil {
		t.Fatalf("missing environment_id must be rejected")
	}

	c = validConfig()
	c.Direct = nil
	if err := c.Validate(); err == nil {
		t.Fatalf("missing direct must be rejected")
	}

	c = validConfig()
	c.LogFormat = "yaml"
	if err := c.Validate(); err == nil {
		t.Fatalf("unknown log_format must be rejected")
	}

	c = validConfig()
	c.HistoryLimit = -1
	if err := c.Validate(); err == nil {
		t.Fatalf("negative history_limit must be rejected")
	}
}

func TestConfigResolvedDefaults(t *testing.T) {
	t.Parallel()

	c := validConfig()
	if got := c.ResolvedSessionKey(); got != DefaultSessionKey {
		t.Fatalf("session key got=%q want=%q", got, DefaultSessionKey)
	}
	c.SessionKey = " main "
	if got := c.ResolvedSessionKey(); got != "main" {
		t.Fatalf("session key got=%q want=%q", got, "main")
	}

	if got := c.ResolvedCachePath("/etc/console/config.json"); got != filepath.Join("/etc/console", "transcript.db") {
		t.Fatalf("cache path got=%q", got)
	}
	c.TranscriptCachePath = "/var/cache/console.db"
	if got := c.ResolvedCachePath("/etc/console/config.json"); got != "/var/cache/console.db" {
		t.Fatalf("cache path got=%q", got)
	}
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	want := validConfig()
	want.SessionKey = "main"
	want.HistoryLimit = 50

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.EnvironmentID != want.EnvironmentID || got.SessionKey != "main" || got.HistoryLimit != 50 {
		t.Fatalf("round trip got=%+v", got)
	}
	if got.Direct == nil || got.Direct.WsUrl != want.Direct.WsUrl {
		t.Fatalf("direct did not round trip: %+v", got.Direct)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	c := validConfig()
	c.EnvironmentID = ""
	// Save refuses it; write the raw file to simulate a hand-edited config.
	if err := Save(path, c); err == nil {
		t.Fatalf("Save must validate")
	}
}

func TestNormalizeBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"abc123", "abc123"},
		{"  Bearer abc123  ", "abc123"},
		{"bearer abc123", "abc123"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := normalizeBearerToken(tc.in); got != tc.want {
			t.Fatalf("normalizeBearerToken(%q) got=%q want=%q", tc.in, got, tc.want)
		}
	}
	if got := normalizeBearerToken("Bearer"); !strings.EqualFold(got, "Bearer") {
		t.Fatalf("single word must pass through: got=%q", got)
	}
}
