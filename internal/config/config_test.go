package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config file to be written: %v", err)
	}
	if cfg.Isolation.MinConfidence != 0.75 {
		t.Errorf("expected min confidence 0.75, got %v", cfg.Isolation.MinConfidence)
	}

	// The written file must load back to the same values
	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Download.Timeout.Duration != 3*time.Minute {
		t.Errorf("expected download timeout 3m, got %v", again.Download.Timeout)
	}
	if again.Session.MaxAge.Duration != 24*time.Hour {
		t.Errorf("expected session max age 24h, got %v", again.Session.MaxAge)
	}
	if len(again.Matching.Synonyms) != 2 {
		t.Errorf("expected 2 synonym groups, got %d", len(again.Matching.Synonyms))
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[download]
poll_interval = "250ms"
timeout = "10s"

[matching]
multi_word_threshold = 0.5

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Download.PollInterval.Duration != 250*time.Millisecond {
		t.Errorf("expected 250ms poll interval, got %v", cfg.Download.PollInterval)
	}
	if cfg.Matching.MultiWordThreshold != 0.5 {
		t.Errorf("expected threshold 0.5, got %v", cfg.Matching.MultiWordThreshold)
	}
	// Untouched sections keep their defaults
	if cfg.Isolation.LocalRetries != 3 {
		t.Errorf("expected default local retries 3, got %d", cfg.Isolation.LocalRetries)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero poll interval", func(c *Config) { c.Download.PollInterval = D(0) }},
		{"timeout below interval", func(c *Config) { c.Download.Timeout = D(time.Millisecond) }},
		{"bad pattern", func(c *Config) { c.Download.UncleanedPattern = "(" }},
		{"confidence above one", func(c *Config) { c.Isolation.MinConfidence = 1.5 }},
		{"no retries", func(c *Config) { c.Isolation.LocalRetries = 0 }},
		{"threshold zero", func(c *Config) { c.Matching.MultiWordThreshold = 0 }},
		{"size bounds", func(c *Config) { c.Download.MinBytes, c.Download.MaxBytes = 10, 5 }},
		{"missing selector", func(c *Config) { c.Selectors.SoloButton = "" }},
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoadSongs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "songs.toml")
	content := `
[[songs]]
url = "https://example.com/custombackingtrack/artist/song-one.html"
name = "Song One"
pitch = -2

[[songs]]
url = "https://example.com/custombackingtrack/artist/song-two.html"
destination = "Two"

[[songs]]
url = "https://example.com/custombackingtrack/artist/song-one.html"
name = "Duplicate"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	songs, err := LoadSongs(path)
	if err != nil {
		t.Fatalf("LoadSongs: %v", err)
	}
	if len(songs) != 2 {
		t.Fatalf("expected 2 songs after dedup, got %d", len(songs))
	}
	if songs[0].Name != "Song One" || songs[0].Pitch != -2 {
		t.Errorf("unexpected first song: %+v", songs[0])
	}
	if got := songs[1].Dir("/out"); got != filepath.Join("/out", "Two") {
		t.Errorf("expected destination dir /out/Two, got %s", got)
	}
	if got := songs[0].Dir("/out"); got != filepath.Join("/out", "Song One") {
		t.Errorf("expected name dir, got %s", got)
	}
}

func TestLoadSongsRejectsBadURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "songs.toml")
	if err := os.WriteFile(path, []byte("[[songs]]\nurl = \"ftp://nope\"\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadSongs(path); err == nil {
		t.Error("expected error for non-http url")
	}
}

func TestLoadCredentials(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("STEMDL_EMAIL=me@example.com\nSTEMDL_PASSWORD=hunter2\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("STEMDL_EMAIL", "")
	t.Setenv("STEMDL_PASSWORD", "")
	os.Unsetenv("STEMDL_EMAIL")
	os.Unsetenv("STEMDL_PASSWORD")

	creds, err := LoadCredentials(envFile)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if !creds.Valid() || creds.Email != "me@example.com" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}
