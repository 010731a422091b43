package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty signaling url", func(c *Config) { c.Server.SignalingURL = "" }},
		{"http signaling url", func(c *Config) { c.Server.SignalingURL = "http://localhost:5000" }},
		{"bad base url scheme", func(c *Config) { c.Server.BaseURL = "ftp://example.org" }},
		{"empty locale", func(c *Config) { c.Chat.DisplayLocale = " " }},
		{"zero video size", func(c *Config) { c.Media.VideoWidth = 0 }},
		{"empty api addr", func(c *Config) { c.API.HTTPAddr = "" }},
		{"empty friends db", func(c *Config) { c.Storage.FriendsDBPath = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestVideoSizeIgnoredWhenVideoDisabled(t *testing.T) {
	cfg := Default()
	cfg.Media.DisableVideo = true
	cfg.Media.VideoWidth = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure (create): %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first call")
	}
	if cfg.Chat.DisplayLocale != "en" {
		t.Fatalf("locale = %q", cfg.Chat.DisplayLocale)
	}

	cfg.Chat.DisplayLocale = "vi"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure (load): %v", err)
	}
	if created {
		t.Fatal("expected created=false on second call")
	}
	if cfg2.Chat.DisplayLocale != "vi" {
		t.Fatalf("reloaded locale = %q", cfg2.Chat.DisplayLocale)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"chat":{"display_locale":"zh"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat.DisplayLocale != "zh" {
		t.Fatalf("locale = %q, want zh", cfg.Chat.DisplayLocale)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Server.SignalingURL == "" {
		t.Fatal("defaults not applied for missing fields")
	}
}

func TestWatchDeliversLocaleChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got := make(chan Config, 4)
	w, err := Watch(path, func(c Config) { got <- c })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	cfg := Default()
	cfg.Chat.DisplayLocale = "vi"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save updated: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Chat.DisplayLocale == "vi" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}
}
