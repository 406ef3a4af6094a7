package global

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigStore_LoadOrInit_CreatesDefaultFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir)

	cfg, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit failed: %v", err)
	}
	if cfg.ActiveProfile != "default" {
		t.Fatalf("expected active profile default, got %q", cfg.ActiveProfile)
	}
	if len(cfg.Profiles) != 1 || cfg.Profiles[0].BaseURL != "http://127.0.0.1:8900" {
		t.Fatalf("unexpected default profiles: %#v", cfg.Profiles)
	}
	if !cfg.Journal.Enabled || cfg.Journal.RetainDays != 14 {
		t.Fatalf("unexpected journal defaults: %#v", cfg.Journal)
	}

	path := filepath.Join(dir, "config.toml")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config.toml failed: %v", err)
	}
	text := string(b)
	if !strings.Contains(text, "active_profile = 'default'") && !strings.Contains(text, "active_profile = \"default\"") {
		t.Fatalf("expected active_profile in toml, got: %s", text)
	}
	if !strings.Contains(text, "[[profiles]]") {
		t.Fatalf("expected profiles array in toml, got: %s", text)
	}
	if !strings.Contains(text, "[journal]") {
		t.Fatalf("expected journal table in toml, got: %s", text)
	}
}

func TestConfigStore_NormalizesProfiles(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir)

	err := store.Save(GlobalConfig{
		ActiveProfile: "gone",
		Profiles: []HubProfile{
			{Name: "  ", BaseURL: "http://nameless"},
			{Name: "staging", BaseURL: " http://hub.staging:8900/ "},
			{Name: "staging", BaseURL: "http://dup"},
		},
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cfg, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit failed: %v", err)
	}
	if len(cfg.Profiles) != 1 {
		t.Fatalf("expected 1 normalized profile, got %#v", cfg.Profiles)
	}
	if cfg.Profiles[0].Name != "staging" || cfg.Profiles[0].BaseURL != "http://hub.staging:8900" {
		t.Fatalf("unexpected normalized profile: %#v", cfg.Profiles[0])
	}
	if cfg.ActiveProfile != "staging" {
		t.Fatalf("missing active profile should fall back to first, got %q", cfg.ActiveProfile)
	}
}

func TestGlobalConfig_ProfileLookup(t *testing.T) {
	cfg := GlobalConfig{
		ActiveProfile: "prod",
		Profiles: []HubProfile{
			{Name: "prod", BaseURL: "http://hub.prod:8900"},
			{Name: "staging", BaseURL: "http://hub.staging:8900"},
		},
	}
	if got := cfg.Profile("staging"); got.BaseURL != "http://hub.staging:8900" {
		t.Fatalf("unexpected named lookup: %#v", got)
	}
	if got := cfg.Profile(""); got.Name != "prod" {
		t.Fatalf("empty name should resolve the active profile: %#v", got)
	}
	if got := cfg.Profile("missing"); got.Name != "prod" {
		t.Fatalf("unknown name should fall back to first profile: %#v", got)
	}
	if got := (GlobalConfig{}).Profile(""); got.BaseURL != "http://127.0.0.1:8900" {
		t.Fatalf("empty config should produce the default profile: %#v", got)
	}
}

func TestJournalPath(t *testing.T) {
	if got := JournalPath("/tmp/hubdeck", "staging"); got != filepath.Join("/tmp/hubdeck", "journal-staging.db") {
		t.Fatalf("unexpected journal path: %q", got)
	}
	if got := JournalPath("/tmp/hubdeck", " "); got != filepath.Join("/tmp/hubdeck", "journal-default.db") {
		t.Fatalf("blank profile should use default: %q", got)
	}
}
