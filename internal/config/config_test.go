package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timezone != "Asia/Manila" || cfg.Assets.MaxAttempts != 3 || !cfg.Assets.ResumePartial {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
listen: ":9000"
store:
  base_url: "https://backend.example.com/rest/v1/"
assets:
  max_attempts: 5
  resume_partial: false
ics:
  - id: city
    url: https://example.com/city.ics
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Store.BaseURL != "https://backend.example.com/rest/v1" {
		t.Errorf("BaseURL should lose its trailing slash, got %q", cfg.Store.BaseURL)
	}
	if cfg.Assets.MaxAttempts != 5 || cfg.Assets.ResumePartial {
		t.Errorf("assets = %+v", cfg.Assets)
	}
	if cfg.Assets.Root == "" || cfg.RefreshCron == "" || cfg.Store.TimeoutSeconds != 15 {
		t.Errorf("missing defaults: %+v", cfg)
	}
	if len(cfg.ICS) != 1 || cfg.ICS[0].ID != "city" {
		t.Errorf("ICS = %+v", cfg.ICS)
	}
	if cfg.StoreTimeout() != 15*time.Second {
		t.Errorf("StoreTimeout = %s", cfg.StoreTimeout())
	}
}

func TestLoadKeepsTrueDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("assets:\n  max_attempts: 4\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Assets.ResumePartial {
		t.Error("resume_partial should default to true when the key is absent")
	}
	if cfg.Assets.MaxAttempts != 4 || cfg.Timezone != "Asia/Manila" {
		t.Errorf("assets = %+v timezone = %q", cfg.Assets, cfg.Timezone)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TOURKITA_LISTEN", "0.0.0.0:7000")
	t.Setenv("TOURKITA_STORE_BASE_URL", "https://env.example.com/")
	t.Setenv("TOURKITA_ASSETS_MAX_ATTEMPTS", "7")
	t.Setenv("TOURKITA_JWT_SECRET", "s3cret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:7000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Store.BaseURL != "https://env.example.com" {
		t.Errorf("BaseURL = %q", cfg.Store.BaseURL)
	}
	if cfg.Assets.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d", cfg.Assets.MaxAttempts)
	}
	if cfg.Session.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret not applied")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.ICS = append(cfg.ICS, ICSConfig{ID: "museum", URL: "https://example.com/m.ics"})
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "pw"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.ICS) != 1 || got.BasicAuth == nil || got.BasicAuth.Username != "admin" {
		t.Errorf("round trip lost fields: %+v", got)
	}
}

func TestLocationFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Mars/Olympus_Mons"
	loc, err := cfg.Location()
	if err == nil {
		t.Error("expected error for unknown timezone")
	}
	if loc != time.Local {
		t.Errorf("fallback location = %v", loc)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Error("expected error for empty path")
	}
}
