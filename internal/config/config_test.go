package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.FetchTimeout != 8*time.Second {
		t.Errorf("FetchTimeout = %v", c.FetchTimeout)
	}
	if c.ValidateTimeout != 6*time.Second {
		t.Errorf("ValidateTimeout = %v", c.ValidateTimeout)
	}
	if c.MaxConcurrentFetches != 60 || c.MaxValidationWorkers != 12 {
		t.Errorf("concurrency = %d/%d", c.MaxConcurrentFetches, c.MaxValidationWorkers)
	}
	if c.UpdateInterval != 30*time.Minute || c.ErrorBackoff != time.Minute {
		t.Errorf("interval/backoff = %v/%v", c.UpdateInterval, c.ErrorBackoff)
	}
	if c.RevalidateAfter != 0 {
		t.Errorf("RevalidateAfter = %v", c.RevalidateAfter)
	}
	if c.StoreBackend != "sqlite" || c.StorePath != filepath.Join("data", "channels.db") {
		t.Errorf("store = %s %s", c.StoreBackend, c.StorePath)
	}
	if len(c.ShortLinkDomains) != 4 {
		t.Errorf("ShortLinkDomains = %v", c.ShortLinkDomains)
	}
	if c.GitEnabled() {
		t.Error("git should be disabled by default")
	}
	if c.LogoDBPath != filepath.Join("data", "iptvorg.json") || c.LogoMaxAge != 30*24*time.Hour || c.LogoListURL == "" {
		t.Errorf("logo db = %q %v %q", c.LogoDBPath, c.LogoMaxAge, c.LogoListURL)
	}
}

func TestLoad_logoLookupOff(t *testing.T) {
	os.Clearenv()
	t.Setenv("IPTV_HARVEST_LOGO_DB", "off")
	t.Setenv("IPTV_HARVEST_LOGO_LIST_URL", "OFF")
	c := Load()
	if c.LogoDBPath != "" || c.LogoListURL != "" {
		t.Errorf("logo db = %q list = %q", c.LogoDBPath, c.LogoListURL)
	}
}

func TestLoad_env(t *testing.T) {
	os.Clearenv()
	os.Setenv("IPTV_HARVEST_STORE_BACKEND", "JSON")
	os.Setenv("IPTV_HARVEST_DATA_DIR", "/tmp/h")
	os.Setenv("IPTV_HARVEST_SOURCES", " http://a/x.m3u , owner/repo ,")
	os.Setenv("IPTV_HARVEST_VALIDATE_TIMEOUT", "2s")
	os.Setenv("IPTV_HARVEST_VALIDATION_WORKERS", "0")
	os.Setenv("IPTV_HARVEST_DEEP_PROBE", "off")
	os.Setenv("IPTV_HARVEST_REPO_STRATEGY", "bogus")
	c := Load()
	if c.StoreBackend != "json" || c.StorePath != "/tmp/h/channels.json" {
		t.Errorf("store = %s %s", c.StoreBackend, c.StorePath)
	}
	if len(c.Sources) != 2 || c.Sources[0] != "http://a/x.m3u" || c.Sources[1] != "owner/repo" {
		t.Errorf("Sources = %q", c.Sources)
	}
	if c.ValidateTimeout != 2*time.Second {
		t.Errorf("ValidateTimeout = %v", c.ValidateTimeout)
	}
	if c.MaxValidationWorkers != 1 {
		t.Errorf("MaxValidationWorkers should clamp to 1, got %d", c.MaxValidationWorkers)
	}
	if c.DeepProbe {
		t.Error("DeepProbe should be off")
	}
	if c.RepoStrategy != "raw" {
		t.Errorf("RepoStrategy = %q", c.RepoStrategy)
	}
}

func TestLoadEnvFile(t *testing.T) {
	os.Clearenv()
	os.Setenv("KEEP", "original")
	path := filepath.Join(t.TempDir(), ".env")
	body := "FOO=bar\n# comment\nexport BAZ='quux'\nKEEP=replaced\n=novalue\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if os.Getenv("FOO") != "bar" || os.Getenv("BAZ") != "quux" {
		t.Errorf("FOO=%q BAZ=%q", os.Getenv("FOO"), os.Getenv("BAZ"))
	}
	if os.Getenv("KEEP") != "original" {
		t.Errorf("existing env overwritten: %q", os.Getenv("KEEP"))
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
