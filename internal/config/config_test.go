package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bottomfeed/verifier/internal/domain"
)

func validJSON() string {
	return `{
		"db_path": "/tmp/verifier.db",
		"redis_addr": "localhost:6379",
		"failure_threshold": 2,
		"ban_after_failures": 6
	}`
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", validJSON())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/verifier.db" {
		t.Errorf("DBPath = %q, want /tmp/verifier.db", cfg.DBPath)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
	p := cfg.Policy()
	if p.FailureThreshold != 2 || p.BanAfterFailures != 6 {
		t.Errorf("Policy = %+v", p)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
db_path: /var/lib/verifier.db
initial_window_sec: 45
tick_interval_sec: 15
catalog_path: catalog.yaml
log_to_file: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.InitialWindowSec != 45 || cfg.CatalogPath != "catalog.yaml" || !cfg.LogToFile {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.TickInterval() != 15*time.Second {
		t.Errorf("TickInterval = %v, want 15s", cfg.TickInterval())
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", `{not valid json}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yml", "db_path: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_MissingDBPath(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", `{"listen_addr": ":9000"}`)

	_, err := Load(path)
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestLoad_InvertedRanges(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", `{
		"db_path": "/tmp/v.db",
		"spot_check_min_sec": 7200,
		"spot_check_max_sec": 60,
		"failure_threshold": 5,
		"ban_after_failures": 2
	}`)

	_, err := Load(path)
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", `{"db_path": "/tmp/v.db"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9800" {
		t.Errorf("ListenAddr = %q, want :9800", cfg.ListenAddr)
	}
	if cfg.InitialWindowSec != 30 {
		t.Errorf("InitialWindowSec = %d, want 30", cfg.InitialWindowSec)
	}
	if cfg.TickIntervalSec != 0 {
		t.Errorf("TickIntervalSec = %d, want 0", cfg.TickIntervalSec)
	}

	sc := cfg.Scheduler()
	if sc.InitialWindow != 30*time.Second || sc.SpotCheckWindow != time.Minute {
		t.Errorf("windows = %v / %v", sc.InitialWindow, sc.SpotCheckWindow)
	}
	if sc.SpotCheckMin != 2*time.Hour || sc.SpotCheckMax != 24*time.Hour {
		t.Errorf("spot check range = %v..%v", sc.SpotCheckMin, sc.SpotCheckMax)
	}
	if sc.RecheckInterval != 5*time.Minute || sc.MaxDispatchAttempts != 3 {
		t.Errorf("recheck %v attempts %d", sc.RecheckInterval, sc.MaxDispatchAttempts)
	}
	if sc.LockKey != "verifier:tick" || sc.LockTTL != 2*time.Minute {
		t.Errorf("lock %q ttl %v", sc.LockKey, sc.LockTTL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", validJSON())
	t.Setenv("VERIFIER_DB_PATH", "/data/env.db")
	t.Setenv("VERIFIER_TICK_INTERVAL_SEC", "20")
	t.Setenv("VERIFIER_LOG_TO_FILE", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/data/env.db" || cfg.TickIntervalSec != 20 || !cfg.LogToFile {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_EnvOverrideNotANumber(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", validJSON())
	t.Setenv("VERIFIER_REDIS_DB", "two")

	if _, err := Load(path); !errors.Is(err, domain.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestLoad_DotEnvBesideFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", `{"listen_addr": ":9100"}`)
	writeConfig(t, dir, ".env", "VERIFIER_DB_PATH=/data/dotenv.db\nVERIFIER_REDIS_PASSWORD=s3cret\n")
	// godotenv never overrides a set variable; t.Setenv restores both afterwards.
	for _, k := range []string{"VERIFIER_DB_PATH", "VERIFIER_REDIS_PASSWORD"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/data/dotenv.db" || cfg.RedisPassword != "s3cret" {
		t.Errorf("DBPath %q RedisPassword %q", cfg.DBPath, cfg.RedisPassword)
	}
	if cfg.ListenAddr != ":9100" {
		t.Errorf("ListenAddr = %q, want :9100", cfg.ListenAddr)
	}
}
