package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  port: 9090
gateway:
  url: http://gateway:3000
connections:
  - name: prod
    url: https://zabbix.example.com
    token: tok
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host default = %q", cfg.Server.Host)
	}
	if cfg.Database.Path != "./data/fleet.db" {
		t.Errorf("database path default = %q", cfg.Database.Path)
	}
	if cfg.Gateway.URL != "http://gateway:3000" {
		t.Errorf("gateway url = %q", cfg.Gateway.URL)
	}
	if cfg.Sync.IntervalSeconds != 900 {
		t.Errorf("sync interval default = %d", cfg.Sync.IntervalSeconds)
	}
	if cfg.Jobs.Workers != 2 || cfg.Jobs.MaxTries != 3 {
		t.Errorf("jobs defaults = %+v", cfg.Jobs)
	}

	if len(cfg.Connections) != 1 {
		t.Fatalf("connections = %d, want 1", len(cfg.Connections))
	}
	conn := cfg.Connections[0]
	if conn.Environment != models.EnvProduction {
		t.Errorf("connection environment default = %q", conn.Environment)
	}
	if conn.TimeoutSeconds != 30 || conn.MaxRequestsPerMinute != 60 {
		t.Errorf("connection limits = %d/%d", conn.TimeoutSeconds, conn.MaxRequestsPerMinute)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg := LoadOrDefault("/nonexistent/config.yaml")
	if cfg == nil {
		t.Fatal("LoadOrDefault returned nil")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port default = %d", cfg.Server.Port)
	}
	if cfg.Gateway.URL != "http://localhost:3000" {
		t.Errorf("gateway url default = %q", cfg.Gateway.URL)
	}
}
