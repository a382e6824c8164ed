package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ojudge/internal/cli/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BaseURL != config.DefaultBaseURL || cfg.Backend != config.DefaultBackend {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.PrettyJSON == nil || !*cfg.PrettyJSON {
		t.Fatalf("expected pretty json by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "judgectl.yaml")
	content := "baseURL: http://judge:9000\ntimeout: 3s\nbackend: container\nlanguages:\n  - code: ruby\n    name: Ruby\n    fileExtension: .rb\n    runCommand: ruby {src}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BaseURL != "http://judge:9000" || cfg.Timeout != 3*time.Second || cfg.Backend != "container" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Languages) != 1 || cfg.Languages[0].Code != "ruby" {
		t.Fatalf("unexpected languages %+v", cfg.Languages)
	}
}
