package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.NGpio != 64 {
		t.Fatalf("ngpio = %d, want 64", cfg.NGpio)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend.yaml")
	if err := os.WriteFile(path, []byte("ngpio: 16\nlog_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NGpio != 16 {
		t.Fatalf("ngpio = %d, want 16", cfg.NGpio)
	}
	// Unspecified fields keep their defaults.
	if cfg.QueueMaxSize != 1024 {
		t.Fatalf("queue_max_size = %d, want default 1024", cfg.QueueMaxSize)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		t.Fatal(err)
	}
	if level != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", level)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad ngpio", "ngpio: -1\n"},
		{"bad queue size", "queue_max_size: 100\n"},
		{"bad log level", "log_level: loud\n"},
		{"malformed yaml", "ngpio: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "backend.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWorkDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvWorkDir, dir)

	got, err := WorkDir()
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Fatalf("work dir = %q, want %q", got, dir)
	}

	t.Setenv(EnvWorkDir, "")
	if _, err := WorkDir(); err == nil {
		t.Fatal("expected error for unset work dir")
	}

	t.Setenv(EnvWorkDir, filepath.Join(dir, "missing"))
	if _, err := WorkDir(); err == nil {
		t.Fatal("expected error for missing work dir")
	}
}
