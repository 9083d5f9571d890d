package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfigFile(t, `
mode: universal
rootA: ./a
rootB: ./b
`)
	cfg, warnings, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if cfg.Mode != ModeUniversal {
		t.Errorf("Mode = %q, want universal", cfg.Mode)
	}
	if cfg.StorageDir != "./.ir" {
		t.Errorf("StorageDir default = %q, want ./.ir", cfg.StorageDir)
	}
	if cfg.Formatting.IndentSize != 2 {
		t.Errorf("default IndentSize = %d, want 2", cfg.Formatting.IndentSize)
	}
}

func TestLoad_MissingRequiredField(t *testing.T) {
	path := writeConfigFile(t, `
rootA: ./a
rootB: ./b
`)
	if _, _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing mode")
	}
}

func TestLoad_InvalidMode(t *testing.T) {
	path := writeConfigFile(t, `
mode: C-first
rootA: ./a
rootB: ./b
`)
	if _, _, err := Load(path); err == nil {
		t.Fatal("expected validation error for invalid mode")
	}
}

func TestLoad_UnknownFieldWarns(t *testing.T) {
	path := writeConfigFile(t, `
mode: A-first
rootA: ./a
rootB: ./b
bogusField: true
`)
	_, warnings, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", warnings)
	}
}

func TestLoadOrDefault_MissingFileReturnsDefault(t *testing.T) {
	cfg, warnings, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if warnings != nil {
		t.Errorf("warnings = %v, want nil for default config", warnings)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestDiff_DetectsSyncChanges(t *testing.T) {
	old := defaultConfig()
	cur := defaultConfig()
	cur.Sync.DebounceMs = 500
	cur.Sync.Enabled = false

	changes := Diff(old, cur)
	if len(changes) != 2 {
		t.Fatalf("Diff = %v, want 2 changes", changes)
	}
}

func TestDiff_NoChanges(t *testing.T) {
	old := defaultConfig()
	cur := defaultConfig()
	if changes := Diff(old, cur); len(changes) != 0 {
		t.Errorf("Diff = %v, want none", changes)
	}
}

func TestSchema_ProducesValidJSON(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	if len(data) == 0 {
		t.Error("Schema returned empty output")
	}
	if !json.Valid(data) {
		t.Error("Schema output is not valid JSON")
	}
}
