package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Processing.Coils != 1 {
		t.Errorf("Expected default coil count 1, got %d", cfg.Processing.Coils)
	}
	if cfg.Processing.Iterations != 10 {
		t.Errorf("Expected default iteration count 10, got %d", cfg.Processing.Iterations)
	}
	if cfg.Noise.Strategy != "local" {
		t.Errorf("Expected default noise strategy local, got %q", cfg.Noise.Strategy)
	}
	desc := cfg.BlockDescriptor()
	if desc.Sx != 3 || desc.Sy != 3 || desc.Sz != 3 || desc.NAngular != 5 {
		t.Errorf("Unexpected default block geometry: %+v", desc)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
processing:
  coils: 4
  iterations: 20
block:
  sx: 5
  angular: 8
noise:
  strategy: global
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Processing.Coils != 4 {
		t.Errorf("Expected 4 coils, got %d", cfg.Processing.Coils)
	}
	if cfg.Processing.Iterations != 20 {
		t.Errorf("Expected 20 iterations, got %d", cfg.Processing.Iterations)
	}
	if cfg.Block.Sx != 5 {
		t.Errorf("Expected block sx 5, got %d", cfg.Block.Sx)
	}
	if cfg.Block.Angular != 8 {
		t.Errorf("Expected 8 angular neighbors, got %d", cfg.Block.Angular)
	}
	if cfg.Noise.Strategy != "global" {
		t.Errorf("Expected global strategy, got %q", cfg.Noise.Strategy)
	}
	// Untouched keys keep their defaults
	if cfg.Block.Sy != 3 {
		t.Errorf("Expected default block sy 3, got %d", cfg.Block.Sy)
	}
}

func TestSaveAndReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Processing.Coils = 32
	cfg.Output.SaveSigma = true
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Processing.Coils != 32 {
		t.Errorf("Expected 32 coils after reload, got %d", loaded.Processing.Coils)
	}
	if !loaded.Output.SaveSigma {
		t.Error("Expected saveSigma to survive the round trip")
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	want := DefaultConfig()
	if loaded.Processing.Iterations != want.Processing.Iterations {
		t.Errorf("Expected default iterations %d, got %d", want.Processing.Iterations, loaded.Processing.Iterations)
	}
	if loaded.Noise.Strategy != want.Noise.Strategy {
		t.Errorf("Expected default strategy %q, got %q", want.Noise.Strategy, loaded.Noise.Strategy)
	}
}

func TestLoadConfigRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("processing: [not a map"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}
