package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid: %v", err)
	}

	if cfg.Processing.NearSquareTolerance != 0.05 {
		t.Errorf("Expected near-square tolerance 0.05, got %f", cfg.Processing.NearSquareTolerance)
	}

	if !cfg.Training.TrustSuccessMarkers {
		t.Error("Expected success markers to be trusted by default")
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Processing.TargetWidth != 1024 {
		t.Errorf("Expected default width 1024, got %d", cfg.Processing.TargetWidth)
	}
	if cfg.Training.GracePeriod != 5*time.Second {
		t.Errorf("Expected grace period 5s, got %v", cfg.Training.GracePeriod)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curator.yaml")
	data := []byte(`
processing:
  target_width: 512
  target_height: 768
  extensions: [jpg, bmp]
training:
  timeout: 90m
  trust_success_markers: false
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Processing.TargetWidth != 512 || cfg.Processing.TargetHeight != 768 {
		t.Errorf("Expected 512x768, got %dx%d", cfg.Processing.TargetWidth, cfg.Processing.TargetHeight)
	}
	if len(cfg.Processing.Extensions) != 2 || cfg.Processing.Extensions[1] != "bmp" {
		t.Errorf("Expected [jpg bmp], got %v", cfg.Processing.Extensions)
	}
	if cfg.Training.Timeout != 90*time.Minute {
		t.Errorf("Expected timeout 90m, got %v", cfg.Training.Timeout)
	}
	if cfg.Training.TrustSuccessMarkers {
		t.Error("Expected trust_success_markers to be false")
	}
	if cfg.Processing.OutputFormat != "png" {
		t.Errorf("Expected untouched default output format png, got %s", cfg.Processing.OutputFormat)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CURATOR_PROCESSING_TARGET_WIDTH", "640")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Processing.TargetWidth != 640 {
		t.Errorf("Expected env override 640, got %d", cfg.Processing.TargetWidth)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.Processing.TargetWidth = 768
	cfg.Faces.Enabled = true
	cfg.Faces.CascadePath = "/models/facefinder"

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Processing.TargetWidth != 768 {
		t.Errorf("Expected width 768, got %d", loaded.Processing.TargetWidth)
	}
	if !loaded.Faces.Enabled || loaded.Faces.CascadePath != "/models/facefinder" {
		t.Errorf("Expected face settings to survive, got %+v", loaded.Faces)
	}
	if loaded.Training.WatchdogInterval != time.Second {
		t.Errorf("Expected watchdog interval 1s, got %v", loaded.Training.WatchdogInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero width", func(c *Config) { c.Processing.TargetWidth = 0 }},
		{"no extensions", func(c *Config) { c.Processing.Extensions = nil }},
		{"lossy format", func(c *Config) { c.Processing.OutputFormat = "jpg" }},
		{"tolerance", func(c *Config) { c.Processing.NearSquareTolerance = 2 }},
		{"workers", func(c *Config) { c.Processing.Workers = 0 }},
		{"pigo without cascade", func(c *Config) { c.Faces.Enabled = true }},
		{"unknown face backend", func(c *Config) { c.Faces.Enabled = true; c.Faces.Backend = "haar" }},
		{"unknown caption backend", func(c *Config) { c.Captions.Backend = "florence" }},
		{"slow poll", func(c *Config) { c.Training.PollInterval = 2 * time.Second }},
		{"negative timeout", func(c *Config) { c.Training.Timeout = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
