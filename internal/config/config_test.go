package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.SelfID = "resident-42"
	cfg.API.BaseURL = "https://api.example.test"
	cfg.Realtime.URL = "nats://localhost:4222"

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.SelfID != "resident-42" {
		t.Errorf("self_id = %q, want resident-42", loaded.SelfID)
	}
	if loaded.API.BaseURL != "https://api.example.test" {
		t.Errorf("base_url = %q", loaded.API.BaseURL)
	}
	if loaded.Receipts.Quorum != "all" {
		t.Errorf("quorum default = %q, want all", loaded.Receipts.Quorum)
	}
	if loaded.Sync.PageSize != 50 {
		t.Errorf("page_size default = %d, want 50", loaded.Sync.PageSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "self_id = \"u1\"\n\n[api]\nbase_url = \"https://api.example.test\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.UploadConcurrency != 3 {
		t.Errorf("upload_concurrency = %d, want default 3", cfg.Sync.UploadConcurrency)
	}
	if cfg.API.TimeoutSeconds != 30 {
		t.Errorf("timeout_seconds = %d, want default 30", cfg.API.TimeoutSeconds)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing self_id", func(c *Config) { c.SelfID = "" }},
		{"missing base_url", func(c *Config) { c.API.BaseURL = "" }},
		{"bad quorum", func(c *Config) { c.Receipts.Quorum = "most" }},
		{"zero page size", func(c *Config) { c.Sync.PageSize = 0 }},
		{"zero upload concurrency", func(c *Config) { c.Sync.UploadConcurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.SelfID = "u1"
			cfg.API.BaseURL = "https://api.example.test"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
