package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsPassValidation(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate(Defaults()) = %v, want nil", err)
	}
}

func TestValidateRejectsBadSchemaVersion(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() = nil, want error for unsupported schema_version")
	}
}

func TestValidateRejectsZeroWindowSeconds(t *testing.T) {
	cfg := Defaults()
	cfg.Reasoner.WindowSeconds = 0
	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() = nil, want error for window_seconds < 1")
	}
}

func TestValidateRequiresEndpointWhenReasonerEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Reasoner.Endpoint = ""
	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() = nil, want error for empty reasoner.endpoint")
	}
}

func TestValidateAllowsEmptyEndpointWhenReasonerDisabled(t *testing.T) {
	cfg := Defaults()
	cfg.Reasoner.Enabled = false
	cfg.Reasoner.Endpoint = ""
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate() = %v, want nil when reasoner disabled", err)
	}
}

func TestValidateRejectsEmptyRingbufMapPath(t *testing.T) {
	cfg := Defaults()
	cfg.EventFeed.RingbufMapPath = ""
	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() = nil, want error for empty event_feed.ringbuf_map_path")
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("schema_version: \"1\"\nnode_id: test-node\nreasoner:\n  window_seconds: 30\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "test-node" {
		t.Errorf("NodeID = %q, want test-node", cfg.NodeID)
	}
	if cfg.Reasoner.WindowSeconds != 30 {
		t.Errorf("WindowSeconds = %d, want 30", cfg.Reasoner.WindowSeconds)
	}
	// Fields untouched by the file keep their defaults.
	if cfg.Enforcement.TTLSecs != 300 {
		t.Errorf("TTLSecs = %d, want default 300", cfg.Enforcement.TTLSecs)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("schema_version: \"1\"\nnode_id: test-node\nreasoner:\n  window_seconds: 0\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load() = nil error, want validation failure")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("Load() = nil error, want file-not-found error")
	}
}
