package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("bind_address: 127.0.0.1:9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddress != "127.0.0.1:9000" {
		t.Fatalf("BindAddress = %q, want override applied", cfg.BindAddress)
	}
	if cfg.Storage.Kind != StorageFile || cfg.Storage.BaseDir != "data/journal" {
		t.Fatalf("expected default storage config, got %+v", cfg.Storage)
	}
}

func TestLoadRejectsUnknownStorageBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  kind: carrier_pigeon\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown storage backend")
	}
}

func TestSessionConfigBuilderRequiresFields(t *testing.T) {
	if _, err := NewSessionConfigBuilder().Host("h").Build(); err == nil {
		t.Fatal("expected an error when required fields are missing")
	}

	cfg, err := NewSessionConfigBuilder().
		Host("fix.example.com").
		Port(4050).
		SenderCompID("ME").
		TargetCompID("THEM").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.HeartbeatIntervalSecs != 30 {
		t.Fatalf("HeartbeatIntervalSecs = %d, want default 30", cfg.HeartbeatIntervalSecs)
	}
}
