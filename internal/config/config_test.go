package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ListenPort != 5000 {
		t.Errorf("ListenPort = %d, want 5000", cfg.ListenPort)
	}
	if cfg.MulticastGroup != "239.255.77.77" {
		t.Errorf("MulticastGroup = %s, want 239.255.77.77", cfg.MulticastGroup)
	}
	if cfg.MulticastPort != 7777 {
		t.Errorf("MulticastPort = %d, want 7777", cfg.MulticastPort)
	}
	if !cfg.Production {
		t.Error("Production should default to true")
	}
	if cfg.KEMAlgorithm != "mlkem768" {
		t.Errorf("KEMAlgorithm = %s, want mlkem768", cfg.KEMAlgorithm)
	}
	if cfg.SigAlgorithm != "mldsa65" {
		t.Errorf("SigAlgorithm = %s, want mldsa65", cfg.SigAlgorithm)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile_Defaults(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("LoadFromFile should return defaults for missing file, got error: %v", err)
	}
	if cfg.ListenPort != DefaultListenPort {
		t.Errorf("expected default ListenPort %d, got %d", DefaultListenPort, cfg.ListenPort)
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")

	yaml := `
node_id: "test-node-42"
listen_port: 9876
production: false
log_level: debug
beacon_interval_ms: 500
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.NodeID != "test-node-42" {
		t.Errorf("NodeID = %s, want test-node-42", cfg.NodeID)
	}
	if cfg.ListenPort != 9876 {
		t.Errorf("ListenPort = %d, want 9876", cfg.ListenPort)
	}
	if cfg.Production {
		t.Error("Production should be false")
	}
	if cfg.BeaconIntervalMS != 500 {
		t.Errorf("BeaconIntervalMS = %d, want 500", cfg.BeaconIntervalMS)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte(":::invalid:::"), 0644)

	_, err := LoadFromFile(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("MESH_NODE_ID", "env-node")
	t.Setenv("MESH_LISTEN_PORT", "4321")
	t.Setenv("MESH_LOG_LEVEL", "debug")
	t.Setenv("MESH_PRODUCTION", "false")
	t.Setenv("MESH_ALLOW_TOFU", "true")

	cfg.ApplyEnvOverrides()

	if cfg.NodeID != "env-node" {
		t.Errorf("NodeID = %s, want env-node", cfg.NodeID)
	}
	if cfg.ListenPort != 4321 {
		t.Errorf("ListenPort = %d, want 4321", cfg.ListenPort)
	}
	if cfg.Production {
		t.Error("Production should be overridden to false")
	}
	if !cfg.AllowTOFU {
		t.Error("AllowTOFU should be overridden to true")
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate_BadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenPort = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 0")
	}

	cfg.ListenPort = 99999
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 99999")
	}
}

func TestValidate_BadAlgorithms(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KEMAlgorithm = "kyber512"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unsupported kem_algorithm")
	}

	cfg = DefaultConfig()
	cfg.SigAlgorithm = "dilithium2"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unsupported sig_algorithm")
	}
}

func TestValidate_ProductionForbidsFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Production = true
	cfg.AllowMockPQC = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error: production cannot allow mock PQC")
	}

	cfg = DefaultConfig()
	cfg.Production = true
	cfg.AllowTOFU = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error: production cannot allow TOFU")
	}
}

func TestValidate_ReputationFloors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReputationFloorQuarantine = cfg.ReputationFloorSuspect
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when quarantine floor is not below suspect floor")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")

	orig := DefaultConfig()
	orig.NodeID = "save-test"
	orig.ListenPort = 4242
	orig.Production = false

	if err := orig.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if loaded.NodeID != "save-test" {
		t.Errorf("NodeID = %s, want save-test", loaded.NodeID)
	}
	if loaded.ListenPort != 4242 {
		t.Errorf("ListenPort = %d, want 4242", loaded.ListenPort)
	}
	if loaded.Production {
		t.Error("Production should be false after reload")
	}
}
