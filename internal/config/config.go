// Package config handles mesh-node configuration from YAML/env/CLI, layered
// in that order: file defaults, then environment overrides, then
// Validate().
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"meshcore/internal/identity"
)

const (
	DefaultListenPort = 5000
	DefaultDataDir    = "/var/lib/meshcore"
	DefaultConfigPath = "/etc/meshcore/node.yaml"
	DefaultLogLevel   = "info"
	DefaultKEMAlgo    = "mlkem768"
	DefaultSigAlgo    = "mldsa65"
)

// Config is the full mesh-node configuration.
type Config struct {
	// Node identity
	NodeID string `yaml:"node_id"` // auto-generated if empty

	// Networking
	ListenPort int      `yaml:"listen_port"` // mesh data port (default 5000)
	BindAddr   string   `yaml:"bind_addr"`   // default "0.0.0.0"
	Peers      []string `yaml:"peers"`       // static bootstrap peers "host:port"

	// Discovery
	MulticastGroup   string `yaml:"multicast_group"` // default 239.255.77.77
	MulticastPort    int    `yaml:"multicast_port"`  // default 7777
	BeaconIntervalMS int    `yaml:"beacon_interval_ms"`

	// Security
	Production   bool   `yaml:"production"`     // disables all non-PQ fallback paths
	AllowMockPQC bool   `yaml:"allow_mock_pqc"` // dev-only: skip real KEM math
	AllowTOFU    bool   `yaml:"allow_tofu"`     // allow trust-on-first-use identity resolution
	KEMAlgorithm string `yaml:"kem_algorithm"`  // mlkem768 (only supported value)
	SigAlgorithm string `yaml:"sig_algorithm"`  // mldsa65 (only supported value)

	// Timing knobs (spec.md §3, §4)
	EdgeTTLMultiplier          float64 `yaml:"edge_ttl_multiplier"`
	NodeTimeoutMultiplier      float64 `yaml:"node_timeout_multiplier"`
	ClaimTTLSeconds            int     `yaml:"claim_ttl_seconds"`
	RekeyGraceSeconds          int     `yaml:"rekey_grace_seconds"`
	KeyRotationIntervalSeconds int     `yaml:"key_rotation_interval_seconds"`
	SessionTTLSeconds          int     `yaml:"session_ttl_seconds"`
	MAPEKIntervalSeconds       int     `yaml:"mapek_interval_seconds"`
	DegradedCooldownSeconds    int     `yaml:"degraded_cooldown_seconds"`
	HandshakeDeadlineMS        int     `yaml:"handshake_deadline_ms"`
	ClaimEndorseDeadlineMS     int     `yaml:"claim_endorse_deadline_ms"`
	DijkstraDeadlineMS         int     `yaml:"dijkstra_deadline_ms"`

	// Quorum / reputation
	ReputationFloorSuspect    float64 `yaml:"reputation_floor_suspect"`
	ReputationFloorQuarantine float64 `yaml:"reputation_floor_quarantine"`
	ReputationDecrement       float64 `yaml:"reputation_decrement"`
	MaxFailoverHops           int     `yaml:"max_failover_hops"`

	// Storage
	DataDir string `yaml:"data_dir"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug|info|warn|error
}

// DefaultConfig returns a Config with sane defaults, matching spec.md's
// default timing constants.
func DefaultConfig() *Config {
	return &Config{
		ListenPort:                 DefaultListenPort,
		BindAddr:                   "0.0.0.0",
		MulticastGroup:             "239.255.77.77",
		MulticastPort:              7777,
		BeaconIntervalMS:           10000,
		Production:                 true,
		AllowMockPQC:               false,
		AllowTOFU:                  false,
		KEMAlgorithm:               DefaultKEMAlgo,
		SigAlgorithm:               DefaultSigAlgo,
		EdgeTTLMultiplier:          3.0,
		NodeTimeoutMultiplier:      5.0,
		ClaimTTLSeconds:            60,
		RekeyGraceSeconds:          10,
		KeyRotationIntervalSeconds: 3600,
		SessionTTLSeconds:          3600,
		MAPEKIntervalSeconds:       5,
		DegradedCooldownSeconds:    60,
		HandshakeDeadlineMS:        2000,
		ClaimEndorseDeadlineMS:     5000,
		DijkstraDeadlineMS:         50,
		ReputationFloorSuspect:     0.5,
		ReputationFloorQuarantine:  0.2,
		ReputationDecrement:        0.1,
		MaxFailoverHops:            8,
		DataDir:                    DefaultDataDir,
		LogLevel:                   DefaultLogLevel,
	}
}

// LoadFromFile loads configuration from a YAML file, falling back to
// defaults when the file does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies MESH_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MESH_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("MESH_LISTEN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.ListenPort = p
		}
	}
	if v := os.Getenv("MESH_BIND_ADDR"); v != "" {
		c.BindAddr = v
	}
	if v := os.Getenv("MESH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MESH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MESH_PRODUCTION"); v != "" {
		c.Production = strings.ToLower(v) != "false"
	}
	if v := os.Getenv("MESH_ALLOW_TOFU"); strings.ToLower(v) == "true" {
		c.AllowTOFU = true
	}
	if v := os.Getenv("MESH_KEM_ALGORITHM"); v != "" {
		c.KEMAlgorithm = v
	}
	if v := os.Getenv("MESH_SIG_ALGORITHM"); v != "" {
		c.SigAlgorithm = v
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	if len(c.NodeID) > identity.WireLen {
		return fmt.Errorf("config: node_id longer than %d bytes: %q", identity.WireLen, c.NodeID)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("config: invalid listen_port: %d", c.ListenPort)
	}
	if c.MulticastPort < 1 || c.MulticastPort > 65535 {
		return fmt.Errorf("config: invalid multicast_port: %d", c.MulticastPort)
	}
	if c.KEMAlgorithm != "mlkem768" {
		return fmt.Errorf("config: unsupported kem_algorithm: %s", c.KEMAlgorithm)
	}
	if c.SigAlgorithm != "mldsa65" {
		return fmt.Errorf("config: unsupported sig_algorithm: %s", c.SigAlgorithm)
	}
	if c.Production && c.AllowMockPQC {
		return fmt.Errorf("config: allow_mock_pqc cannot be set in production")
	}
	if c.Production && c.AllowTOFU {
		return fmt.Errorf("config: allow_tofu cannot be set in production")
	}
	if c.BeaconIntervalMS <= 0 {
		return fmt.Errorf("config: beacon_interval_ms must be positive")
	}
	if c.EdgeTTLMultiplier <= 1.0 {
		return fmt.Errorf("config: edge_ttl_multiplier must be > 1.0")
	}
	if c.MaxFailoverHops < 1 {
		return fmt.Errorf("config: max_failover_hops must be >= 1")
	}
	if c.ReputationFloorQuarantine >= c.ReputationFloorSuspect {
		return fmt.Errorf("config: reputation_floor_quarantine must be below reputation_floor_suspect")
	}
	return nil
}

// SaveToFile writes the config to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: create dir %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
