// mesh-node — headless post-quantum mesh control-plane agent.
// Runs as a long-lived process, no UI; configuration via YAML file, CLI
// flags, and MESH_* environment variables.
//
// Usage:
//
//	mesh-node --config /etc/meshcore/node.yaml
//	mesh-node --node-id node-1 --listen 5000 --peer 10.0.0.2:5000
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"meshcore/internal/config"
	"meshcore/internal/hooks"
	"meshcore/internal/hooks/sqlitehook"
	"meshcore/internal/identity"
	"meshcore/internal/mesh"
	"meshcore/internal/mesh/discovery"
	"meshcore/internal/telemetry"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to config file")
	nodeID := flag.String("node-id", "", "override node ID")
	listenPort := flag.Int("listen", 0, "listen port (0 to use config default)")
	var peerFlags stringSliceFlag
	flag.Var(&peerFlags, "peer", "static bootstrap peer \"host:port\" (repeatable)")
	production := flag.Bool("production", false, "enforce production mode (disable all PQ fallback paths)")
	allowTOFU := flag.Bool("allow-tofu", false, "allow trust-on-first-use identity resolution")
	logLevel := flag.String("log-level", "", "log level (debug/info/warn/error)")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mesh-node %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(64)
	}

	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *listenPort > 0 {
		cfg.ListenPort = *listenPort
	}
	if len(peerFlags) > 0 {
		cfg.Peers = append(cfg.Peers, peerFlags...)
	}
	if *production {
		cfg.Production = true
	}
	if *allowTOFU {
		cfg.AllowTOFU = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	cfg.ApplyEnvOverrides()

	if cfg.NodeID == "" {
		b := make([]byte, 4)
		rand.Read(b)
		cfg.NodeID = fmt.Sprintf("mesh-%s", hex.EncodeToString(b))
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG ERROR: %v\n", err)
		os.Exit(64)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("mesh-node starting",
		"version", Version,
		"node_id", cfg.NodeID,
		"arch", runtime.GOARCH,
		"production", cfg.Production,
	)

	a, err := newAgent(cfg)
	if err != nil {
		slog.Error("failed to initialize agent", "error", err)
		os.Exit(70)
	}

	if err := a.start(); err != nil {
		slog.Error("failed to start agent", "error", err)
		os.Exit(70)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig)
	a.stop()
	slog.Info("mesh-node stopped")
}

// agent wires a mesh.Node to its process-level collaborators: LAN
// discovery, durable storage, and the OS signal lifecycle.
type agent struct {
	cfg    *config.Config
	node   *mesh.Node
	disc   *discovery.Discovery
	db     *sqlitehook.Store
	telem  *telemetry.Reporter
	stopCh chan struct{}
}

func newAgent(cfg *config.Config) (*agent, error) {
	var persistence hooks.PersistenceHook = hooks.NewMemoryPersistence()
	var db *sqlitehook.Store
	if cfg.Production {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := sqlitehook.Open(filepath.Join(cfg.DataDir, "state.db"))
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		db = store
		persistence = store
	}

	selfID := identity.NodeID(cfg.NodeID)

	node, err := mesh.New(mesh.Options{
		SelfID:                    selfID,
		BindAddr:                  cfg.BindAddr,
		ListenPort:                cfg.ListenPort,
		Production:                cfg.Production,
		AllowTOFU:                 cfg.AllowTOFU,
		EdgeTTLMS:                 uint64(cfg.EdgeTTLMultiplier * float64(cfg.BeaconIntervalMS)),
		NodeTimeoutMS:             uint64(cfg.NodeTimeoutMultiplier * float64(cfg.BeaconIntervalMS)),
		BeaconIntervalMS:          uint64(cfg.BeaconIntervalMS),
		ClaimTTLMS:                uint64(cfg.ClaimTTLSeconds) * 1000,
		ReputationFloorSuspect:    cfg.ReputationFloorSuspect,
		ReputationFloorQuarantine: cfg.ReputationFloorQuarantine,
		ReputationDecrement:       cfg.ReputationDecrement,
		MaxFailoverHops:           cfg.MaxFailoverHops,
		Persistence:               persistence,
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("mesh node init: %w", err)
	}

	disc := discovery.New(identity.NodeID(cfg.NodeID), cfg.ListenPort, []string{"mesh"}, cfg.MulticastGroup, cfg.MulticastPort)
	disc.Telemetry = slogTelemetryHook{}
	disc.OnPeerDiscovered = func(peer discovery.PeerInfo) {
		addr, ok := peer.UDPAddr()
		if !ok {
			return
		}
		node.AddBootstrapPeer(peer.NodeID, addr)
		if err := node.Dial(peer.NodeID, addr); err != nil {
			slog.Warn("dial discovered peer failed", "peer", peer.NodeID, "error", err)
		}
	}

	telem := telemetry.NewReporter(node, slogTelemetryHook{})

	return &agent{cfg: cfg, node: node, disc: disc, db: db, telem: telem, stopCh: make(chan struct{})}, nil
}

func (a *agent) start() error {
	a.node.Start()

	if err := a.disc.Start(); err != nil {
		slog.Warn("LAN discovery unavailable, continuing with static peers only", "error", err)
	}

	go a.telemetryLoop()

	for _, raw := range a.cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", raw)
		if err != nil {
			slog.Warn("invalid static peer address", "peer", raw, "error", err)
			continue
		}
		peerID := identity.NodeID(fmt.Sprintf("static-%s", raw))
		a.node.AddBootstrapPeer(peerID, addr)
		if err := a.node.Dial(peerID, addr); err != nil {
			slog.Warn("dial static peer failed", "peer", raw, "error", err)
		}
	}

	slog.Info("agent fully started", "node_id", a.cfg.NodeID, "port", a.cfg.ListenPort)
	return nil
}

func (a *agent) stop() {
	close(a.stopCh)
	a.disc.Stop()
	a.node.Stop()
	if a.db != nil {
		a.db.Close()
	}
}

func (a *agent) telemetryLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.telem.Collect()
		case <-a.stopCh:
			return
		}
	}
}

// slogTelemetryHook emits telemetry events through the process-wide slog
// logger, a reasonable default for a lab node with no metrics backend wired
// in via an external TelemetryHook implementation.
type slogTelemetryHook struct{}

func (slogTelemetryHook) Emit(eventName string, labels map[string]string, value float64) {
	slog.Debug("telemetry", "event", eventName, "value", value, "labels", labels)
}

// stringSliceFlag accumulates repeated -peer flag occurrences.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
