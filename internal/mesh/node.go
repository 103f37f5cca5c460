// Package mesh wires the mesh node's components together: transport,
// PQSecure channel establishment, beacon/claim gossip, the topology graph,
// the Byzantine quorum validator, the router, and the MAPE-K self-healing
// loop. One Node per process.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"meshcore/internal/beacon"
	"meshcore/internal/hooks"
	"meshcore/internal/identity"
	"meshcore/internal/mapek"
	"meshcore/internal/pqsecure"
	"meshcore/internal/quorum"
	"meshcore/internal/router"
	"meshcore/internal/topology"
	"meshcore/internal/transport"
	"meshcore/internal/wire"
)

// Options configures a Node. Timing knobs mirror config.Config; the node
// orchestrator doesn't import config directly so it stays testable without
// a YAML file on disk.
type Options struct {
	SelfID     identity.NodeID
	BindAddr   string
	ListenPort int
	Production bool
	AllowTOFU  bool

	EdgeTTLMS               uint64
	NodeTimeoutMS           uint64
	BeaconIntervalMS        uint64
	ClaimTTLMS              uint64
	ReputationFloorSuspect  float64
	ReputationFloorQuarantine float64
	ReputationDecrement     float64
	MaxFailoverHops         int
	MAPEKTickInterval       time.Duration
	DegradedCooldown        time.Duration

	Telemetry   hooks.TelemetryHook
	Persistence hooks.PersistenceHook
	Resource    hooks.ResourceHook
	Policy      hooks.PolicyHook
	Clock       hooks.ClockHook
	Logger      *slog.Logger
}

func (o *Options) setDefaults() {
	if o.EdgeTTLMS == 0 {
		o.EdgeTTLMS = 3 * 10_000
	}
	if o.NodeTimeoutMS == 0 {
		o.NodeTimeoutMS = 3 * 10_000
	}
	if o.BeaconIntervalMS == 0 {
		o.BeaconIntervalMS = beacon.DefaultBeaconIntervalMS
	}
	if o.ClaimTTLMS == 0 {
		o.ClaimTTLMS = quorum.DefaultClaimTTLMS
	}
	if o.ReputationFloorSuspect == 0 {
		o.ReputationFloorSuspect = 0.5
	}
	if o.ReputationFloorQuarantine == 0 {
		o.ReputationFloorQuarantine = quorum.DefaultQuarantineFloor
	}
	if o.ReputationDecrement == 0 {
		o.ReputationDecrement = quorum.DefaultReputationDecrement
	}
	if o.MaxFailoverHops == 0 {
		o.MaxFailoverHops = router.DefaultMaxFailoverHops
	}
	if o.MAPEKTickInterval == 0 {
		o.MAPEKTickInterval = mapek.DefaultTickInterval
	}
	if o.DegradedCooldown == 0 {
		o.DegradedCooldown = mapek.DefaultDegradedCooldown
	}
	if o.Telemetry == nil {
		o.Telemetry = hooks.NullTelemetry{}
	}
	if o.Persistence == nil {
		o.Persistence = hooks.NewMemoryPersistence()
	}
	if o.Resource == nil {
		o.Resource = hooks.NullResourceHook{}
	}
	if o.Policy == nil {
		o.Policy = hooks.AllowAllPolicy{}
	}
	if o.Clock == nil {
		o.Clock = hooks.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Node is one mesh participant: the composition root for every component
// named in spec.md §4.
type Node struct {
	opts   Options
	logger *slog.Logger

	tx      *transport.Transport
	secure  *pqsecure.Manager
	keys    *pqsecure.MemoryKeyStore
	topo    *topology.Graph
	beacons *beacon.Engine
	quorumV *quorum.Validator
	route   *router.Router
	healer  *mapek.Loop
	peers   *PeerTable
	metrics *nodeMetrics

	handshakeMu  sync.Mutex
	pendingPeer  map[identity.NodeID]*net.UDPAddr
	dialStarted  map[identity.NodeID]time.Time

	churnCh <-chan topology.Delta

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs every component but does not start any background loop.
func New(opts Options) (*Node, error) {
	opts.setDefaults()
	logger := opts.Logger.With("component", "mesh", "node_id", string(opts.SelfID))

	tx, err := transport.Listen(transport.Options{
		BindAddr:   opts.BindAddr,
		ListenPort: opts.ListenPort,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("mesh: listen: %w", err)
	}

	keys := pqsecure.NewMemoryKeyStore()
	topo := topology.NewGraph(opts.EdgeTTLMS, opts.Clock, opts.Logger)
	peers := NewPeerTable(opts.ReputationFloorSuspect, opts.ReputationFloorQuarantine, opts.Policy, opts.Logger)
	metrics := newNodeMetrics()

	n := &Node{
		opts:        opts,
		logger:      logger,
		tx:          tx,
		keys:        keys,
		topo:        topo,
		peers:       peers,
		metrics:     metrics,
		pendingPeer: make(map[identity.NodeID]*net.UDPAddr),
		dialStarted: make(map[identity.NodeID]time.Time),
		stopCh:      make(chan struct{}),
	}

	metrics.quorumBacklog = func() int { return n.quorumV.BacklogSize() }

	// OnFallbackClaim closure captures n before n.secure is assigned, the
	// same forward-reference pattern metrics.quorumBacklog uses above: the
	// claim is only ever gossiped after Start, by which point n.beacons
	// (reached through n.GossipClaim) is set.
	secure, err := pqsecure.NewManager(opts.SelfID, keys, pqsecure.Options{
		Production:      opts.Production,
		Telemetry:       opts.Telemetry,
		Clock:           opts.Clock,
		OnFallbackClaim: n.GossipClaim,
	})
	if err != nil {
		tx.Close()
		return nil, fmt.Errorf("mesh: pqsecure manager: %w", err)
	}
	n.secure = secure

	n.quorumV = quorum.NewValidator(quorum.Options{
		ClaimTTLMS:          opts.ClaimTTLMS,
		ReputationDecrement: opts.ReputationDecrement,
		ReputationFloor:     opts.ReputationFloorSuspect,
		QuarantineFloor:     opts.ReputationFloorQuarantine,
		Healthy:             peers,
		Reputation:          peers,
		OnResolved:          n.handleQuorumEvent,
		Telemetry:           opts.Telemetry,
		Clock:               opts.Clock,
		Logger:              opts.Logger,
	})

	n.beacons = beacon.NewEngine(secure, keys, keys, topo, tx, beacon.Options{
		SelfID:           opts.SelfID,
		BeaconIntervalMS: opts.BeaconIntervalMS,
		AllowTOFU:        opts.AllowTOFU,
		Production:       opts.Production,
		OnClaim:          n.handleIncomingClaim,
		Telemetry:        opts.Telemetry,
		Clock:            opts.Clock,
		Logger:           opts.Logger,
	})

	n.route = router.New(opts.SelfID, topo, peers)

	n.healer = mapek.New(mapek.Options{
		TickInterval:     opts.MAPEKTickInterval,
		DegradedCooldown: opts.DegradedCooldown,
		Metrics:          metrics,
		Resource:         opts.Resource,
		Executor: mapek.NewExecutor(
			&sessionManagerAdapter{n: n},
			peers,
			n.route,
			n.beacons,
			opts.Logger,
		),
		Telemetry:   opts.Telemetry,
		Persistence: opts.Persistence,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
	})

	return n, nil
}

// Start begins every background loop and the central transport dispatcher.
func (n *Node) Start() {
	n.topo.Start()
	n.quorumV.Start()
	n.beacons.Start()
	n.healer.Start()

	n.churnCh = n.topo.Subscribe()

	n.wg.Add(3)
	go n.dispatchLoop()
	go n.staleSweepLoop()
	go n.churnLoop()
}

// Stop halts every background loop and closes the transport socket.
// Safe to call more than once; only the first call has effect.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.healer.Stop()
		n.beacons.Stop()
		n.quorumV.Stop()
		n.topo.Unsubscribe(n.churnCh)
		n.topo.Stop()
		n.secure.Close()
		n.tx.Close()
		n.wg.Wait()
	})
}

func (n *Node) churnLoop() {
	defer n.wg.Done()
	for {
		select {
		case _, ok := <-n.churnCh:
			if !ok {
				return
			}
			n.metrics.recordChurn()
		case <-n.stopCh:
			return
		}
	}
}

// AddBootstrapPeer seeds a statically configured peer address (config.yaml
// peers list) before any beacon/discovery has been heard from it.
func (n *Node) AddBootstrapPeer(id identity.NodeID, addr *net.UDPAddr) {
	n.beacons.AddBootstrapPeer(id, addr)
}

// Dial initiates a PQSecure handshake with a newly bootstrapped peer.
func (n *Node) Dial(peerID identity.NodeID, addr *net.UDPAddr) error {
	init, err := n.secure.ClientInit(peerID)
	if err != nil {
		return fmt.Errorf("mesh: client init with %s: %w", peerID, err)
	}
	n.handshakeMu.Lock()
	n.pendingPeer[peerID] = addr
	n.dialStarted[peerID] = time.Now()
	n.handshakeMu.Unlock()
	return n.tx.Send(addr, wire.Envelope(wire.FrameKindHandshakeInit, init.Encode()))
}

// Route computes the current best next-hop to dst.
func (n *Node) Route(dst identity.NodeID) (router.Route, error) {
	return n.route.Route(dst)
}

// GossipClaim broadcasts a locally-originated claim (e.g. a
// fallback-activation notice) through the beacon engine's claim gossip. It
// adds no signature or endorsement of its own; c is sent as given.
func (n *Node) GossipClaim(c *wire.Claim) {
	n.beacons.GossipClaim(c)
}

// GetStats reports a snapshot suitable for telemetry.Reporter's StatsSource,
// continuing the teacher's map[string]any stats idiom.
func (n *Node) GetStats() map[string]any {
	peersTotal, peersHealthy := 0, 0
	for _, p := range n.peers.Snapshot() {
		peersTotal++
		if p.State == identity.HEALTHY {
			peersHealthy++
		}
	}
	healthScore := 1.0
	if peersTotal > 0 {
		healthScore = float64(peersHealthy) / float64(peersTotal)
	}
	return map[string]any{
		"peers_total":     peersTotal,
		"peers_healthy":   peersHealthy,
		"health_score":    healthScore,
		"mapek_state":     n.healer.State().String(),
		"quorum_backlog":  n.quorumV.BacklogSize(),
		"fallback_active": n.metrics.FallbackActive(),
	}
}

func (n *Node) dispatchLoop() {
	defer n.wg.Done()
	for {
		select {
		case f, ok := <-n.tx.Recv():
			if !ok {
				return
			}
			n.dispatchFrame(f)
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) dispatchFrame(f transport.Frame) {
	kind, payload, err := wire.DecodeEnvelope(f.Data)
	if err != nil {
		n.logger.Debug("dropping malformed frame", "src", f.Src, "error", err)
		return
	}
	switch kind {
	case wire.FrameKindBeacon:
		n.beacons.HandleBeaconFrame(f.Src, payload)
	case wire.FrameKindClaim:
		n.beacons.HandleClaimFrame(f.Src, payload)
	case wire.FrameKindHandshakeInit:
		n.handleHandshakeInit(f.Src, payload)
	case wire.FrameKindHandshakeResp:
		n.handleHandshakeResp(f.Src, payload)
	default:
		n.logger.Debug("unknown frame kind", "kind", kind, "src", f.Src)
	}
}

func (n *Node) handleHandshakeInit(src *net.UDPAddr, payload []byte) {
	init, err := wire.DecodeHandshakeInit(payload)
	if err != nil {
		n.logger.Debug("malformed handshake init", "src", src, "error", err)
		return
	}
	resp, err := n.secure.ServerHandshake(init)
	if err != nil {
		n.logger.Warn("handshake rejected", "src", src, "error", err)
		return
	}
	clientID := identity.NodeIDFromBytes16(init.ClientID)
	n.peers.Upsert(clientID, src, n.opts.Clock.NowMS())
	if err := n.tx.Send(src, wire.Envelope(wire.FrameKindHandshakeResp, resp.Encode())); err != nil {
		n.logger.Warn("failed to send handshake response", "dst", src, "error", err)
	}
}

func (n *Node) handleHandshakeResp(src *net.UDPAddr, payload []byte) {
	resp, err := wire.DecodeHandshakeResp(payload)
	if err != nil {
		n.logger.Debug("malformed handshake response", "src", src, "error", err)
		return
	}
	peerID := identity.NodeIDFromBytes16(resp.ServerID)

	n.handshakeMu.Lock()
	addr, ok := n.pendingPeer[peerID]
	started, hadStart := n.dialStarted[peerID]
	delete(n.pendingPeer, peerID)
	delete(n.dialStarted, peerID)
	n.handshakeMu.Unlock()
	if !ok {
		addr = src
	}

	if _, err := n.secure.ClientFinish(peerID, resp); err != nil {
		n.logger.Warn("handshake finish failed", "peer", peerID, "error", err)
		n.metrics.recordHandshake(false, 0)
		return
	}
	n.peers.Upsert(peerID, addr, n.opts.Clock.NowMS())
	latencyMS := float64(0)
	if hadStart {
		latencyMS = float64(time.Since(started).Milliseconds())
	}
	n.metrics.recordHandshake(true, latencyMS)
	n.logger.Info("pqsecure session established", "peer", peerID)
}

// handleIncomingClaim is the beacon engine's OnClaim hook: ingest into the
// quorum validator using the claim's single most-recent endorser as the
// authenticated reporter.
func (n *Node) handleIncomingClaim(c *wire.Claim) {
	if len(c.Endorsements) == 0 {
		return
	}
	reporter := identity.NodeIDFromBytes16(c.Endorsements[len(c.Endorsements)-1].SignerID)
	n.quorumV.Ingest(c, reporter)
}

// handleQuorumEvent reacts to a claim resolving to ACCEPTED/REJECTED.
func (n *Node) handleQuorumEvent(ev quorum.Event) {
	if ev.Status != quorum.Accepted {
		return
	}
	switch ev.Claim.ClaimType {
	case wire.ClaimTypeIntroduction:
		target := identity.NodeIDFromBytes16(ev.Claim.Target)
		n.beacons.AcceptIntroduction(target)
	case wire.ClaimTypeNodeFailure, wire.ClaimTypeRevocation:
		target := identity.NodeIDFromBytes16(ev.Claim.Target)
		n.peers.Quarantine(target)
		n.topo.MarkEvicted(target)
		n.route.InvalidateCache()
	case wire.ClaimTypeFallbackActivated:
		n.metrics.setFallbackActive(true)
	}
}

func (n *Node) staleSweepLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.opts.NodeTimeoutMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.peers.SweepStale(n.opts.Clock.NowMS(), n.opts.NodeTimeoutMS)
			if err := n.secure.CheckFallbackTTL(); err != nil {
				n.logger.Error("fallback ttl expired, node self-quarantined", "error", err)
			}
		case <-n.stopCh:
			return
		}
	}
}

// sessionManagerAdapter implements mapek.SessionManager over the node's
// PQSecure manager and transport, so the MAPE-K executor can restart a
// session or rotate this node's long-term KEM key as remediation steps.
type sessionManagerAdapter struct{ n *Node }

func (a *sessionManagerAdapter) RestartSession(ctx context.Context, peer identity.NodeID) error {
	a.n.secure.ForgetSession(peer)
	rec, ok := a.n.peers.Get(peer)
	if !ok || rec.Addr == nil {
		return fmt.Errorf("mesh: no known address for %s, cannot restart session", peer)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return a.n.Dial(peer, rec.Addr)
}

func (a *sessionManagerAdapter) RotateKEMKey(ctx context.Context, _ identity.NodeID) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return a.n.secure.RotateKeys()
}

// nodeMetrics adapts the node's live components into mapek.MetricsSource
// (spec.md §4.7 Monitor phase inputs), tracking handshake outcomes for the
// failure-rate/latency gauges that have no single authoritative source
// elsewhere: success/failure counts are cumulative since start, and only
// the latency samples are kept as a rolling window.
type nodeMetrics struct {
	mu              sync.Mutex
	handshakeTotal  int
	handshakeFailed int
	latencies       []float64
	fallbackActive  bool
	quorumBacklog   func() int
	churnTimestamps []time.Time
}

func newNodeMetrics() *nodeMetrics {
	return &nodeMetrics{}
}

func (m *nodeMetrics) recordHandshake(ok bool, latencyMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handshakeTotal++
	if !ok {
		m.handshakeFailed++
	}
	m.latencies = append(m.latencies, latencyMS)
	if len(m.latencies) > 128 {
		m.latencies = m.latencies[len(m.latencies)-128:]
	}
}

func (m *nodeMetrics) setFallbackActive(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackActive = v
}

func (m *nodeMetrics) HandshakeFailureRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handshakeTotal == 0 {
		return 0
	}
	return float64(m.handshakeFailed) / float64(m.handshakeTotal)
}

func (m *nodeMetrics) HandshakeLatencyP95MS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latencies) == 0 {
		return 0
	}
	sorted := append([]float64(nil), m.latencies...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(float64(len(sorted)-1) * 0.95)
	return sorted[idx]
}

func (m *nodeMetrics) FallbackActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackActive
}

func (m *nodeMetrics) recordChurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.churnTimestamps = append(m.churnTimestamps, time.Now())
}

func (m *nodeMetrics) TopologyChurnPerMin() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	kept := m.churnTimestamps[:0]
	for _, ts := range m.churnTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.churnTimestamps = kept
	return float64(len(kept))
}

func (m *nodeMetrics) QuorumBacklog() int {
	if m.quorumBacklog == nil {
		return 0
	}
	return m.quorumBacklog()
}

var _ mapek.MetricsSource = (*nodeMetrics)(nil)
