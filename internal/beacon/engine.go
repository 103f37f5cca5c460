// Package beacon implements periodic signed beacon emission and the
// beacon/claim gossip reception pipeline (spec.md §4.3). A beacon is
// 1-hop: heard only by the direct peers it is addressed to. Claims ride a
// separate, multi-hop, dedup-suppressed gossip path.
package beacon

import (
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"meshcore/internal/hooks"
	"meshcore/internal/identity"
	"meshcore/internal/pqsecure"
	"meshcore/internal/ratelimit"
	"meshcore/internal/topology"
	"meshcore/internal/transport"
	"meshcore/internal/wire"
)

const (
	DefaultBeaconIntervalMS = 10_000
	DefaultJitterFraction   = 0.10
	DefaultMaxBeaconsPerSec = 10
	DefaultClaimGossipTTLMS = 10 * 60 * 1000

	defaultNeighborCostMS  = 50.0
	neighborCostEWMAAlpha  = 0.2
)

// IntroductionRegistrar records a newly-introduced peer's long-term keys.
// Satisfied by pqsecure.MemoryKeyStore.
type IntroductionRegistrar interface {
	Register(id identity.NodeID, sigPub, kemPub []byte)
}

// Options configures an Engine. Zero values take the spec.md defaults.
type Options struct {
	SelfID              identity.NodeID
	Capabilities        []byte
	BeaconIntervalMS    uint64
	JitterFraction      float64
	MaxBeaconsPerSecond float64
	ReorderSlots        int
	ReorderWindowMS     uint64
	ClaimGossipTTLMS    uint64
	AllowTOFU           bool
	Production          bool

	// OnClaim is invoked once per newly-seen (not-yet-deduplicated) claim,
	// whether received over the wire or gossiped locally. The quorum
	// validator wires itself in here; nil means claims are only forwarded.
	OnClaim func(*wire.Claim)

	Telemetry hooks.TelemetryHook
	Clock     hooks.ClockHook
	Logger    *slog.Logger
}

func (o *Options) setDefaults() {
	if o.BeaconIntervalMS == 0 {
		o.BeaconIntervalMS = DefaultBeaconIntervalMS
	}
	if o.JitterFraction == 0 {
		o.JitterFraction = DefaultJitterFraction
	}
	if o.MaxBeaconsPerSecond == 0 {
		o.MaxBeaconsPerSecond = DefaultMaxBeaconsPerSec
	}
	if o.ReorderSlots == 0 {
		o.ReorderSlots = DefaultReorderSlots
	}
	if o.ReorderWindowMS == 0 {
		o.ReorderWindowMS = DefaultReorderTTLMS
	}
	if o.ClaimGossipTTLMS == 0 {
		o.ClaimGossipTTLMS = DefaultClaimGossipTTLMS
	}
	if o.Telemetry == nil {
		o.Telemetry = hooks.NullTelemetry{}
	}
	if o.Clock == nil {
		o.Clock = hooks.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Engine emits this node's beacon on a jittered interval and processes
// beacon/claim frames handed to it by the node orchestrator's central
// transport dispatcher (beacons and claims share the UDP socket with
// PQSecure handshake frames; Engine does not read transport.Recv directly).
type Engine struct {
	opts     Options
	secure   *pqsecure.Manager
	peerKeys pqsecure.PeerKeyStore
	registrar IntroductionRegistrar
	topo     *topology.Graph
	tx       *transport.Transport
	addrs    *addressBook
	logger   *slog.Logger

	mu                   sync.Mutex
	selfNonce            identity.Nonce
	neighborCost         map[identity.NodeID]float64
	reorder              map[identity.NodeID]*peerReorder
	pendingIntroductions map[identity.NodeID]bool
	claimSeen            map[[32]byte]uint64
	intervalScale        float64

	rate *ratelimit.PerKey[identity.NodeID]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine wires an Engine against its collaborators. peerKeys and
// registrar are typically the same concrete *pqsecure.MemoryKeyStore the
// pqsecure.Manager itself uses, so a peer introduced here is immediately
// handshake-eligible.
func NewEngine(secure *pqsecure.Manager, peerKeys pqsecure.PeerKeyStore, registrar IntroductionRegistrar, topo *topology.Graph, tx *transport.Transport, opts Options) *Engine {
	opts.setDefaults()
	burst := int(opts.MaxBeaconsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Engine{
		opts:                 opts,
		secure:               secure,
		peerKeys:             peerKeys,
		registrar:            registrar,
		topo:                 topo,
		tx:                   tx,
		addrs:                newAddressBook(),
		logger:               opts.Logger.With("component", "beacon"),
		neighborCost:         make(map[identity.NodeID]float64),
		reorder:              make(map[identity.NodeID]*peerReorder),
		pendingIntroductions: make(map[identity.NodeID]bool),
		claimSeen:            make(map[[32]byte]uint64),
		intervalScale:        1.0,
		rate:                 ratelimit.NewPerKey[identity.NodeID](opts.MaxBeaconsPerSecond, burst),
		stopCh:               make(chan struct{}),
	}
}

// ReduceRate stretches the beacon emission interval by dividing it by
// factor (0 < factor <= 1), e.g. factor=0.5 halves the emission rate. Used
// by the MAPE-K executor's ReduceBeaconRate plan under local resource
// pressure. Clamped so the interval never grows past 10x the configured
// base, keeping the node discoverable even under sustained backoff.
func (e *Engine) ReduceRate(factor float64) {
	if factor <= 0 || factor >= 1 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	scale := e.intervalScale / factor
	if scale > 10 {
		scale = 10
	}
	e.intervalScale = scale
	e.logger.Info("beacon rate reduced", "interval_scale", e.intervalScale)
}

func (e *Engine) currentIntervalScale() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intervalScale
}

// Start begins the emission loop and the reorder/claim-seen-set sweepers.
func (e *Engine) Start() {
	e.wg.Add(3)
	go e.emitLoop()
	go e.reorderSweepLoop()
	go e.claimSweepLoop()
}

// Stop halts all background loops.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// AddBootstrapPeer seeds the address book with an operator-configured peer
// before any beacon has been heard from it.
func (e *Engine) AddBootstrapPeer(id identity.NodeID, addr *net.UDPAddr) {
	e.addrs.Set(id, addr)
}

// AcceptIntroduction marks id as vouched-for by an ACCEPTED Introduction
// claim (spec.md §4.3 step 4), so the next beacon from it is registered
// even in production mode. Called by the quorum validator.
func (e *Engine) AcceptIntroduction(id identity.NodeID) {
	e.mu.Lock()
	e.pendingIntroductions[id] = true
	e.mu.Unlock()
}

// UpdateNeighborCost folds a freshly observed RTT sample into the EWMA
// (alpha=0.2) edge cost this node advertises for peer in its own beacons.
func (e *Engine) UpdateNeighborCost(peer identity.NodeID, rttMS float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.neighborCost[peer]
	if !ok {
		e.neighborCost[peer] = rttMS
		return
	}
	e.neighborCost[peer] = neighborCostEWMAAlpha*rttMS + (1-neighborCostEWMAAlpha)*prev
}

func jitteredInterval(baseMS uint64, frac float64) time.Duration {
	if frac <= 0 {
		return time.Duration(baseMS) * time.Millisecond
	}
	delta := (rand.Float64()*2 - 1) * frac
	ms := float64(baseMS) * (1 + delta)
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *Engine) emitLoop() {
	defer e.wg.Done()
	for {
		baseMS := uint64(float64(e.opts.BeaconIntervalMS) * e.currentIntervalScale())
		select {
		case <-time.After(jitteredInterval(baseMS, e.opts.JitterFraction)):
			e.emitBeacon()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) emitBeacon() {
	nowMS := e.opts.Clock.NowMS()

	neighbors := e.addrs.Known()
	edges := make([]wire.Edge, 0, len(neighbors))
	addressed := make([]struct {
		id   identity.NodeID
		addr *net.UDPAddr
	}, 0, len(neighbors))

	e.mu.Lock()
	for _, n := range neighbors {
		if _, err := e.secure.Session(n); err != nil {
			continue // only direct peers with an active secure channel count as neighbors
		}
		addr, ok := e.addrs.Get(n)
		if !ok {
			continue
		}
		cost, ok := e.neighborCost[n]
		if !ok {
			cost = defaultNeighborCostMS
		}
		edges = append(edges, wire.Edge{DstID: n.Bytes16(), CostMicros: uint32(cost * 1000)})
		addressed = append(addressed, struct {
			id   identity.NodeID
			addr *net.UDPAddr
		}{n, addr})
	}
	e.selfNonce = e.selfNonce.Next()
	nonce := e.selfNonce
	e.mu.Unlock()

	kemPub, sigPub := e.secure.LongTermPublicKeys()
	b := &wire.Beacon{
		NodeID:       e.opts.SelfID.Bytes16(),
		Epoch:        uint64(e.secure.Epoch()),
		Nonce:        uint64(nonce),
		TimestampMS:  nowMS,
		Edges:        edges,
		Capabilities: e.opts.Capabilities,
		SigPubKey:    sigPub,
		KEMPubKey:    kemPub,
	}
	sig, err := e.secure.Sign(b.EncodeUnsigned())
	if err != nil {
		e.logger.Error("failed to sign beacon", "error", err)
		return
	}
	b.Signature = sig

	framed := wire.Envelope(wire.FrameKindBeacon, b.Encode())
	for _, a := range addressed {
		if err := e.tx.Send(a.addr, framed); err != nil {
			e.logger.Debug("beacon send failed", "peer", a.id, "error", err)
		}
	}
	e.opts.Telemetry.Emit("beacon_emitted", nil, 1)
}

// HandleBeaconFrame processes one decoded beacon datagram from src, per the
// reception pipeline in spec.md §4.3.
func (e *Engine) HandleBeaconFrame(src *net.UDPAddr, payload []byte) {
	b, err := wire.DecodeBeacon(payload)
	if err != nil {
		e.logger.Debug("malformed beacon frame", "src", src, "error", err)
		return
	}
	senderID := identity.NodeIDFromBytes16(b.NodeID)
	if senderID == e.opts.SelfID {
		return
	}

	nowMS := e.opts.Clock.NowMS()
	if !e.rate.Allow(senderID, nowMS) {
		e.logger.Debug("beacon rate limit exceeded", "peer", senderID)
		return
	}

	sigPub, known := e.peerKeys.SigPublicKey(senderID)
	if !known {
		if !e.tryIntroduce(senderID, b.SigPubKey, b.KEMPubKey) {
			e.logger.Warn("dropping beacon from unintroduced peer", "peer", senderID)
			return
		}
		sigPub = b.SigPubKey
	}

	if _, err := e.secure.Session(senderID); err != nil {
		e.logger.Debug("dropping beacon: no active pqsecure session", "peer", senderID, "error", err)
		return
	}

	if !e.secure.VerifyDetached(sigPub, b.EncodeUnsigned(), b.Signature) {
		e.logger.Warn("beacon signature verification failed", "peer", senderID)
		return
	}

	f := identity.Freshness{Epoch: identity.Epoch(b.Epoch), Nonce: identity.Nonce(b.Nonce)}
	pr := e.reorderFor(senderID)
	ready, ok := pr.admit(b, f, nowMS)
	if !ok {
		e.logger.Debug("dropping replayed/stale beacon", "peer", senderID)
		return
	}

	e.addrs.Set(senderID, src)
	for _, rb := range ready {
		e.mergeBeacon(senderID, rb, nowMS)
	}
}

func (e *Engine) tryIntroduce(id identity.NodeID, sigPub, kemPub []byte) bool {
	e.mu.Lock()
	_, pending := e.pendingIntroductions[id]
	if pending {
		delete(e.pendingIntroductions, id)
	}
	e.mu.Unlock()

	if pending {
		e.registrar.Register(id, sigPub, kemPub)
		e.logger.Info("registered peer via accepted introduction claim", "peer", id)
		return true
	}
	if !e.opts.Production && e.opts.AllowTOFU {
		e.registrar.Register(id, sigPub, kemPub)
		e.logger.Warn("trust-on-first-use: registering peer without introduction claim", "peer", id)
		e.opts.Telemetry.Emit("beacon_tofu_registration", map[string]string{"peer": id.String()}, 1)
		return true
	}
	return false
}

func (e *Engine) reorderFor(id identity.NodeID) *peerReorder {
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.reorder[id]
	if !ok {
		pr = newPeerReorder(e.opts.ReorderSlots, e.opts.ReorderWindowMS)
		e.reorder[id] = pr
	}
	return pr
}

func (e *Engine) mergeBeacon(senderID identity.NodeID, b *wire.Beacon, nowMS uint64) {
	for _, edge := range b.Edges {
		dst := identity.NodeIDFromBytes16(edge.DstID)
		cost := float64(edge.CostMicros) / 1000.0
		e.topo.UpsertEdge(senderID, dst, cost, nowMS)
	}
}

func (e *Engine) reorderSweepLoop() {
	defer e.wg.Done()
	interval := time.Duration(e.opts.ReorderWindowMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepReorderBuffers()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) sweepReorderBuffers() {
	nowMS := e.opts.Clock.NowMS()
	e.mu.Lock()
	peers := make([]identity.NodeID, 0, len(e.reorder))
	for id := range e.reorder {
		peers = append(peers, id)
	}
	e.mu.Unlock()

	for _, id := range peers {
		pr := e.reorderFor(id)
		for _, b := range pr.sweep(nowMS) {
			e.mergeBeacon(id, b, nowMS)
		}
	}
}

// HandleClaimFrame decodes and ingests a claim datagram from src.
func (e *Engine) HandleClaimFrame(src *net.UDPAddr, payload []byte) {
	c, err := wire.DecodeClaim(payload)
	if err != nil {
		e.logger.Debug("malformed claim frame", "src", src, "error", err)
		return
	}
	e.GossipClaim(c)
}

// GossipClaim forwards c to every known peer (multi-hop, duplicate
// suppressed by claim ID, TTL ClaimGossipTTLMS) and, the first time this
// claim is seen, delivers it to OnClaim. Safe to call for locally
// originated claims as well as ones received over the wire.
func (e *Engine) GossipClaim(c *wire.Claim) {
	nowMS := e.opts.Clock.NowMS()

	e.mu.Lock()
	if _, seen := e.claimSeen[c.ClaimID]; seen {
		e.mu.Unlock()
		return
	}
	e.claimSeen[c.ClaimID] = nowMS
	e.mu.Unlock()

	if e.opts.OnClaim != nil {
		e.opts.OnClaim(c)
	}

	framed := wire.Envelope(wire.FrameKindClaim, c.Encode())
	for _, peer := range e.addrs.Known() {
		addr, ok := e.addrs.Get(peer)
		if !ok {
			continue
		}
		if err := e.tx.Send(addr, framed); err != nil {
			e.logger.Debug("claim gossip send failed", "peer", peer, "error", err)
		}
	}
}

func (e *Engine) claimSweepLoop() {
	defer e.wg.Done()
	interval := time.Duration(e.opts.ClaimGossipTTLMS/2) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			nowMS := e.opts.Clock.NowMS()
			e.mu.Lock()
			for id, seenAt := range e.claimSeen {
				if nowMS > seenAt && nowMS-seenAt > e.opts.ClaimGossipTTLMS {
					delete(e.claimSeen, id)
				}
			}
			e.mu.Unlock()
		case <-e.stopCh:
			return
		}
	}
}
