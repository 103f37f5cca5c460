package mesh

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"meshcore/internal/hooks"
	"meshcore/internal/identity"
)

// PeerRecord is one entry in the node's peer table (spec.md §3 Peer record).
type PeerRecord struct {
	ID         identity.NodeID
	Addr       *net.UDPAddr
	State      identity.PeerState
	Reputation float64
	LastSeenMS uint64
}

// PeerTable tracks every peer this node currently knows about: its
// network address, lifecycle state, and reputation score. It implements
// the collaborator interfaces quorum.HealthySnapshot, quorum.ReputationSink,
// router.PeerHealth, and the mapek executor's PeerTable, so the same
// underlying state backs reputation, routing, and quorum decisions.
type PeerTable struct {
	reputationFloorSuspect    float64
	reputationFloorQuarantine float64
	policy                    hooks.PolicyHook
	logger                    *slog.Logger

	mu    sync.RWMutex
	peers map[identity.NodeID]*PeerRecord
}

// NewPeerTable constructs an empty PeerTable. floorSuspect/floorQuarantine
// are the reputation thresholds below which a peer transitions to
// SUSPECTED/QUARANTINED (spec.md §4.5). policy is consulted at the
// quarantine decision point (spec.md §6); a nil policy defaults to
// hooks.AllowAllPolicy.
func NewPeerTable(floorSuspect, floorQuarantine float64, policy hooks.PolicyHook, logger *slog.Logger) *PeerTable {
	if policy == nil {
		policy = hooks.AllowAllPolicy{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerTable{
		reputationFloorSuspect:    floorSuspect,
		reputationFloorQuarantine: floorQuarantine,
		policy:                    policy,
		logger:                    logger.With("component", "peertable"),
		peers:                     make(map[identity.NodeID]*PeerRecord),
	}
}

// Upsert records a peer's address and marks it HEALTHY if previously
// unknown. Existing QUARANTINED/EVICTED peers are never revived, per
// identity.PeerState.CanTransitionTo's terminal-state invariant.
func (t *PeerTable) Upsert(id identity.NodeID, addr *net.UDPAddr, nowMS uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		t.peers[id] = &PeerRecord{ID: id, Addr: addr, State: identity.HEALTHY, Reputation: 1.0, LastSeenMS: nowMS}
		return
	}
	p.Addr = addr
	p.LastSeenMS = nowMS
}

// Get returns a copy of the peer's current record.
func (t *PeerTable) Get(id identity.NodeID) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *p, true
}

// Evict marks a peer EVICTED (spec.md §3: silent for node_timeout).
func (t *PeerTable) Evict(id identity.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	if p.State.CanTransitionTo(identity.EVICTED) {
		p.State = identity.EVICTED
	}
}

// HealthyCount implements quorum.HealthySnapshot.
func (t *PeerTable) HealthyCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.peers {
		if p.State == identity.HEALTHY {
			n++
		}
	}
	return n
}

// IsHealthy implements quorum.HealthySnapshot and router.PeerHealth. An
// unknown peer is conservatively treated as not HEALTHY.
func (t *PeerTable) IsHealthy(id identity.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return ok && p.State == identity.HEALTHY
}

// Penalize implements quorum.ReputationSink: applies a reputation delta and
// re-evaluates the peer's lifecycle state against the configured floors.
func (t *PeerTable) Penalize(id identity.NodeID, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.Reputation -= delta
	if p.Reputation < 0 {
		p.Reputation = 0
	}
	next := p.State
	switch {
	case p.Reputation < t.reputationFloorQuarantine:
		next = identity.QUARANTINED
	case p.Reputation < t.reputationFloorSuspect:
		next = identity.SUSPECTED
	}
	if p.State.CanTransitionTo(next) {
		p.State = next
	}
}

// Quarantine implements the mapek executor's PeerTable collaborator: moves a
// peer to QUARANTINED (e.g. following an ACCEPTED revocation claim or a
// MAPE-K QuarantinePeer plan), a terminal transition for the process
// lifetime. The configured PolicyHook is consulted first, per spec.md §6's
// "invoked at quarantine/revocation decision points": a PolicyDeny verdict
// vetoes the transition, PolicyAudit logs but still allows it.
func (t *PeerTable) Quarantine(id identity.NodeID) error {
	switch decision := t.policy.Evaluate(id, "quarantine"); decision {
	case hooks.PolicyDeny:
		t.logger.Warn("quarantine denied by policy", "peer", id)
		return fmt.Errorf("mesh: quarantine of %q denied by policy", id)
	case hooks.PolicyAudit:
		t.logger.Info("quarantine allowed under audit", "peer", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return fmt.Errorf("mesh: unknown peer %q", id)
	}
	if p.State.CanTransitionTo(identity.QUARANTINED) {
		p.State = identity.QUARANTINED
	}
	return nil
}

// RequestCheck implements the mapek executor's PeerTable collaborator: asks
// for an out-of-band liveness check. The peer table itself has no transport
// of its own, so this only demotes a HEALTHY peer to SUSPECTED pending
// confirmation. Nothing restores it automatically: the peer stays
// SUSPECTED until something calls MarkHealthy.
func (t *PeerTable) RequestCheck(id identity.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return fmt.Errorf("mesh: unknown peer %q", id)
	}
	if p.State == identity.HEALTHY && p.State.CanTransitionTo(identity.SUSPECTED) {
		p.State = identity.SUSPECTED
	}
	return nil
}

// MarkHealthy restores a SUSPECTED peer to HEALTHY once its liveness is
// reconfirmed (e.g. a freshly verified beacon arrives). QUARANTINED/EVICTED
// peers never transition back, per spec.md §3.
func (t *PeerTable) MarkHealthy(id identity.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	if p.State.CanTransitionTo(identity.HEALTHY) {
		p.State = identity.HEALTHY
	}
}

// Snapshot returns a copy of every tracked peer, for telemetry/introspection.
func (t *PeerTable) Snapshot() []PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerRecord, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// SweepStale evicts peers silent for longer than timeoutMS.
func (t *PeerTable) SweepStale(nowMS, timeoutMS uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		if p.State == identity.EVICTED {
			continue
		}
		if nowMS > p.LastSeenMS+timeoutMS {
			if p.State.CanTransitionTo(identity.EVICTED) {
				p.State = identity.EVICTED
			}
		}
	}
}
