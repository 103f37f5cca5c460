// Package quorum implements the Byzantine-tolerant claim validator
// (spec.md §4.5): claims accumulate signed endorsements from distinct
// HEALTHY reporters until they cross a ⌈2n/3⌉ threshold (ACCEPTED) or a
// deadline expires (REJECTED). Accepted claims fire a typed event consumed
// by the MAPE-K executor; contradicted signers lose reputation.
package quorum

import (
	"log/slog"
	"sync"
	"time"

	"meshcore/internal/hooks"
	"meshcore/internal/identity"
	"meshcore/internal/ratelimit"
	"meshcore/internal/wire"
)

const (
	DefaultClaimTTLMS          = 60_000
	DefaultReputationDecrement = 0.1
	DefaultReputationFloor     = 0.2   // below this: SUSPECTED
	DefaultQuarantineFloor     = 0.05  // below this: QUARANTINED
	DefaultMaxClaimsPerSecond       = 1.0
	DefaultMaxEndorsementsPerSecond = 10.0

	// DefaultMaxBacklog bounds the number of concurrently tracked PENDING
	// claims (spec.md §5: "every queue is bounded"). Once the cap is hit, a
	// newly created claim evicts the weakest pending claim in the backlog
	// (fewest distinct endorsers) rather than growing unbounded.
	DefaultMaxBacklog = 4096
)

// Status is a claim's lifecycle state.
type Status int

const (
	Pending Status = iota
	Accepted
	Rejected
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "ACCEPTED"
	case Rejected:
		return "REJECTED"
	default:
		return "PENDING"
	}
}

// Event is fired once, when a claim transitions to ACCEPTED or REJECTED.
type Event struct {
	Claim  *wire.Claim
	Status Status
}

// HealthySnapshot reports the HEALTHY peer population quorum thresholds are
// computed against. Supplied by the node orchestrator (typically a thin
// wrapper over the peer table / PeerState).
type HealthySnapshot interface {
	// HealthyCount returns the number of peers currently in PeerState HEALTHY,
	// not counting self.
	HealthyCount() int
	// IsHealthy reports whether id is currently HEALTHY.
	IsHealthy(id identity.NodeID) bool
}

// ReputationSink receives reputation deltas and resulting state transitions
// (spec.md §4.5's SUSPECTED/QUARANTINED reputation floors). Typically backed
// by the same peer table that implements HealthySnapshot.
type ReputationSink interface {
	Penalize(id identity.NodeID, delta float64)
}

type trackedClaim struct {
	claim     *wire.Claim
	signers   map[identity.NodeID]struct{}
	threshold int
	createdAt  time.Time
	deadline   time.Time
	status     Status
	resolvedAt time.Time
}

// Validator accumulates endorsements per claim_id and resolves claims to
// ACCEPTED/REJECTED. One Validator instance per node.
type Validator struct {
	opts   Options
	logger *slog.Logger

	claimRate       *ratelimit.PerKey[identity.NodeID]
	endorsementRate *ratelimit.PerKey[identity.NodeID]

	mu     sync.Mutex
	claims map[[32]byte]*trackedClaim

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Validator. Zero values take spec.md defaults.
type Options struct {
	ClaimTTLMS          uint64
	ReputationDecrement float64
	ReputationFloor     float64
	QuarantineFloor     float64
	MaxClaimsPerSecond       float64
	MaxEndorsementsPerSecond float64
	MaxBacklog               int

	Healthy     HealthySnapshot
	Reputation  ReputationSink
	OnResolved  func(Event)
	Telemetry   hooks.TelemetryHook
	Clock       hooks.ClockHook
	Logger      *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ClaimTTLMS == 0 {
		o.ClaimTTLMS = DefaultClaimTTLMS
	}
	if o.ReputationDecrement == 0 {
		o.ReputationDecrement = DefaultReputationDecrement
	}
	if o.ReputationFloor == 0 {
		o.ReputationFloor = DefaultReputationFloor
	}
	if o.QuarantineFloor == 0 {
		o.QuarantineFloor = DefaultQuarantineFloor
	}
	if o.MaxClaimsPerSecond == 0 {
		o.MaxClaimsPerSecond = DefaultMaxClaimsPerSecond
	}
	if o.MaxEndorsementsPerSecond == 0 {
		o.MaxEndorsementsPerSecond = DefaultMaxEndorsementsPerSecond
	}
	if o.MaxBacklog == 0 {
		o.MaxBacklog = DefaultMaxBacklog
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

// NewValidator constructs a Validator.
func NewValidator(opts Options) *Validator {
	opts.setDefaults()
	return &Validator{
		opts:            opts,
		logger:          opts.Logger.With("component", "quorum"),
		claimRate:       ratelimit.NewPerKey[identity.NodeID](opts.MaxClaimsPerSecond, 1),
		endorsementRate: ratelimit.NewPerKey[identity.NodeID](opts.MaxEndorsementsPerSecond, int(opts.MaxEndorsementsPerSecond)),
		claims:          make(map[[32]byte]*trackedClaim),
		stopCh:          make(chan struct{}),
	}
}

// Start begins the deadline-sweep background loop.
func (v *Validator) Start() {
	v.wg.Add(1)
	go v.sweepLoop()
}

// Stop halts the sweep loop.
func (v *Validator) Stop() {
	close(v.stopCh)
	v.wg.Wait()
}

// Ingest records one reporter's endorsement of a claim (the reporter is the
// single signer in c.Endorsements most recently appended by the beacon
// gossip layer; re-gossiped claims accumulate additional endorsers over
// time as the same claim_id is re-ingested with a growing signer set).
// Reporter must already be authenticated (PQSecure session + signature)
// by the caller — Ingest only applies quorum bookkeeping.
func (v *Validator) Ingest(c *wire.Claim, reporter identity.NodeID) {
	nowMS := v.opts.Clock.NowMS()

	if v.opts.Healthy != nil && !v.opts.Healthy.IsHealthy(reporter) {
		v.logger.Debug("dropping claim from non-HEALTHY reporter", "reporter", reporter)
		return
	}

	v.mu.Lock()
	tc, exists := v.claims[c.ClaimID]
	v.mu.Unlock()

	if !exists {
		if !v.claimRate.Allow(reporter, nowMS) {
			v.logger.Debug("claim rate limit exceeded", "reporter", reporter)
			if v.opts.Reputation != nil {
				v.opts.Reputation.Penalize(reporter, v.opts.ReputationDecrement)
			}
			return
		}
		n := 1
		if v.opts.Healthy != nil {
			n = v.opts.Healthy.HealthyCount()
		}
		tc = &trackedClaim{
			claim:     c,
			signers:   make(map[identity.NodeID]struct{}),
			threshold: quorumThreshold(n),
			createdAt: time.Now(),
			deadline:  time.Now().Add(time.Duration(v.opts.ClaimTTLMS) * time.Millisecond),
			status:    Pending,
		}
		v.mu.Lock()
		if len(v.claims) >= v.opts.MaxBacklog {
			v.evictWeakestPendingLocked()
		}
		v.claims[c.ClaimID] = tc
		v.mu.Unlock()
	} else {
		if !v.endorsementRate.Allow(reporter, nowMS) {
			v.logger.Debug("endorsement rate limit exceeded", "reporter", reporter)
			if v.opts.Reputation != nil {
				v.opts.Reputation.Penalize(reporter, v.opts.ReputationDecrement)
			}
			return
		}
	}

	v.mu.Lock()
	if tc.status != Pending {
		v.mu.Unlock()
		return
	}
	for _, e := range c.Endorsements {
		signer := identity.NodeIDFromBytes16(e.SignerID)
		tc.signers[signer] = struct{}{}
	}
	signers := len(tc.signers)
	threshold := tc.threshold
	v.mu.Unlock()

	if signers >= threshold {
		v.resolve(tc, Accepted)
	}
}

// Contradict resolves the claim identified by claimID as REJECTED because a
// contradicting claim with the same target reached quorum first (spec.md
// §4.5). The caller (the node orchestrator) is responsible for detecting
// the semantic contradiction between two claim targets/types.
func (v *Validator) Contradict(claimID [32]byte) {
	v.mu.Lock()
	tc, ok := v.claims[claimID]
	v.mu.Unlock()
	if !ok || tc.status != Pending {
		return
	}
	v.resolve(tc, Rejected)
}

// Status reports the current resolution state of a tracked claim.
func (v *Validator) Status(claimID [32]byte) (Status, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tc, ok := v.claims[claimID]
	if !ok {
		return Pending, false
	}
	return tc.status, true
}

// BacklogSize returns the number of claims still awaiting endorsements,
// for telemetry (spec.md §4.7's MAPE-K observation feed).
func (v *Validator) BacklogSize() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, tc := range v.claims {
		if tc.status == Pending {
			n++
		}
	}
	return n
}

func (v *Validator) resolve(tc *trackedClaim, status Status) {
	v.mu.Lock()
	if tc.status != Pending {
		v.mu.Unlock()
		return
	}
	tc.status = status
	tc.resolvedAt = time.Now()
	signers := make([]identity.NodeID, 0, len(tc.signers))
	for s := range tc.signers {
		signers = append(signers, s)
	}
	v.mu.Unlock()

	if status == Rejected && v.opts.Reputation != nil {
		for _, s := range signers {
			v.opts.Reputation.Penalize(s, v.opts.ReputationDecrement)
		}
	}

	v.opts.Telemetry.Emit("quorum_claim_resolved", map[string]string{"status": status.String()}, 1)
	if v.opts.OnResolved != nil {
		v.opts.OnResolved(Event{Claim: tc.claim, Status: status})
	}
}

func (v *Validator) sweepLoop() {
	defer v.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			v.sweepExpired()
		case <-v.stopCh:
			return
		}
	}
}

func (v *Validator) sweepExpired() {
	now := time.Now()
	retention := time.Duration(v.opts.ClaimTTLMS) * time.Millisecond

	v.mu.Lock()
	var expired []*trackedClaim
	for id, tc := range v.claims {
		switch {
		case tc.status == Pending && now.After(tc.deadline):
			expired = append(expired, tc)
		case tc.status != Pending && now.Sub(tc.resolvedAt) > retention:
			delete(v.claims, id) // resolved claims are retained briefly for Status() lookups, then GC'd
		}
	}
	v.mu.Unlock()

	for _, tc := range expired {
		v.resolve(tc, Rejected)
	}
}

// evictWeakestPendingLocked drops the PENDING claim with the fewest
// distinct endorsers (ties broken by oldest) to make room for a new one.
// Caller holds v.mu. Resolved (ACCEPTED/REJECTED) claims are never evicted
// by this path; they age out via sweepExpired's normal GC once callers stop
// referencing them. No-op if every tracked claim is already resolved.
func (v *Validator) evictWeakestPendingLocked() {
	var weakestID [32]byte
	var weakest *trackedClaim
	for id, tc := range v.claims {
		if tc.status != Pending {
			continue
		}
		if weakest == nil ||
			len(tc.signers) < len(weakest.signers) ||
			(len(tc.signers) == len(weakest.signers) && tc.createdAt.Before(weakest.createdAt)) {
			weakestID, weakest = id, tc
		}
	}
	if weakest != nil {
		delete(v.claims, weakestID)
	}
}

// quorumThreshold computes ⌈2n/3⌉, with n=1 (solo node) yielding a
// threshold of 1 per spec.md's edge case.
func quorumThreshold(n int) int {
	if n <= 1 {
		return 1
	}
	return (2*n + 2) / 3
}
