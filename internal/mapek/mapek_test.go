package mapek

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshcore/internal/hooks"
	"meshcore/internal/identity"
)

func TestLatencyThresholdDetectorFiresAboveTarget(t *testing.T) {
	d := latencyThresholdDetector{}
	if diag := d.Detect([]Observation{{HandshakeLatencyP95MS: 100}}, nil, 0); diag != nil {
		t.Fatalf("expected no diagnosis below target, got %+v", diag)
	}
	diag := d.Detect([]Observation{{HandshakeLatencyP95MS: 900}}, nil, 0)
	if diag == nil || diag.Pattern != "high_latency" {
		t.Fatalf("expected high_latency diagnosis, got %+v", diag)
	}
}

func TestFallbackActiveDetectorFiresOnlyWhenActive(t *testing.T) {
	d := fallbackActiveDetector{}
	if diag := d.Detect([]Observation{{FallbackActive: false}}, nil, 0); diag != nil {
		t.Fatalf("expected no diagnosis, got %+v", diag)
	}
	diag := d.Detect([]Observation{{FallbackActive: true}}, nil, 0)
	if diag == nil || diag.Pattern != "fallback_active" {
		t.Fatalf("expected fallback_active diagnosis, got %+v", diag)
	}
}

func TestOscillatingPeerStateDetectorRequiresRepeatedEvents(t *testing.T) {
	d := oscillatingPeerStateDetector{}
	peer := identity.NodeID("peer-a")
	events := []PeerEvent{
		{Peer: peer, Type: PeerStateChanged},
		{Peer: peer, Type: PeerStateChanged},
	}
	if diag := d.Detect(nil, events, 0); diag != nil {
		t.Fatalf("expected no diagnosis below count threshold, got %+v", diag)
	}
	events = append(events, PeerEvent{Peer: peer, Type: PeerStateChanged})
	diag := d.Detect(nil, events, 0)
	if diag == nil || diag.SuspectedPeer != peer {
		t.Fatalf("expected peer_oscillation diagnosis for %v, got %+v", peer, diag)
	}
}

func TestRepeatedHandshakeFailureDetector(t *testing.T) {
	d := repeatedHandshakeFailureDetector{}
	peer := identity.NodeID("peer-b")
	var events []PeerEvent
	for i := 0; i < repeatedFailureCount-1; i++ {
		events = append(events, PeerEvent{Peer: peer, Type: PeerHandshakeFailed})
	}
	if diag := d.Detect(nil, events, 0); diag != nil {
		t.Fatalf("expected no diagnosis, got %+v", diag)
	}
	events = append(events, PeerEvent{Peer: peer, Type: PeerHandshakeFailed})
	diag := d.Detect(nil, events, 0)
	if diag == nil || diag.Pattern != "repeated_handshake_failure" {
		t.Fatalf("expected repeated_handshake_failure diagnosis, got %+v", diag)
	}
}

func TestKnowledgeBaseEWMAConverges(t *testing.T) {
	kb := newKnowledgeBase(hooks.NewMemoryPersistence(), nil)
	plan := Plan{Action: PlanRestartPQCSession, Pattern: "repeated_handshake_failure"}

	if _, ok := kb.lookup("repeated_handshake_failure"); ok {
		t.Fatal("expected empty knowledge base to have no entry")
	}

	for i := 0; i < 5; i++ {
		kb.update("repeated_handshake_failure", plan, Outcome{Success: true})
	}
	got, ok := kb.lookup("repeated_handshake_failure")
	if !ok {
		t.Fatal("expected lookup to succeed after repeated successes")
	}
	if got.Action != PlanRestartPQCSession {
		t.Fatalf("expected reused plan action %v, got %v", PlanRestartPQCSession, got.Action)
	}
}

func TestKnowledgeBaseDemotesAfterFailures(t *testing.T) {
	kb := newKnowledgeBase(hooks.NewMemoryPersistence(), nil)
	plan := Plan{Action: PlanQuarantinePeer, Pattern: "peer_oscillation"}

	kb.update("peer_oscillation", plan, Outcome{Success: true})
	kb.update("peer_oscillation", plan, Outcome{Success: true})
	if _, ok := kb.lookup("peer_oscillation"); !ok {
		t.Fatal("expected confident entry to be reusable")
	}

	for i := 0; i < 4; i++ {
		kb.update("peer_oscillation", plan, Outcome{Success: false})
	}
	if _, ok := kb.lookup("peer_oscillation"); ok {
		t.Fatal("expected repeated failures to drop confidence below reuse threshold")
	}
}

func TestKnowledgeBasePersistAndRehydrate(t *testing.T) {
	store := hooks.NewMemoryPersistence()
	kb := newKnowledgeBase(store, nil)
	plan := Plan{Action: PlanRecomputeRoutes, Pattern: "high_latency"}
	for i := 0; i < 5; i++ {
		kb.update("high_latency", plan, Outcome{Success: true})
	}
	kb.persist()

	kb2 := newKnowledgeBase(store, nil)
	kb2.rehydrate()
	got, ok := kb2.lookup("high_latency")
	if !ok || got.Action != PlanRecomputeRoutes {
		t.Fatalf("expected rehydrated entry to be reusable, got %+v ok=%v", got, ok)
	}
}

type stubSessions struct {
	restartErr error
	rotateErr  error
	rotateCalls int
}

func (s *stubSessions) RestartSession(context.Context, identity.NodeID) error { return s.restartErr }
func (s *stubSessions) RotateKEMKey(context.Context, identity.NodeID) error {
	s.rotateCalls++
	return s.rotateErr
}

func TestExecutorRetriesRotateKEMKeyOnFailure(t *testing.T) {
	sessions := &stubSessions{rotateErr: errors.New("boom")}
	ex := NewExecutor(sessions, nil, nil, nil, nil)

	start := time.Now()
	outcome := ex.Execute(Plan{Action: PlanRotateKEMKey})
	elapsed := time.Since(start)

	if outcome.Success {
		t.Fatal("expected failure outcome")
	}
	if sessions.rotateCalls != len(retryBackoff)+1 {
		t.Fatalf("expected %d attempts, got %d", len(retryBackoff)+1, sessions.rotateCalls)
	}
	if elapsed < 2*time.Second {
		t.Fatalf("expected retries to honor backoff sequence, elapsed=%v", elapsed)
	}
}

func TestExecutorMissingCollaboratorFailsFast(t *testing.T) {
	ex := NewExecutor(nil, nil, nil, nil, nil)
	outcome := ex.Execute(Plan{Action: PlanQuarantinePeer})
	if outcome.Success {
		t.Fatal("expected failure when PeerTable collaborator is nil")
	}
}

type fakeMetrics struct {
	latencyP95     float64
	fallbackActive bool
}

func (m fakeMetrics) HandshakeFailureRate() float64  { return 0 }
func (m fakeMetrics) HandshakeLatencyP95MS() float64 { return m.latencyP95 }
func (m fakeMetrics) FallbackActive() bool           { return m.fallbackActive }
func (m fakeMetrics) TopologyChurnPerMin() float64   { return 0 }
func (m fakeMetrics) QuorumBacklog() int             { return 0 }

func TestLoopEntersDegradedAfterRepeatedRotateFailures(t *testing.T) {
	sessions := &stubSessions{rotateErr: errors.New("boom")}
	loop := New(Options{
		Metrics:  fakeMetrics{fallbackActive: true},
		Executor: NewExecutor(sessions, nil, nil, nil, nil),
		Clock:    hooks.SystemClock{},
	})
	// Force the fallback_active pattern (-> PlanRotateKEMKey) to exercise
	// the DEGRADED trip without waiting on the real tick interval.
	loop.detectors = []Detector{fallbackActiveDetector{}}

	for i := 0; i < MaxRotateKEMKeyFailures; i++ {
		loop.cycle()
	}

	if loop.State() != Degraded {
		t.Fatalf("expected loop to be DEGRADED after %d rotate failures, got %v", MaxRotateKEMKeyFailures, loop.State())
	}

	loop.ClearDegraded()
	if loop.State() != Idle {
		t.Fatalf("expected ClearDegraded to reset state to IDLE, got %v", loop.State())
	}
}

func TestLoopPlanForReusesConfidentKnowledgeBaseEntry(t *testing.T) {
	loop := New(Options{})
	peer := identity.NodeID("peer-c")
	for i := 0; i < 5; i++ {
		loop.kb.update("peer_oscillation", Plan{Action: PlanRequestPeerCheck, Pattern: "peer_oscillation"}, Outcome{Success: true})
	}
	plan := loop.planFor(Diagnosis{Pattern: "peer_oscillation", SuspectedPeer: peer})
	if plan.Action != PlanRequestPeerCheck {
		t.Fatalf("expected reused plan action %v, got %v", PlanRequestPeerCheck, plan.Action)
	}
	if plan.Peer != peer {
		t.Fatalf("expected reused plan to carry the diagnosed peer, got %v", plan.Peer)
	}
}

func TestLoopPlanForFallsBackToCatalogue(t *testing.T) {
	loop := New(Options{})
	plan := loop.planFor(Diagnosis{Pattern: "high_latency"})
	if plan.Action != PlanRecomputeRoutes {
		t.Fatalf("expected catalogue fallback to PlanRecomputeRoutes, got %v", plan.Action)
	}
}

func TestLoopStaysMonitorOnlyUntilDegradedCooldownElapses(t *testing.T) {
	sessions := &stubSessions{rotateErr: errors.New("boom")}
	loop := New(Options{
		Metrics:          fakeMetrics{fallbackActive: true},
		Executor:         NewExecutor(sessions, nil, nil, nil, nil),
		Clock:            hooks.SystemClock{},
		DegradedCooldown: 50 * time.Millisecond,
	})
	loop.detectors = []Detector{fallbackActiveDetector{}}

	for i := 0; i < MaxRotateKEMKeyFailures; i++ {
		loop.cycle()
	}
	if loop.State() != Degraded {
		t.Fatalf("expected DEGRADED after %d rotate failures, got %v", MaxRotateKEMKeyFailures, loop.State())
	}

	rotateCallsAtDegraded := sessions.rotateCalls
	loop.cycle() // still within cooldown: monitor-only, no further Execute
	if loop.State() != Degraded {
		t.Fatalf("expected DEGRADED to persist within cooldown, got %v", loop.State())
	}
	if sessions.rotateCalls != rotateCallsAtDegraded {
		t.Fatalf("expected no further rotate attempts during cooldown, calls went from %d to %d", rotateCallsAtDegraded, sessions.rotateCalls)
	}

	time.Sleep(60 * time.Millisecond)
	loop.cycle() // cooldown elapsed: should return to IDLE and resume normal cycling
	if loop.State() == Degraded {
		t.Fatal("expected loop to leave DEGRADED once the cooldown elapses")
	}
}
