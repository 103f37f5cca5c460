// Package mapek implements the MAPE-K self-healing loop (spec.md §4.7):
// Monitor samples mesh health into a bounded observation window, Analyze
// runs a set of detectors over that window, Plan consults a Knowledge Base
// (falling back to a fixed catalogue), Execute runs plan steps with
// per-step timeouts and idempotency, and Learn updates the Knowledge Base
// by EWMA confidence.
package mapek

import (
	"log/slog"
	"sync"
	"time"

	"meshcore/internal/hooks"
	"meshcore/internal/identity"
)

const (
	DefaultTickInterval      = 5 * time.Second
	DefaultObservationWindow = 60 * time.Second
	DefaultKBPersistInterval = 5 * time.Minute
	DefaultDegradedCooldown  = 60 * time.Second
	DefaultMaxObservations   = 256
	DefaultMaxPeerEvents     = 1024

	LatencyTargetMS = 500.0

	// MaxRotateKEMKeyFailures is the number of consecutive RotateKEMKey
	// plan failures that trips the loop into DEGRADED (spec.md §4.7
	// "repeated failure of RotateKEMKey causes the loop to enter DEGRADED").
	MaxRotateKEMKeyFailures = 3
)

// State is the MAPE-K loop's own state machine (spec.md §4.7).
type State int

const (
	Idle State = iota
	Monitor
	Analyze
	Planning
	Execute
	Learn
	Degraded
)

func (s State) String() string {
	switch s {
	case Monitor:
		return "MONITOR"
	case Analyze:
		return "ANALYZE"
	case Planning:
		return "PLAN"
	case Execute:
		return "EXECUTE"
	case Learn:
		return "LEARN"
	case Degraded:
		return "DEGRADED"
	default:
		return "IDLE"
	}
}

// Observation is one normalized monitoring sample (spec.md §4.7 "M").
type Observation struct {
	SampledAtMS           uint64
	HandshakeFailureRate  float64
	HandshakeLatencyP95MS float64
	FallbackActive        bool
	TopologyChurnPerMin   float64
	QuorumBacklog         int
	CPUPercent            float64
	MemPercent            float64
}

// PeerEventType distinguishes the per-peer events pattern detectors look for.
type PeerEventType int

const (
	PeerStateChanged PeerEventType = iota
	PeerHandshakeFailed
)

// PeerEvent is a point event about one peer, fed in by the node orchestrator
// as it happens (peer state transitions, handshake failures) — finer
// grained than the periodic Observation vector, needed for the pattern
// detectors (spec.md §4.7 "oscillating peer state, repeated handshake
// failures from the same peer").
type PeerEvent struct {
	AtMS uint64
	Peer identity.NodeID
	Type PeerEventType
	State identity.PeerState // only meaningful for PeerStateChanged
}

// MetricsSource supplies the raw numbers the Monitor phase samples into an
// Observation, analogous to the teacher's StatsProvider but typed per
// spec.md §4.7's named metrics rather than a map[string]any grab-bag.
type MetricsSource interface {
	HandshakeFailureRate() float64
	HandshakeLatencyP95MS() float64
	FallbackActive() bool
	TopologyChurnPerMin() float64
	QuorumBacklog() int
}

// MLDetector is an optional anomaly-score detector (spec.md §4.7: "if not
// wired, treated as no signal").
type MLDetector interface {
	Score(window []Observation) (anomalyScore float64, ok bool)
}

// Diagnosis is produced by a firing detector.
type Diagnosis struct {
	Symptom       string
	Pattern       string
	SuspectedPeer identity.NodeID // zero value if not peer-specific
	Confidence    float64
}

// Detector inspects the observation/peer-event window and optionally fires
// a Diagnosis.
type Detector interface {
	Name() string
	Detect(window []Observation, peerEvents []PeerEvent, now uint64) *Diagnosis
}

// Options configures a Loop. Zero values take spec.md defaults.
type Options struct {
	TickInterval        time.Duration
	ObservationWindow   time.Duration
	KBPersistInterval   time.Duration
	DegradedCooldown    time.Duration
	MaxObservations     int
	MaxPeerEvents       int

	Metrics  MetricsSource
	Resource hooks.ResourceHook
	Executor *Executor
	ML       MLDetector

	Telemetry   hooks.TelemetryHook
	Persistence hooks.PersistenceHook
	Clock       hooks.ClockHook
	Logger      *slog.Logger
}

func (o *Options) setDefaults() {
	if o.TickInterval == 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.ObservationWindow == 0 {
		o.ObservationWindow = DefaultObservationWindow
	}
	if o.KBPersistInterval == 0 {
		o.KBPersistInterval = DefaultKBPersistInterval
	}
	if o.DegradedCooldown == 0 {
		o.DegradedCooldown = DefaultDegradedCooldown
	}
	if o.MaxObservations == 0 {
		o.MaxObservations = DefaultMaxObservations
	}
	if o.MaxPeerEvents == 0 {
		o.MaxPeerEvents = DefaultMaxPeerEvents
	}
	if o.Resource == nil {
		o.Resource = hooks.NullResourceHook{}
	}
	if o.Telemetry == nil {
		o.Telemetry = hooks.NullTelemetry{}
	}
	if o.Persistence == nil {
		o.Persistence = hooks.NewMemoryPersistence()
	}
	if o.Clock == nil {
		o.Clock = hooks.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Loop is one node's MAPE-K self-healing loop.
type Loop struct {
	opts      Options
	logger    *slog.Logger
	detectors []Detector
	kb        *KnowledgeBase

	mu                sync.Mutex
	state             State
	observations      []Observation
	peerEvents        []PeerEvent
	degradedSince     time.Time
	rotateKeyFailures int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Loop with the standard detector set (threshold +
// pattern), plus opts.ML if supplied.
func New(opts Options) *Loop {
	opts.setDefaults()
	l := &Loop{
		opts:   opts,
		logger: opts.Logger.With("component", "mapek"),
		kb:     newKnowledgeBase(opts.Persistence, opts.Logger),
		state:  Idle,
		stopCh: make(chan struct{}),
	}
	l.detectors = []Detector{
		latencyThresholdDetector{},
		fallbackActiveDetector{},
		oscillatingPeerStateDetector{},
		repeatedHandshakeFailureDetector{},
	}
	if opts.ML != nil {
		l.detectors = append(l.detectors, mlDetectorAdapter{opts.ML})
	}
	l.kb.rehydrate()
	return l
}

// Start begins the tick loop and the KB persistence loop.
func (l *Loop) Start() {
	l.wg.Add(2)
	go l.tickLoop()
	go l.persistLoop()
}

// Stop halts both background loops.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// State reports the loop's current phase, for telemetry/introspection.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RecordPeerEvent feeds a point-in-time peer event into the pattern
// detectors' window. Called by the node orchestrator as events occur.
func (l *Loop) RecordPeerEvent(ev PeerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peerEvents = append(l.peerEvents, ev)
	if len(l.peerEvents) > l.opts.MaxPeerEvents {
		l.peerEvents = l.peerEvents[len(l.peerEvents)-l.opts.MaxPeerEvents:]
	}
}

// ClearDegraded ends a DEGRADED episode early (spec.md §4.7: "cleared by
// operator hook or after a cooldown").
func (l *Loop) ClearDegraded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Degraded {
		l.state = Idle
		l.rotateKeyFailures = 0
		l.logger.Info("DEGRADED cleared by operator")
	}
}

func (l *Loop) tickLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cycle()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loop) persistLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.KBPersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.kb.persist()
		case <-l.stopCh:
			l.kb.persist()
			return
		}
	}
}

func (l *Loop) cycle() {
	nowMS := l.opts.Clock.NowMS()

	l.mu.Lock()
	wasDegraded := l.state == Degraded
	since := l.degradedSince
	l.mu.Unlock()

	l.setState(Monitor)
	obs := l.monitor(nowMS)
	l.appendObservation(obs)

	if wasDegraded {
		if time.Since(since) >= l.opts.DegradedCooldown {
			l.setState(Idle)
			l.mu.Lock()
			l.rotateKeyFailures = 0 // cooldown grants one fresh attempt
			l.mu.Unlock()
		} else {
			return // Monitor-only while DEGRADED, per spec.md §4.7.
		}
	}

	l.setState(Analyze)
	diagnosis := l.analyze(nowMS)
	if diagnosis == nil {
		l.setState(Idle)
		return
	}
	l.opts.Telemetry.Emit("mapek_diagnosis", map[string]string{"pattern": diagnosis.Pattern}, diagnosis.Confidence)

	l.setState(Planning)
	plan := l.planFor(*diagnosis)

	l.setState(Execute)
	outcome := l.opts.Executor.Execute(plan)
	if plan.Action == PlanRotateKEMKey {
		l.mu.Lock()
		if outcome.Success {
			l.rotateKeyFailures = 0
		} else {
			l.rotateKeyFailures++
			if l.rotateKeyFailures >= MaxRotateKEMKeyFailures {
				l.state = Degraded
				l.degradedSince = time.Now()
				l.logger.Error("entering DEGRADED: repeated RotateKEMKey failure", "failures", l.rotateKeyFailures)
			}
		}
		l.mu.Unlock()
	}

	l.setState(Learn)
	l.kb.update(diagnosis.Pattern, plan, outcome)

	l.mu.Lock()
	if l.state != Degraded {
		l.state = Idle
	}
	l.mu.Unlock()
}

// planFor consults the Knowledge Base before falling back to the fixed
// catalogue (spec.md §4.7 "P"): a pattern with KB confidence at or above
// ReuseConfidenceThreshold and a learned plan cost at or below MaxReuseCost
// reuses its learned plan, retargeted at the diagnosed peer; otherwise a
// fresh plan is synthesized from the catalogue mapping below.
func (l *Loop) planFor(d Diagnosis) Plan {
	if p, ok := l.kb.lookup(d.Pattern); ok {
		p.Peer = d.SuspectedPeer
		return p
	}

	plan := Plan{Pattern: d.Pattern, Peer: d.SuspectedPeer}
	switch d.Pattern {
	case "high_latency":
		plan.Action = PlanRecomputeRoutes
	case "fallback_active":
		plan.Action = PlanRotateKEMKey
	case "peer_oscillation":
		plan.Action = PlanQuarantinePeer
	case "repeated_handshake_failure":
		plan.Action = PlanRestartPQCSession
	case "ml_anomaly":
		plan.Action = PlanRequestPeerCheck
	default:
		plan.Action = PlanReduceBeaconRate
	}
	plan.Cost = catalogueCost(plan.Action)
	return plan
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	if l.state != Degraded || s == Idle {
		l.state = s
	}
	l.mu.Unlock()
}

func (l *Loop) monitor(nowMS uint64) Observation {
	m := l.opts.Metrics
	cpu, mem := l.opts.Resource.Sample()
	obs := Observation{SampledAtMS: nowMS, CPUPercent: cpu, MemPercent: mem}
	if m != nil {
		obs.HandshakeFailureRate = m.HandshakeFailureRate()
		obs.HandshakeLatencyP95MS = m.HandshakeLatencyP95MS()
		obs.FallbackActive = m.FallbackActive()
		obs.TopologyChurnPerMin = m.TopologyChurnPerMin()
		obs.QuorumBacklog = m.QuorumBacklog()
	}
	return obs
}

func (l *Loop) appendObservation(obs Observation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observations = append(l.observations, obs)
	if len(l.observations) > l.opts.MaxObservations {
		l.observations = l.observations[len(l.observations)-l.opts.MaxObservations:]
	}
}

func (l *Loop) windowSince(nowMS uint64) ([]Observation, []PeerEvent) {
	cutoff := uint64(0)
	windowMS := uint64(l.opts.ObservationWindow / time.Millisecond)
	if nowMS > windowMS {
		cutoff = nowMS - windowMS
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	obs := make([]Observation, 0, len(l.observations))
	for _, o := range l.observations {
		if o.SampledAtMS >= cutoff {
			obs = append(obs, o)
		}
	}
	events := make([]PeerEvent, 0, len(l.peerEvents))
	for _, e := range l.peerEvents {
		if e.AtMS >= cutoff {
			events = append(events, e)
		}
	}
	return obs, events
}

func (l *Loop) analyze(nowMS uint64) *Diagnosis {
	obs, events := l.windowSince(nowMS)
	for _, d := range l.detectors {
		if diag := d.Detect(obs, events, nowMS); diag != nil {
			return diag
		}
	}
	return nil
}

type mlDetectorAdapter struct{ ml MLDetector }

func (mlDetectorAdapter) Name() string { return "ml" }

func (a mlDetectorAdapter) Detect(window []Observation, _ []PeerEvent, _ uint64) *Diagnosis {
	score, ok := a.ml.Score(window)
	if !ok || score < 0.5 {
		return nil
	}
	return &Diagnosis{Symptom: "ml anomaly score above threshold", Pattern: "ml_anomaly", Confidence: score}
}
