package mapek

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"meshcore/internal/identity"
)

// PlanAction identifies one entry in the fixed remediation catalogue named
// in spec.md §4.7 "P — Plan".
type PlanAction int

const (
	PlanNone PlanAction = iota
	PlanRestartPQCSession
	PlanQuarantinePeer
	PlanRotateKEMKey
	PlanRecomputeRoutes
	PlanReduceBeaconRate
	PlanRequestPeerCheck
)

func (a PlanAction) String() string {
	switch a {
	case PlanRestartPQCSession:
		return "restart_pqc_session"
	case PlanQuarantinePeer:
		return "quarantine_peer"
	case PlanRotateKEMKey:
		return "rotate_kem_key"
	case PlanRecomputeRoutes:
		return "recompute_routes"
	case PlanReduceBeaconRate:
		return "reduce_beacon_rate"
	case PlanRequestPeerCheck:
		return "request_peer_check"
	default:
		return "none"
	}
}

// Plan is a single catalogue-bound remediation, targeted at an optional
// peer and carrying a cost estimate used when the Knowledge Base compares
// a reused plan against a fresh catalogue lookup.
type Plan struct {
	Action  PlanAction
	Peer    identity.NodeID
	Pattern string
	Cost    float64
}

// catalogueCost estimates the disruption/expected cost of a catalogue
// action on a 0 (cheap, reversible) .. 1 (disruptive) scale, used by the
// Knowledge Base to bound plan reuse (spec.md §4.7 "bounded expected cost"
// condition on KB-plan reuse): a learned plan with a high cost is
// resynthesized fresh rather than replayed blindly, even at high confidence.
func catalogueCost(a PlanAction) float64 {
	switch a {
	case PlanReduceBeaconRate:
		return 0.1
	case PlanRecomputeRoutes, PlanRequestPeerCheck:
		return 0.2
	case PlanRestartPQCSession:
		return 0.4
	case PlanRotateKEMKey:
		return 0.6
	case PlanQuarantinePeer:
		return 0.9
	default:
		return 0
	}
}

// Outcome is the result of executing a Plan.
type Outcome struct {
	Success     bool
	Latency     time.Duration
	SideEffects []string
}

// SessionManager restarts or re-keys a PQSecure session with a peer.
type SessionManager interface {
	RestartSession(ctx context.Context, peer identity.NodeID) error
	RotateKEMKey(ctx context.Context, peer identity.NodeID) error
}

// PeerTable quarantines or requests a liveness check of a peer.
type PeerTable interface {
	Quarantine(peer identity.NodeID) error
	RequestCheck(peer identity.NodeID) error
}

// RouteInvalidator forces a router to recompute routes from fresh topology
// state.
type RouteInvalidator interface {
	InvalidateCache()
}

// BeaconThrottle backs off the beacon emission rate under pressure.
type BeaconThrottle interface {
	ReduceRate(factor float64)
}

// planStepTimeout bounds a single executor attempt (spec.md §4.7 Failure
// semantics).
const planStepTimeout = 2 * time.Second

// retryBackoff is the fixed session-restart/handshake-replay backoff
// sequence named in spec.md §4.7 Failure semantics.
var retryBackoff = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}

// Executor carries out Plans against the live mesh components. Each
// collaborator is optional; a Plan whose required collaborator is nil
// fails fast rather than panicking, since an incompletely wired Executor
// is a configuration error, not a runtime one.
type Executor struct {
	Sessions SessionManager
	Peers    PeerTable
	Routes   RouteInvalidator
	Beacons  BeaconThrottle
	logger   *slog.Logger
}

func NewExecutor(sessions SessionManager, peers PeerTable, routes RouteInvalidator, beacons BeaconThrottle, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{Sessions: sessions, Peers: peers, Routes: routes, Beacons: beacons, logger: logger.With("component", "mapek.executor")}
}

// Execute runs plan, retrying session-restart/rotate actions per the
// spec.md backoff sequence. Idempotency is achieved by the action's own
// target semantics (restarting an already-fresh session, quarantining an
// already-quarantined peer, and recomputing already-current routes are all
// no-ops at the collaborator).
func (ex *Executor) Execute(plan Plan) Outcome {
	start := time.Now()
	var lastErr error

	switch plan.Action {
	case PlanRestartPQCSession:
		lastErr = ex.retrying(func(ctx context.Context) error {
			if ex.Sessions == nil {
				return errNoCollaborator
			}
			return ex.Sessions.RestartSession(ctx, plan.Peer)
		})
	case PlanRotateKEMKey:
		lastErr = ex.retrying(func(ctx context.Context) error {
			if ex.Sessions == nil {
				return errNoCollaborator
			}
			return ex.Sessions.RotateKEMKey(ctx, plan.Peer)
		})
	case PlanQuarantinePeer:
		lastErr = ex.once(func(context.Context) error {
			if ex.Peers == nil {
				return errNoCollaborator
			}
			return ex.Peers.Quarantine(plan.Peer)
		})
	case PlanRequestPeerCheck:
		lastErr = ex.once(func(context.Context) error {
			if ex.Peers == nil {
				return errNoCollaborator
			}
			return ex.Peers.RequestCheck(plan.Peer)
		})
	case PlanRecomputeRoutes:
		lastErr = ex.once(func(context.Context) error {
			if ex.Routes == nil {
				return errNoCollaborator
			}
			ex.Routes.InvalidateCache()
			return nil
		})
	case PlanReduceBeaconRate:
		lastErr = ex.once(func(context.Context) error {
			if ex.Beacons == nil {
				return errNoCollaborator
			}
			ex.Beacons.ReduceRate(0.5)
			return nil
		})
	default:
		lastErr = errNoCollaborator
	}

	outcome := Outcome{Success: lastErr == nil, Latency: time.Since(start)}
	if lastErr != nil {
		ex.logger.Warn("plan execution failed", "action", plan.Action, "peer", plan.Peer, "error", lastErr)
		outcome.SideEffects = []string{lastErr.Error()}
	}
	return outcome
}

func (ex *Executor) once(step func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), planStepTimeout)
	defer cancel()
	return step(ctx)
}

func (ex *Executor) retrying(step func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = ex.once(step)
		if err == nil {
			return nil
		}
		if attempt >= len(retryBackoff) {
			return err
		}
		time.Sleep(retryBackoff[attempt])
	}
}

var errNoCollaborator = errors.New("mapek: executor missing required collaborator")
