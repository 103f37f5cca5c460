package mapek

import "meshcore/internal/identity"

const (
	// oscillationWindowCount is the number of state-change events from the
	// same peer within the observation window that counts as oscillation.
	oscillationWindowCount = 3
	// repeatedFailureCount is the number of handshake failures from the
	// same peer within the observation window that counts as repeated.
	repeatedFailureCount = 3
)

type latencyThresholdDetector struct{}

func (latencyThresholdDetector) Name() string { return "latency_threshold" }

func (latencyThresholdDetector) Detect(window []Observation, _ []PeerEvent, _ uint64) *Diagnosis {
	if len(window) == 0 {
		return nil
	}
	latest := window[len(window)-1]
	if latest.HandshakeLatencyP95MS <= LatencyTargetMS {
		return nil
	}
	return &Diagnosis{
		Symptom:    "handshake latency p95 above target",
		Pattern:    "high_latency",
		Confidence: 0.8,
	}
}

type fallbackActiveDetector struct{}

func (fallbackActiveDetector) Name() string { return "fallback_active" }

func (fallbackActiveDetector) Detect(window []Observation, _ []PeerEvent, _ uint64) *Diagnosis {
	if len(window) == 0 {
		return nil
	}
	if !window[len(window)-1].FallbackActive {
		return nil
	}
	return &Diagnosis{
		Symptom:    "classical fallback active",
		Pattern:    "fallback_active",
		Confidence: 0.9,
	}
}

type oscillatingPeerStateDetector struct{}

func (oscillatingPeerStateDetector) Name() string { return "oscillating_peer_state" }

func (oscillatingPeerStateDetector) Detect(_ []Observation, events []PeerEvent, _ uint64) *Diagnosis {
	counts := make(map[identity.NodeID]int)
	for _, e := range events {
		if e.Type != PeerStateChanged {
			continue
		}
		counts[e.Peer]++
	}
	for peer, n := range counts {
		if n >= oscillationWindowCount {
			return &Diagnosis{
				Symptom:       "peer oscillating between states",
				Pattern:       "peer_oscillation",
				SuspectedPeer: peer,
				Confidence:    0.7,
			}
		}
	}
	return nil
}

type repeatedHandshakeFailureDetector struct{}

func (repeatedHandshakeFailureDetector) Name() string { return "repeated_handshake_failure" }

func (repeatedHandshakeFailureDetector) Detect(_ []Observation, events []PeerEvent, _ uint64) *Diagnosis {
	counts := make(map[identity.NodeID]int)
	for _, e := range events {
		if e.Type != PeerHandshakeFailed {
			continue
		}
		counts[e.Peer]++
	}
	for peer, n := range counts {
		if n >= repeatedFailureCount {
			return &Diagnosis{
				Symptom:       "repeated handshake failures from the same peer",
				Pattern:       "repeated_handshake_failure",
				SuspectedPeer: peer,
				Confidence:    0.75,
			}
		}
	}
	return nil
}
