package pqsecure

import (
	"sync"

	"meshcore/internal/identity"
)

// replayWindow tracks, per peer, the highest (epoch, nonce) accepted so
// far plus the last nonce of the previous epoch — preserved for
// clock_skew_max after an epoch rollover to reject late duplicates
// (spec.md §4.2).
type replayWindow struct {
	mu sync.Mutex

	lastSeen   map[identity.NodeID]identity.Freshness
	prevEpochLastNonce map[identity.NodeID]identity.Nonce
	prevEpochExpiresMS map[identity.NodeID]uint64
}

func newReplayWindow() *replayWindow {
	return &replayWindow{
		lastSeen:           make(map[identity.NodeID]identity.Freshness),
		prevEpochLastNonce: make(map[identity.NodeID]identity.Nonce),
		prevEpochExpiresMS: make(map[identity.NodeID]uint64),
	}
}

// accept validates freshness f from peer and, if valid, records it.
// clockSkewMaxMS bounds how long a just-rolled-over previous epoch's last
// nonce remains eligible to reject late duplicates; nowMS is the current
// time per the node's ClockHook.
func (w *replayWindow) accept(peer identity.NodeID, f identity.Freshness, nowMS uint64, clockSkewMaxMS uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	last, known := w.lastSeen[peer]
	if !known {
		w.lastSeen[peer] = f
		return nil
	}

	if f.Epoch == last.Epoch {
		if f.Nonce <= last.Nonce {
			return ErrReplay
		}
		w.lastSeen[peer] = f
		return nil
	}

	if f.Epoch < last.Epoch {
		// Possibly a late duplicate from the epoch just before the current
		// one, still within clock_skew_max.
		if f.Epoch == last.Epoch-1 {
			if expires, ok := w.prevEpochExpiresMS[peer]; ok && nowMS <= expires {
				if prevNonce, ok := w.prevEpochLastNonce[peer]; ok && f.Nonce <= prevNonce {
					return ErrReplay
				}
			}
		}
		return ErrEpochStale
	}

	// f.Epoch > last.Epoch: rollover. Preserve the outgoing epoch's last
	// nonce for clock_skew_max before resetting the window.
	w.prevEpochLastNonce[peer] = last.Nonce
	w.prevEpochExpiresMS[peer] = nowMS + clockSkewMaxMS
	w.lastSeen[peer] = f
	return nil
}

func (w *replayWindow) forget(peer identity.NodeID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.lastSeen, peer)
	delete(w.prevEpochLastNonce, peer)
	delete(w.prevEpochExpiresMS, peer)
}
