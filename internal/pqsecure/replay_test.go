package pqsecure

import (
	"testing"

	"meshcore/internal/identity"
)

func TestReplayWindowAcceptsFirstMessage(t *testing.T) {
	w := newReplayWindow()
	err := w.accept("peer-a", identity.Freshness{Epoch: 1, Nonce: 0}, 0, 2000)
	if err != nil {
		t.Fatalf("expected first message accepted, got %v", err)
	}
}

func TestReplayWindowRejectsDuplicateNonce(t *testing.T) {
	w := newReplayWindow()
	f := identity.Freshness{Epoch: 1, Nonce: 5}
	if err := w.accept("peer-a", f, 0, 2000); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := w.accept("peer-a", f, 0, 2000); err != ErrReplay {
		t.Errorf("err = %v, want ErrReplay", err)
	}
}

func TestReplayWindowRejectsLowerNonce(t *testing.T) {
	w := newReplayWindow()
	if err := w.accept("peer-a", identity.Freshness{Epoch: 1, Nonce: 5}, 0, 2000); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := w.accept("peer-a", identity.Freshness{Epoch: 1, Nonce: 3}, 0, 2000); err != ErrReplay {
		t.Errorf("err = %v, want ErrReplay", err)
	}
}

func TestReplayWindowAcceptsHigherNonceSameEpoch(t *testing.T) {
	w := newReplayWindow()
	if err := w.accept("peer-a", identity.Freshness{Epoch: 1, Nonce: 5}, 0, 2000); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := w.accept("peer-a", identity.Freshness{Epoch: 1, Nonce: 6}, 0, 2000); err != nil {
		t.Errorf("expected higher nonce accepted, got %v", err)
	}
}

func TestReplayWindowEpochRollover(t *testing.T) {
	w := newReplayWindow()
	if err := w.accept("peer-a", identity.Freshness{Epoch: 1, Nonce: 9}, 0, 2000); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := w.accept("peer-a", identity.Freshness{Epoch: 2, Nonce: 0}, 0, 2000); err != nil {
		t.Errorf("expected epoch rollover accepted, got %v", err)
	}
}

func TestReplayWindowRejectsStaleEpoch(t *testing.T) {
	w := newReplayWindow()
	if err := w.accept("peer-a", identity.Freshness{Epoch: 2, Nonce: 0}, 0, 2000); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := w.accept("peer-a", identity.Freshness{Epoch: 1, Nonce: 100}, 1000, 2000); err != ErrEpochStale {
		t.Errorf("err = %v, want ErrEpochStale", err)
	}
}

func TestReplayWindowLateDuplicateWithinClockSkew(t *testing.T) {
	w := newReplayWindow()
	if err := w.accept("peer-a", identity.Freshness{Epoch: 1, Nonce: 9}, 0, 2000); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := w.accept("peer-a", identity.Freshness{Epoch: 2, Nonce: 0}, 0, 2000); err != nil {
		t.Fatalf("rollover accept: %v", err)
	}
	// Late duplicate of the prior epoch's last nonce, still within skew window.
	if err := w.accept("peer-a", identity.Freshness{Epoch: 1, Nonce: 9}, 500, 2000); err != ErrReplay {
		t.Errorf("err = %v, want ErrReplay for late duplicate within clock skew", err)
	}
}

func TestReplayWindowIndependentPerPeer(t *testing.T) {
	w := newReplayWindow()
	if err := w.accept("peer-a", identity.Freshness{Epoch: 1, Nonce: 5}, 0, 2000); err != nil {
		t.Fatalf("peer-a accept: %v", err)
	}
	if err := w.accept("peer-b", identity.Freshness{Epoch: 1, Nonce: 0}, 0, 2000); err != nil {
		t.Errorf("peer-b first message should be independent of peer-a, got %v", err)
	}
}
