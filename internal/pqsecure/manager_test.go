package pqsecure

import (
	"testing"

	"meshcore/internal/identity"
	"meshcore/internal/wire"
)

type fakeClock struct{ ms uint64 }

func (c *fakeClock) NowMS() uint64 { return c.ms }

func setupPair(t *testing.T, production bool) (client, server *Manager, store *MemoryKeyStore) {
	t.Helper()
	store = NewMemoryKeyStore()

	clientID := identity.NodeID("client-1")
	serverID := identity.NodeID("server-1")

	clientMgr, err := NewManager(clientID, store, Options{Production: production})
	if err != nil {
		t.Fatalf("NewManager client: %v", err)
	}
	serverMgr, err := NewManager(serverID, store, Options{Production: production})
	if err != nil {
		t.Fatalf("NewManager server: %v", err)
	}

	kemPub, sigPub := clientMgr.LongTermPublicKeys()
	store.Register(clientID, sigPub, kemPub)
	kemPub, sigPub = serverMgr.LongTermPublicKeys()
	store.Register(serverID, sigPub, kemPub)

	t.Cleanup(func() {
		clientMgr.Close()
		serverMgr.Close()
	})

	return clientMgr, serverMgr, store
}

func TestHandshakeEndToEnd(t *testing.T) {
	client, server, _ := setupPair(t, true)

	init, err := client.ClientInit("server-1")
	if err != nil {
		t.Fatalf("ClientInit: %v", err)
	}

	resp, err := server.ServerHandshake(init)
	if err != nil {
		t.Fatalf("ServerHandshake: %v", err)
	}

	sess, err := client.ClientFinish("server-1", resp)
	if err != nil {
		t.Fatalf("ClientFinish: %v", err)
	}

	plaintext := []byte("hello over pqsecure")
	ciphertext, err := sess.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	serverSess, err := server.Session("client-1")
	if err != nil {
		t.Fatalf("server.Session: %v", err)
	}

	got, err := serverSess.Open(ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestHandshakeUnknownPeerRejected(t *testing.T) {
	store := NewMemoryKeyStore()
	client, err := NewManager("client-1", store, Options{Production: true})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer client.Close()

	_, err = client.ClientInit("ghost")
	if err == nil {
		t.Error("expected error initiating handshake with unknown peer")
	}
}

func TestHandshakeBadSignatureRejected(t *testing.T) {
	client, server, _ := setupPair(t, true)

	init, err := client.ClientInit("server-1")
	if err != nil {
		t.Fatalf("ClientInit: %v", err)
	}
	init.Sig[0] ^= 0xFF // corrupt signature

	if _, err := server.ServerHandshake(init); err == nil {
		t.Error("expected error for corrupted signature")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	store := NewMemoryKeyStore()
	m, err := NewManager("node-a", store, Options{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	msg := []byte("beacon payload")
	sig, err := m.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	_, sigPub := m.LongTermPublicKeys()
	if !m.VerifyDetached(sigPub, msg, sig) {
		t.Error("expected signature to verify")
	}
	if m.VerifyDetached(sigPub, []byte("tampered"), sig) {
		t.Error("expected signature over different message to fail")
	}
}

func TestActivateFallbackForbiddenInProduction(t *testing.T) {
	store := NewMemoryKeyStore()
	m, err := NewManager("node-a", store, Options{Production: true})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if _, err := m.ActivateFallback("peer-b", "kem unavailable"); err == nil {
		t.Error("expected fallback activation to fail in production")
	}
}

func TestActivateFallbackEmitsClaim(t *testing.T) {
	store := NewMemoryKeyStore()
	var claimed bool
	m, err := NewManager("node-a", store, Options{
		Production: false,
		OnFallbackClaim: func(c *wire.Claim) {
			claimed = true
			if c.ClaimType != wire.ClaimTypeFallbackActivated {
				t.Errorf("claim type = %d, want FallbackActivated", c.ClaimType)
			}
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if _, err := m.ActivateFallback("peer-b", "kem unavailable"); err != nil {
		t.Fatalf("ActivateFallback: %v", err)
	}
	if !claimed {
		t.Error("expected OnFallbackClaim to be invoked")
	}
}

func TestCheckFallbackTTLQuarantines(t *testing.T) {
	store := NewMemoryKeyStore()
	clock := &fakeClock{ms: 0}
	m, err := NewManager("node-a", store, Options{
		Production:         false,
		FallbackTTLSeconds: 10,
		Clock:              clock,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if _, err := m.ActivateFallback("peer-b", "test"); err != nil {
		t.Fatalf("ActivateFallback: %v", err)
	}

	clock.ms = 5_000
	if err := m.CheckFallbackTTL(); err != nil {
		t.Errorf("expected no quarantine yet, got %v", err)
	}

	clock.ms = 11_000
	if err := m.CheckFallbackTTL(); err == nil {
		t.Error("expected quarantine after ttl expiry")
	}
	if !m.Quarantined() {
		t.Error("expected Quarantined() to be true")
	}
}
