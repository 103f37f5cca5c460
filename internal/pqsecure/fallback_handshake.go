package pqsecure

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"meshcore/internal/identity"
	"meshcore/internal/wire"
)

// pendingClassicalHandshake mirrors pendingClientHandshake for the
// classical fallback path.
type pendingClassicalHandshake struct {
	sharedSecret []byte
	payload      []byte
}

// ClientInitFallback begins a degraded, classically-authenticated
// handshake with peerID. Forbidden in production (spec.md §4.2).
func (m *Manager) ClientInitFallback(peerID identity.NodeID, reason string) (*wire.HandshakeInit, error) {
	if m.opts.Production {
		return nil, fmt.Errorf("pqsecure: client init fallback %s: %w", peerID, ErrFallbackForbidden)
	}

	peerKEMPub, ok := m.peerKeys.ClassicalKEMPublicKey(peerID)
	if !ok {
		return nil, fmt.Errorf("pqsecure: client init fallback %s: %w", peerID, ErrPeerUnknown)
	}

	ct, ss, err := classicalEncapsulate(peerKEMPub)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: client init fallback %s: %w", peerID, err)
	}

	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	payload := signedPayload(m.selfID, epoch, ct)
	sig := classicalSign(m.keys.ClassicalSigPrivate, payload)

	m.mu.Lock()
	if m.pendingClassical == nil {
		m.pendingClassical = make(map[identity.NodeID]*pendingClassicalHandshake)
	}
	m.pendingClassical[peerID] = &pendingClassicalHandshake{sharedSecret: ss, payload: payload}
	m.mu.Unlock()

	claim, err := m.ActivateFallback(peerID, reason)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: client init fallback %s: %w", peerID, err)
	}
	m.logger.Warn("classical fallback activated (client)", "peer", peerID, "claim_id", fmt.Sprintf("%x", claim.ClaimID[:]))

	init := &wire.HandshakeInit{Epoch: uint64(epoch), KEMCt: ct, Sig: sig}
	copy(init.ClientID[:], []byte(m.selfID))
	return init, nil
}

// ServerHandshakeFallback verifies a classically-signed HandshakeInit and,
// on success, commits a degraded session.
func (m *Manager) ServerHandshakeFallback(init *wire.HandshakeInit, reason string) (*Session, error) {
	if m.opts.Production {
		return nil, fmt.Errorf("pqsecure: server handshake fallback: %w", ErrFallbackForbidden)
	}

	clientID := identity.NodeID(trimTrailingZero(init.ClientID[:]))

	sigPubBytes, ok := m.peerKeys.ClassicalSigPublicKey(clientID)
	if !ok {
		return nil, fmt.Errorf("pqsecure: server handshake fallback %s: %w", clientID, ErrPeerUnknown)
	}
	sigPub, err := secp256k1.ParsePubKey(sigPubBytes)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: server handshake fallback %s: %w", clientID, ErrBadSig)
	}

	payload := signedPayload(clientID, identity.Epoch(init.Epoch), init.KEMCt)
	if !classicalVerify(sigPub, payload, init.Sig) {
		return nil, fmt.Errorf("pqsecure: server handshake fallback %s: %w", clientID, ErrBadSig)
	}

	ss, err := classicalDecapsulate(m.keys.ClassicalKEMPrivate, init.KEMCt)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: server handshake fallback %s: %w", clientID, err)
	}

	sessionKey, err := deriveSessionKey(ss)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: server handshake fallback %s: %w", clientID, err)
	}
	aead, err := newAEAD(m.opts.AEADAlgorithm, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: server handshake fallback %s: %w", clientID, err)
	}

	claim, err := m.ActivateFallback(clientID, reason)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: server handshake fallback %s: %w", clientID, err)
	}
	m.logger.Warn("classical fallback activated (server)", "peer", clientID, "claim_id", fmt.Sprintf("%x", claim.ClaimID[:]))

	sess := &Session{
		PeerID:    clientID,
		Epoch:     m.Epoch(),
		AEAD:      aead,
		Fallback:  true,
		createdMS: m.opts.Clock.NowMS(),
		ttlMS:     uint64(m.opts.SessionTTLSeconds) * 1000,
	}

	m.mu.Lock()
	m.sessions[clientID] = sess
	m.mu.Unlock()

	m.logger.Warn("pqsecure degraded session established (server)", "peer", clientID)
	return sess, nil
}

func trimTrailingZero(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}
