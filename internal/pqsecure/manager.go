// Package pqsecure implements the mutually-authenticated, confidential
// channel between mesh nodes described in spec.md §4.2: an ML-KEM-768 /
// ML-DSA-65 handshake, AEAD session traffic, per-peer anti-replay, a
// classical fallback path gated by a hard TTL, and timing-attack
// mitigation on every secret-dependent comparison.
package pqsecure

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"meshcore/internal/hooks"
	"meshcore/internal/identity"
	"meshcore/internal/wire"
)

// Options configures a Manager.
type Options struct {
	Production         bool
	AllowMockPQC       bool
	SessionTTLSeconds  int
	RekeyGraceSeconds  int
	ClockSkewMaxMS     uint64
	FallbackTTLSeconds int
	AEADAlgorithm      AEADAlgorithm
	Telemetry          hooks.TelemetryHook
	Clock              hooks.ClockHook
	OnFallbackClaim    func(*wire.Claim)
}

func (o *Options) setDefaults() {
	if o.SessionTTLSeconds <= 0 {
		o.SessionTTLSeconds = 3600
	}
	if o.RekeyGraceSeconds <= 0 {
		o.RekeyGraceSeconds = 600
	}
	if o.ClockSkewMaxMS == 0 {
		o.ClockSkewMaxMS = 2000
	}
	if o.FallbackTTLSeconds <= 0 {
		o.FallbackTTLSeconds = DefaultFallbackTTLSeconds
	}
	if o.AEADAlgorithm == "" {
		o.AEADAlgorithm = AEADAESGCM256
	}
	if o.Telemetry == nil {
		o.Telemetry = hooks.NullTelemetry{}
	}
	if o.Clock == nil {
		o.Clock = hooks.SystemClock{}
	}
}

// Manager owns a node's long-term PQSecure key material, its established
// sessions, and its view of peers' recorded keys.
type Manager struct {
	mu sync.RWMutex

	selfID identity.NodeID
	keys   *KeyPair
	epoch  identity.Epoch

	peerKeys PeerKeyStore
	sessions map[identity.NodeID]*Session
	replay   *replayWindow
	pool     *verifyPool
	pending  map[identity.NodeID]*pendingClientHandshake

	pendingClassical map[identity.NodeID]*pendingClassicalHandshake

	fallback    map[identity.NodeID]*fallbackState
	quarantined bool

	opts   Options
	logger *slog.Logger
}

// NewManager creates a Manager with freshly generated long-term keys.
func NewManager(selfID identity.NodeID, peerKeys PeerKeyStore, opts Options) (*Manager, error) {
	opts.setDefaults()

	keys, err := GenerateKeyPair(selfID)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: new manager: %w", err)
	}

	return &Manager{
		selfID:   selfID,
		keys:     keys,
		peerKeys: peerKeys,
		sessions: make(map[identity.NodeID]*Session),
		replay:   newReplayWindow(),
		pool:     newVerifyPool(),
		pending:          make(map[identity.NodeID]*pendingClientHandshake),
		pendingClassical: make(map[identity.NodeID]*pendingClassicalHandshake),
		fallback:         make(map[identity.NodeID]*fallbackState),
		opts:     opts,
		logger:   slog.Default().With("component", "pqsecure", "node_id", string(selfID)),
	}, nil
}

// Close releases the verification worker pool.
func (m *Manager) Close() {
	m.pool.Close()
}

// LongTermPublicKeys returns this node's KEM and signature public keys,
// to be advertised in beacons.
func (m *Manager) LongTermPublicKeys() (kemPub, sigPub []byte) {
	return m.keys.KEMPublic, m.keys.SigPublic
}

// Epoch returns the manager's current epoch.
func (m *Manager) Epoch() identity.Epoch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// RotateKeys generates new long-term PQ key material and bumps the epoch,
// per spec.md §4.2's key_rotation_interval. Sessions already negotiated
// under the prior epoch are left untouched and stay valid until their own
// session TTL expires; rotation does not cut them off after
// RekeyGraceSeconds, which nothing in this package reads.
func (m *Manager) RotateKeys() error {
	newKeys, err := GenerateKeyPair(m.selfID)
	if err != nil {
		return fmt.Errorf("pqsecure: rotate keys: %w", err)
	}

	m.mu.Lock()
	m.keys = newKeys
	m.epoch = m.epoch.Bump()
	m.mu.Unlock()

	m.logger.Info("pqsecure keys rotated", "epoch", m.epoch)
	return nil
}

// pendingClientHandshake holds the state a client needs to authenticate a
// server's response, between ClientInit and ClientFinish.
type pendingClientHandshake struct {
	sharedSecret []byte
	payload      []byte
}

func signedPayload(clientID identity.NodeID, epoch identity.Epoch, kemCt []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(clientID))
	var e [8]byte
	for i := 0; i < 8; i++ {
		e[7-i] = byte(epoch >> (8 * i))
	}
	buf.Write(e[:])
	buf.Write(kemCt)
	return buf.Bytes()
}

// ClientInit begins a handshake to peerID, whose KEM public key must
// already be known via the PeerKeyStore. It returns the wire message to
// send; the client, as encapsulator, already knows the shared secret at
// this point — the server's response only serves to authenticate the
// server — so the derived state is held internally until ClientFinish.
func (m *Manager) ClientInit(peerID identity.NodeID) (*wire.HandshakeInit, error) {
	peerKEMPub, ok := m.peerKeys.KEMPublicKey(peerID)
	if !ok {
		return nil, fmt.Errorf("pqsecure: client init %s: %w", peerID, ErrPeerUnknown)
	}

	var peerPK mlkem768.PublicKey
	if err := peerPK.Unpack(peerKEMPub); err != nil {
		return nil, fmt.Errorf("pqsecure: client init %s: %w", peerID, ErrKEMFail)
	}

	ct := make([]byte, mlkem768.CiphertextSize)
	ss := make([]byte, mlkem768.SharedKeySize)
	peerPK.EncapsulateTo(ct, ss, nil)

	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	payload := signedPayload(m.selfID, epoch, ct)
	sig, err := m.keys.sign(payload)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: client init %s: %w", peerID, err)
	}

	m.mu.Lock()
	m.pending[peerID] = &pendingClientHandshake{sharedSecret: ss, payload: payload}
	m.mu.Unlock()

	init := &wire.HandshakeInit{Epoch: uint64(epoch), KEMCt: ct, Sig: sig}
	copy(init.ClientID[:], []byte(m.selfID))
	return init, nil
}

// ServerHandshake verifies an incoming HandshakeInit and, on success,
// commits a session and returns the authenticating response.
func (m *Manager) ServerHandshake(init *wire.HandshakeInit) (*wire.HandshakeResp, error) {
	clientID := identity.NodeID(bytes.TrimRight(init.ClientID[:], "\x00"))

	sigPub, ok := m.peerKeys.SigPublicKey(clientID)
	if !ok {
		return nil, fmt.Errorf("pqsecure: server handshake %s: %w", clientID, ErrPeerUnknown)
	}

	payload := signedPayload(clientID, identity.Epoch(init.Epoch), init.KEMCt)
	if !m.pool.Verify(sigPub, payload, init.Sig) {
		return nil, fmt.Errorf("pqsecure: server handshake %s: %w", clientID, ErrBadSig)
	}

	var priv mlkem768.PrivateKey
	if err := priv.Unpack(m.keys.KEMPrivate); err != nil {
		return nil, fmt.Errorf("pqsecure: server handshake %s: %w", clientID, ErrKEMFail)
	}

	ss := make([]byte, mlkem768.SharedKeySize)
	priv.DecapsulateTo(ss, init.KEMCt)

	sessionKey, err := deriveSessionKey(ss)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: server handshake %s: %w", clientID, err)
	}

	aead, err := newAEAD(m.opts.AEADAlgorithm, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: server handshake %s: %w", clientID, err)
	}

	m.mu.Lock()
	epoch := m.epoch
	m.sessions[clientID] = &Session{
		PeerID:    clientID,
		Epoch:     epoch,
		AEAD:      aead,
		createdMS: m.opts.Clock.NowMS(),
		ttlMS:     uint64(m.opts.SessionTTLSeconds) * 1000,
	}
	m.mu.Unlock()

	transcript := sha256.Sum256(payload)
	ack := append([]byte("ack"), transcript[:]...)

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("pqsecure: server handshake %s: generate nonce: %w", clientID, err)
	}
	sealed := aead.Seal(nil, nonce, ack, nil)
	if len(sealed) < 16 {
		return nil, fmt.Errorf("pqsecure: server handshake %s: sealed output too short", clientID)
	}

	resp := &wire.HandshakeResp{Epoch: uint64(epoch)}
	copy(resp.ServerID[:], []byte(m.selfID))
	copy(resp.AEADNonce[:], nonce)
	copy(resp.AEADTag[:], sealed[len(sealed)-16:])
	resp.Ciphertext = sealed[:len(sealed)-16]

	m.logger.Info("pqsecure session established (server)", "peer", clientID)
	return resp, nil
}

// ClientFinish authenticates the server's response using the state saved by
// ClientInit, and commits the session on success.
func (m *Manager) ClientFinish(peerID identity.NodeID, resp *wire.HandshakeResp) (*Session, error) {
	m.mu.Lock()
	pending, ok := m.pending[peerID]
	delete(m.pending, peerID)
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("pqsecure: client finish %s: no pending handshake", peerID)
	}

	sessionKey, err := deriveSessionKey(pending.sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: client finish %s: %w", peerID, err)
	}

	aead, err := newAEAD(m.opts.AEADAlgorithm, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: client finish %s: %w", peerID, err)
	}

	full := append(append([]byte(nil), resp.Ciphertext...), resp.AEADTag[:]...)
	plaintext, err := aead.Open(nil, resp.AEADNonce[:], full, nil)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: client finish %s: %w", peerID, ErrBadSig)
	}

	expectedHash := sha256.Sum256(pending.payload)
	if !constantTimeEqual(plaintext, append([]byte("ack"), expectedHash[:]...)) {
		return nil, fmt.Errorf("pqsecure: client finish %s: transcript mismatch: %w", peerID, ErrBadSig)
	}

	sess := &Session{
		PeerID:    peerID,
		Epoch:     identity.Epoch(resp.Epoch),
		AEAD:      aead,
		createdMS: m.opts.Clock.NowMS(),
		ttlMS:     uint64(m.opts.SessionTTLSeconds) * 1000,
	}

	m.mu.Lock()
	m.sessions[peerID] = sess
	m.mu.Unlock()

	m.logger.Info("pqsecure session established (client)", "peer", peerID)
	return sess, nil
}

// Session returns the established session with peerID, if any and unexpired.
func (m *Manager) Session(peerID identity.NodeID) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[peerID]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("pqsecure: session %s: %w", peerID, ErrNoSession)
	}
	if sess.Expired(m.opts.Clock.NowMS()) {
		return nil, fmt.Errorf("pqsecure: session %s: %w", peerID, ErrSessionExpired)
	}
	return sess, nil
}

// ForgetSession drops any established session with peerID and its replay
// state, forcing the next exchange to run a fresh handshake. Used by the
// MAPE-K executor's RestartPQCSession plan.
func (m *Manager) ForgetSession(peerID identity.NodeID) {
	m.mu.Lock()
	delete(m.sessions, peerID)
	delete(m.pending, peerID)
	delete(m.pendingClassical, peerID)
	m.mu.Unlock()
	m.replay.forget(peerID)
}

// CheckFreshness validates and records (epoch, nonce) for an authenticated
// message from peerID, per spec.md §4.2's anti-replay rule.
func (m *Manager) CheckFreshness(peerID identity.NodeID, f identity.Freshness) error {
	return m.replay.accept(peerID, f, m.opts.Clock.NowMS(), m.opts.ClockSkewMaxMS)
}

// VerifyDetached verifies a detached ML-DSA-65 signature using the pool,
// applying calibrated timing noise.
func (m *Manager) VerifyDetached(pubKey, msg, sig []byte) bool {
	return m.pool.Verify(pubKey, msg, sig)
}

// Sign produces a detached ML-DSA-65 signature under this node's long-term
// key (used for beacon and claim signatures, not just handshakes).
func (m *Manager) Sign(msg []byte) ([]byte, error) {
	return m.keys.sign(msg)
}

// ActivateFallback records that this node has degraded to the classical
// fallback path with peerID. It is forbidden in production. Returns the
// Claim that must be gossiped before traffic flows, per spec.md §4.2(a).
func (m *Manager) ActivateFallback(peerID identity.NodeID, reason string) (*wire.Claim, error) {
	if m.opts.Production {
		return nil, fmt.Errorf("pqsecure: activate fallback with %s: %w", peerID, ErrFallbackForbidden)
	}

	m.mu.Lock()
	if m.quarantined {
		m.mu.Unlock()
		return nil, fmt.Errorf("pqsecure: activate fallback with %s: %w", peerID, ErrFallbackTTLExpired)
	}
	m.fallback[peerID] = &fallbackState{active: true, activatedMS: m.opts.Clock.NowMS()}
	m.mu.Unlock()

	m.opts.Telemetry.Emit("pqsecure_fallback_activated", map[string]string{"peer": string(peerID), "reason": reason}, 1)
	claim := newFallbackClaim(m.selfID, peerID, reason)
	if m.opts.OnFallbackClaim != nil {
		m.opts.OnFallbackClaim(claim)
	}
	return claim, nil
}

// CheckFallbackTTL quarantines the node if any active fallback has outlived
// FallbackTTLSeconds. Polled by the mesh node's stale-peer sweep loop.
func (m *Manager) CheckFallbackTTL() error {
	now := m.opts.Clock.NowMS()
	ttlMS := uint64(m.opts.FallbackTTLSeconds) * 1000

	m.mu.Lock()
	defer m.mu.Unlock()

	for peer, fs := range m.fallback {
		if fs.active && now > fs.activatedMS+ttlMS {
			m.quarantined = true
			m.logger.Warn("fallback ttl expired, self-quarantining", "peer", peer)
			return ErrFallbackTTLExpired
		}
	}
	return nil
}

// Quarantined reports whether this node has self-quarantined due to an
// expired fallback TTL.
func (m *Manager) Quarantined() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quarantined
}
