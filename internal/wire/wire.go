// Package wire implements the canonical, length-prefixed binary frame
// formats for beacons, PQSecure handshakes, and claims (spec.md §6). All
// multi-byte integers are big-endian; every frame starts with a version
// byte. Field ordering is fixed so that signatures are computed and
// verified over an unambiguous byte string.
package wire

import (
	"encoding/binary"
	"fmt"
)

const Version = 1

// FrameKind tags the outermost byte of every datagram sent over transport,
// so a single UDP socket can multiplex beacon, handshake, and claim traffic
// (mirrors the teacher's discovery message-type enum, generalized beyond
// a single message family).
type FrameKind byte

const (
	FrameKindBeacon FrameKind = iota + 1
	FrameKindHandshakeInit
	FrameKindHandshakeResp
	FrameKindClaim
)

// Envelope prepends kind to payload for transmission over transport.Send.
func Envelope(kind FrameKind, payload []byte) []byte {
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, byte(kind))
	return append(buf, payload...)
}

// DecodeEnvelope splits a received datagram into its kind and payload.
func DecodeEnvelope(data []byte) (FrameKind, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("wire: empty frame")
	}
	return FrameKind(data[0]), data[1:], nil
}

// Edge is one advertised neighbor edge in a Beacon frame.
type Edge struct {
	DstID      [16]byte
	CostMicros uint32
}

// Beacon is the atomic discovery/liveness record (spec.md §3, §6).
type Beacon struct {
	NodeID        [16]byte
	Epoch         uint64
	Nonce         uint64
	TimestampMS   uint64
	Edges         []Edge
	Capabilities  []byte // opaque small tag blob, e.g. comma-joined tags
	SigPubKey     []byte
	KEMPubKey     []byte
	Signature     []byte
}

// EncodeUnsigned returns the canonical byte serialization of every field
// except Signature — the bytes a signature is computed and verified over.
func (b *Beacon) EncodeUnsigned() []byte {
	size := 1 + 16 + 8 + 8 + 8 + 2 + len(b.Edges)*20 + 2 + len(b.Capabilities) +
		2 + len(b.SigPubKey) + 2 + len(b.KEMPubKey)
	buf := make([]byte, 0, size)
	buf = append(buf, Version)
	buf = append(buf, b.NodeID[:]...)
	buf = appendU64(buf, b.Epoch)
	buf = appendU64(buf, b.Nonce)
	buf = appendU64(buf, b.TimestampMS)
	buf = appendU16(buf, uint16(len(b.Edges)))
	for _, e := range b.Edges {
		buf = append(buf, e.DstID[:]...)
		buf = appendU32(buf, e.CostMicros)
	}
	buf = appendU16(buf, uint16(len(b.Capabilities)))
	buf = append(buf, b.Capabilities...)
	buf = appendU16(buf, uint16(len(b.SigPubKey)))
	buf = append(buf, b.SigPubKey...)
	buf = appendU16(buf, uint16(len(b.KEMPubKey)))
	buf = append(buf, b.KEMPubKey...)
	return buf
}

// Encode returns the full frame, including the trailing signature.
func (b *Beacon) Encode() []byte {
	unsigned := b.EncodeUnsigned()
	buf := make([]byte, 0, len(unsigned)+2+len(b.Signature))
	buf = append(buf, unsigned...)
	buf = appendU16(buf, uint16(len(b.Signature)))
	buf = append(buf, b.Signature...)
	return buf
}

// DecodeBeacon parses a full beacon frame produced by Encode.
func DecodeBeacon(data []byte) (*Beacon, error) {
	r := &reader{buf: data}
	v, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("wire: beacon version: %w", err)
	}
	if v != Version {
		return nil, fmt.Errorf("wire: beacon unsupported version %d", v)
	}

	b := &Beacon{}
	nodeID, err := r.fixed(16)
	if err != nil {
		return nil, fmt.Errorf("wire: beacon node_id: %w", err)
	}
	copy(b.NodeID[:], nodeID)

	if b.Epoch, err = r.u64(); err != nil {
		return nil, fmt.Errorf("wire: beacon epoch: %w", err)
	}
	if b.Nonce, err = r.u64(); err != nil {
		return nil, fmt.Errorf("wire: beacon nonce: %w", err)
	}
	if b.TimestampMS, err = r.u64(); err != nil {
		return nil, fmt.Errorf("wire: beacon timestamp: %w", err)
	}

	nEdges, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("wire: beacon n_edges: %w", err)
	}
	b.Edges = make([]Edge, nEdges)
	for i := range b.Edges {
		dst, err := r.fixed(16)
		if err != nil {
			return nil, fmt.Errorf("wire: beacon edge[%d] dst: %w", i, err)
		}
		copy(b.Edges[i].DstID[:], dst)
		cost, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("wire: beacon edge[%d] cost: %w", i, err)
		}
		b.Edges[i].CostMicros = cost
	}

	if b.Capabilities, err = r.lenPrefixed16(); err != nil {
		return nil, fmt.Errorf("wire: beacon capabilities: %w", err)
	}
	if b.SigPubKey, err = r.lenPrefixed16(); err != nil {
		return nil, fmt.Errorf("wire: beacon sig_pubkey: %w", err)
	}
	if b.KEMPubKey, err = r.lenPrefixed16(); err != nil {
		return nil, fmt.Errorf("wire: beacon kem_pubkey: %w", err)
	}
	if b.Signature, err = r.lenPrefixed16(); err != nil {
		return nil, fmt.Errorf("wire: beacon signature: %w", err)
	}

	return b, nil
}

// HandshakeInit is the PQSecure handshake's first (client→server) message.
type HandshakeInit struct {
	ClientID [16]byte
	Epoch    uint64
	KEMCt    []byte
	Sig      []byte
}

func (h *HandshakeInit) Encode() []byte {
	buf := make([]byte, 0, 1+16+8+2+len(h.KEMCt)+2+len(h.Sig))
	buf = append(buf, Version)
	buf = append(buf, h.ClientID[:]...)
	buf = appendU64(buf, h.Epoch)
	buf = appendU16(buf, uint16(len(h.KEMCt)))
	buf = append(buf, h.KEMCt...)
	buf = appendU16(buf, uint16(len(h.Sig)))
	buf = append(buf, h.Sig...)
	return buf
}

func DecodeHandshakeInit(data []byte) (*HandshakeInit, error) {
	r := &reader{buf: data}
	v, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("wire: handshake init version: %w", err)
	}
	if v != Version {
		return nil, fmt.Errorf("wire: handshake init unsupported version %d", v)
	}
	h := &HandshakeInit{}
	id, err := r.fixed(16)
	if err != nil {
		return nil, fmt.Errorf("wire: handshake init client_id: %w", err)
	}
	copy(h.ClientID[:], id)
	if h.Epoch, err = r.u64(); err != nil {
		return nil, fmt.Errorf("wire: handshake init epoch: %w", err)
	}
	if h.KEMCt, err = r.lenPrefixed16(); err != nil {
		return nil, fmt.Errorf("wire: handshake init kem_ct: %w", err)
	}
	if h.Sig, err = r.lenPrefixed16(); err != nil {
		return nil, fmt.Errorf("wire: handshake init sig: %w", err)
	}
	return h, nil
}

// HandshakeResp is the server's response.
type HandshakeResp struct {
	ServerID   [16]byte
	Epoch      uint64
	AEADNonce  [12]byte
	AEADTag    [16]byte
	Ciphertext []byte
}

func (h *HandshakeResp) Encode() []byte {
	buf := make([]byte, 0, 1+16+8+12+16+len(h.Ciphertext))
	buf = append(buf, Version)
	buf = append(buf, h.ServerID[:]...)
	buf = appendU64(buf, h.Epoch)
	buf = append(buf, h.AEADNonce[:]...)
	buf = append(buf, h.AEADTag[:]...)
	buf = append(buf, h.Ciphertext...)
	return buf
}

func DecodeHandshakeResp(data []byte) (*HandshakeResp, error) {
	r := &reader{buf: data}
	v, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("wire: handshake resp version: %w", err)
	}
	if v != Version {
		return nil, fmt.Errorf("wire: handshake resp unsupported version %d", v)
	}
	h := &HandshakeResp{}
	id, err := r.fixed(16)
	if err != nil {
		return nil, fmt.Errorf("wire: handshake resp server_id: %w", err)
	}
	copy(h.ServerID[:], id)
	if h.Epoch, err = r.u64(); err != nil {
		return nil, fmt.Errorf("wire: handshake resp epoch: %w", err)
	}
	nonce, err := r.fixed(12)
	if err != nil {
		return nil, fmt.Errorf("wire: handshake resp aead_nonce: %w", err)
	}
	copy(h.AEADNonce[:], nonce)
	tag, err := r.fixed(16)
	if err != nil {
		return nil, fmt.Errorf("wire: handshake resp aead_tag: %w", err)
	}
	copy(h.AEADTag[:], tag)
	h.Ciphertext = append([]byte(nil), r.rest()...)
	return h, nil
}

// Endorsement is one signer's endorsement of a Claim.
type Endorsement struct {
	SignerID [16]byte
	Sig      []byte
}

// Claim is a gossiped, quorum-validated assertion (spec.md §3, §6).
type Claim struct {
	ClaimType    byte
	ClaimID      [32]byte
	Target       [16]byte
	Payload      []byte
	Endorsements []Endorsement
}

const (
	ClaimTypeNodeFailure byte = iota + 1
	ClaimTypeRevocation
	ClaimTypeConfigChange
	ClaimTypeFallbackActivated
	// ClaimTypeIntroduction vouches for a new NodeID's long-term keys,
	// gating the beacon engine's trust-on-first-use path (spec.md §4.3
	// step 4): a beacon from an unrecognized sender is only honored once
	// an Introduction claim for it has reached quorum from existing
	// HEALTHY peers.
	ClaimTypeIntroduction
)

func (c *Claim) Encode() []byte {
	size := 1 + 1 + 32 + 16 + 2 + len(c.Payload) + 2
	for _, e := range c.Endorsements {
		size += 16 + 2 + len(e.Sig)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, Version)
	buf = append(buf, c.ClaimType)
	buf = append(buf, c.ClaimID[:]...)
	buf = append(buf, c.Target[:]...)
	buf = appendU16(buf, uint16(len(c.Payload)))
	buf = append(buf, c.Payload...)
	buf = appendU16(buf, uint16(len(c.Endorsements)))
	for _, e := range c.Endorsements {
		buf = append(buf, e.SignerID[:]...)
		buf = appendU16(buf, uint16(len(e.Sig)))
		buf = append(buf, e.Sig...)
	}
	return buf
}

func DecodeClaim(data []byte) (*Claim, error) {
	r := &reader{buf: data}
	v, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("wire: claim version: %w", err)
	}
	if v != Version {
		return nil, fmt.Errorf("wire: claim unsupported version %d", v)
	}
	c := &Claim{}
	if c.ClaimType, err = r.byte(); err != nil {
		return nil, fmt.Errorf("wire: claim type: %w", err)
	}
	id, err := r.fixed(32)
	if err != nil {
		return nil, fmt.Errorf("wire: claim id: %w", err)
	}
	copy(c.ClaimID[:], id)
	target, err := r.fixed(16)
	if err != nil {
		return nil, fmt.Errorf("wire: claim target: %w", err)
	}
	copy(c.Target[:], target)
	if c.Payload, err = r.lenPrefixed16(); err != nil {
		return nil, fmt.Errorf("wire: claim payload: %w", err)
	}
	nSigs, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("wire: claim n_sigs: %w", err)
	}
	c.Endorsements = make([]Endorsement, nSigs)
	for i := range c.Endorsements {
		signer, err := r.fixed(16)
		if err != nil {
			return nil, fmt.Errorf("wire: claim endorsement[%d] signer: %w", i, err)
		}
		copy(c.Endorsements[i].SignerID[:], signer)
		sig, err := r.lenPrefixed16()
		if err != nil {
			return nil, fmt.Errorf("wire: claim endorsement[%d] sig: %w", i, err)
		}
		c.Endorsements[i].Sig = sig
	}
	return c, nil
}

// --- low-level append/read helpers ---

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, fmt.Errorf("truncated")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) fixed(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("truncated")
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.fixed(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.fixed(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.fixed(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) lenPrefixed16() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	b, err := r.fixed(int(n))
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

func (r *reader) rest() []byte {
	return r.buf[r.pos:]
}
