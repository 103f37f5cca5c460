package wire

import "testing"

func TestBeaconRoundTrip(t *testing.T) {
	b := &Beacon{
		Epoch:       3,
		Nonce:       42,
		TimestampMS: 1_700_000_000_000,
		Edges: []Edge{
			{CostMicros: 1200},
			{CostMicros: 900},
		},
		Capabilities: []byte("relay,quorum"),
		SigPubKey:    []byte("sig-pub-key-bytes"),
		KEMPubKey:    []byte("kem-pub-key-bytes"),
	}
	for i := range b.NodeID {
		b.NodeID[i] = byte(i)
	}
	for i := range b.Edges {
		for j := range b.Edges[i].DstID {
			b.Edges[i].DstID[j] = byte(i*16 + j)
		}
	}
	b.Signature = []byte("signature-bytes")

	got, err := DecodeBeacon(b.Encode())
	if err != nil {
		t.Fatalf("DecodeBeacon: %v", err)
	}
	if got.Epoch != b.Epoch || got.Nonce != b.Nonce || got.TimestampMS != b.TimestampMS {
		t.Errorf("scalar fields mismatch: got %+v", got)
	}
	if len(got.Edges) != len(b.Edges) {
		t.Fatalf("edges len = %d, want %d", len(got.Edges), len(b.Edges))
	}
	for i := range b.Edges {
		if got.Edges[i] != b.Edges[i] {
			t.Errorf("edge[%d] = %+v, want %+v", i, got.Edges[i], b.Edges[i])
		}
	}
	if string(got.Capabilities) != string(b.Capabilities) {
		t.Errorf("capabilities = %q, want %q", got.Capabilities, b.Capabilities)
	}
	if string(got.SigPubKey) != string(b.SigPubKey) {
		t.Errorf("sig pubkey mismatch")
	}
	if string(got.KEMPubKey) != string(b.KEMPubKey) {
		t.Errorf("kem pubkey mismatch")
	}
	if string(got.Signature) != string(b.Signature) {
		t.Errorf("signature mismatch")
	}
}

func TestBeaconEncodeUnsignedExcludesSignature(t *testing.T) {
	b := &Beacon{Epoch: 1, SigPubKey: []byte("k")}
	a := b.EncodeUnsigned()
	b.Signature = []byte("unrelated-change")
	c := b.EncodeUnsigned()
	if string(a) != string(c) {
		t.Error("EncodeUnsigned must not depend on Signature")
	}
}

func TestDecodeBeaconTruncated(t *testing.T) {
	b := &Beacon{SigPubKey: []byte("k"), Signature: []byte("s")}
	full := b.Encode()
	if _, err := DecodeBeacon(full[:len(full)-3]); err == nil {
		t.Error("expected error decoding truncated beacon")
	}
}

func TestDecodeBeaconBadVersion(t *testing.T) {
	data := []byte{99}
	if _, err := DecodeBeacon(data); err == nil {
		t.Error("expected error for unsupported version")
	}
}

func TestHandshakeInitRoundTrip(t *testing.T) {
	h := &HandshakeInit{
		Epoch: 7,
		KEMCt: []byte("ciphertext-bytes"),
		Sig:   []byte("sig-bytes"),
	}
	h.ClientID[0] = 0xAB

	got, err := DecodeHandshakeInit(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHandshakeInit: %v", err)
	}
	if got.ClientID != h.ClientID || got.Epoch != h.Epoch {
		t.Errorf("fields mismatch: %+v", got)
	}
	if string(got.KEMCt) != string(h.KEMCt) || string(got.Sig) != string(h.Sig) {
		t.Error("byte fields mismatch")
	}
}

func TestHandshakeRespRoundTrip(t *testing.T) {
	h := &HandshakeResp{
		Epoch:      9,
		Ciphertext: []byte("encrypted-session-blob"),
	}
	h.ServerID[1] = 0xCD
	h.AEADNonce[0] = 1
	h.AEADTag[0] = 2

	got, err := DecodeHandshakeResp(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHandshakeResp: %v", err)
	}
	if got.ServerID != h.ServerID || got.Epoch != h.Epoch {
		t.Errorf("fields mismatch: %+v", got)
	}
	if got.AEADNonce != h.AEADNonce || got.AEADTag != h.AEADTag {
		t.Error("aead fields mismatch")
	}
	if string(got.Ciphertext) != string(h.Ciphertext) {
		t.Error("ciphertext mismatch")
	}
}

func TestClaimRoundTrip(t *testing.T) {
	c := &Claim{
		ClaimType: ClaimTypeNodeFailure,
		Payload:   []byte("payload-bytes"),
		Endorsements: []Endorsement{
			{Sig: []byte("sig-a")},
			{Sig: []byte("sig-b")},
		},
	}
	c.ClaimID[0] = 1
	c.Target[0] = 2
	c.Endorsements[0].SignerID[0] = 3
	c.Endorsements[1].SignerID[0] = 4

	got, err := DecodeClaim(c.Encode())
	if err != nil {
		t.Fatalf("DecodeClaim: %v", err)
	}
	if got.ClaimType != c.ClaimType || got.ClaimID != c.ClaimID || got.Target != c.Target {
		t.Errorf("scalar fields mismatch: %+v", got)
	}
	if string(got.Payload) != string(c.Payload) {
		t.Error("payload mismatch")
	}
	if len(got.Endorsements) != 2 {
		t.Fatalf("endorsements len = %d, want 2", len(got.Endorsements))
	}
	for i, e := range c.Endorsements {
		if got.Endorsements[i].SignerID != e.SignerID || string(got.Endorsements[i].Sig) != string(e.Sig) {
			t.Errorf("endorsement[%d] mismatch: got %+v want %+v", i, got.Endorsements[i], e)
		}
	}
}

func TestClaimEmptyEndorsements(t *testing.T) {
	c := &Claim{ClaimType: ClaimTypeRevocation}
	got, err := DecodeClaim(c.Encode())
	if err != nil {
		t.Fatalf("DecodeClaim: %v", err)
	}
	if len(got.Endorsements) != 0 {
		t.Errorf("expected no endorsements, got %d", len(got.Endorsements))
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte("hello")
	framed := Envelope(FrameKindClaim, payload)
	kind, got, err := DecodeEnvelope(framed)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if kind != FrameKindClaim {
		t.Errorf("kind = %v, want FrameKindClaim", kind)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestDecodeEnvelopeEmpty(t *testing.T) {
	if _, _, err := DecodeEnvelope(nil); err == nil {
		t.Error("expected error decoding empty frame")
	}
}
