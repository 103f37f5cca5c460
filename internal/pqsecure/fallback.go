package pqsecure

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/curve25519"

	"meshcore/internal/identity"
	"meshcore/internal/wire"
)

// DefaultFallbackTTLSeconds is the hard TTL after which a node that has
// activated classical fallback self-quarantines (spec.md §4.2).
const DefaultFallbackTTLSeconds = 3600

// fallbackState tracks, per node, whether classical fallback is currently
// active and since when.
type fallbackState struct {
	active      bool
	activatedMS uint64
}

// classicalEncapsulate performs a curve25519 Diffie-Hellman in place of the
// ML-KEM-768 encapsulation, used only on the non-production fallback path.
func classicalEncapsulate(peerPub []byte) (ciphertext, sharedSecret []byte, err error) {
	if len(peerPub) != 32 {
		return nil, nil, fmt.Errorf("pqsecure: classical kem: bad peer pubkey length")
	}
	var ephPriv, ephPub, shared [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, nil, fmt.Errorf("pqsecure: classical kem: %w", err)
	}
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	var peer [32]byte
	copy(peer[:], peerPub)
	curve25519.ScalarMult(&shared, &ephPriv, &peer)

	return ephPub[:], shared[:], nil
}

// classicalDecapsulate recovers the shared secret given our static private
// key and the peer's ephemeral public key (the "ciphertext" above).
func classicalDecapsulate(ourPriv, ephPub []byte) ([]byte, error) {
	if len(ourPriv) != 32 || len(ephPub) != 32 {
		return nil, fmt.Errorf("pqsecure: classical kem: bad key length")
	}
	var priv, pub, shared [32]byte
	copy(priv[:], ourPriv)
	copy(pub[:], ephPub)
	curve25519.ScalarMult(&shared, &priv, &pub)
	return shared[:], nil
}

// classicalSign signs msg's digest with a secp256k1 ECDSA key, used only
// on the non-production fallback path in place of ML-DSA-65.
func classicalSign(priv *secp256k1.PrivateKey, msg []byte) []byte {
	digest := sha256.Sum256(msg)
	return ecdsa.Sign(priv, digest[:]).Serialize()
}

func classicalVerify(pub *secp256k1.PublicKey, msg, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return parsed.Verify(digest[:], pub)
}

// newFallbackClaim builds the Claim a node must emit before (not after)
// completing a degraded handshake, per spec.md §4.2's "must be recorded as
// a Claim" requirement. The caller is responsible for signing and gossiping
// it through the beacon/claim path. ClaimID is the content hash required by
// spec.md §3 ("each claim carries its own identifier (hash of content)"), so
// distinct fallback activations never collide in the beacon engine's and
// quorum validator's claim-ID-keyed dedup maps.
func newFallbackClaim(selfID, peerID identity.NodeID, reason string) *wire.Claim {
	payload := []byte(fmt.Sprintf("self=%s peer=%s reason=%s", selfID, peerID, reason))
	c := &wire.Claim{
		ClaimType: wire.ClaimTypeFallbackActivated,
		Target:    peerID.Bytes16(),
		Payload:   payload,
	}
	c.ClaimID = sha256.Sum256(append([]byte{c.ClaimType}, payload...))
	return c
}
