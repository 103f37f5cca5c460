package pqsecure

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/curve25519"

	"meshcore/internal/identity"
)

// KeyPair holds a node's long-term PQSecure key material: an ML-KEM-768
// pair for handshake encapsulation and an ML-DSA-65 pair for signing.
// Classical fallback keys are generated alongside but only used when the
// fallback path activates.
type KeyPair struct {
	NodeID identity.NodeID

	KEMPublic  []byte
	KEMPrivate []byte

	SigPublic  []byte
	SigPrivate []byte

	ClassicalKEMPublic  []byte // curve25519, 32 bytes
	ClassicalKEMPrivate []byte
	ClassicalSigPrivate *secp256k1.PrivateKey
	ClassicalSigPublic  *secp256k1.PublicKey
}

// GenerateKeyPair creates fresh long-term PQ and classical key material for
// nodeID.
func GenerateKeyPair(nodeID identity.NodeID) (*KeyPair, error) {
	kemPub, kemPriv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: generate ML-KEM-768 keys: %w", err)
	}
	kemPubBytes := make([]byte, mlkem768.PublicKeySize)
	kemPrivBytes := make([]byte, mlkem768.PrivateKeySize)
	kemPub.Pack(kemPubBytes)
	kemPriv.Pack(kemPrivBytes)

	sigPub, sigPriv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: generate ML-DSA-65 keys: %w", err)
	}
	sigPubBytes := make([]byte, mldsa65.PublicKeySize)
	sigPrivBytes := make([]byte, mldsa65.PrivateKeySize)
	sigPub.Pack(sigPubBytes)
	sigPriv.Pack(sigPrivBytes)

	var classicalPriv [32]byte
	if _, err := rand.Read(classicalPriv[:]); err != nil {
		return nil, fmt.Errorf("pqsecure: generate classical kem key: %w", err)
	}
	var classicalPub [32]byte
	curve25519.ScalarBaseMult(&classicalPub, &classicalPriv)

	classicalSigPriv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("pqsecure: generate classical sig key: %w", err)
	}

	return &KeyPair{
		NodeID:              nodeID,
		KEMPublic:           kemPubBytes,
		KEMPrivate:          kemPrivBytes,
		SigPublic:           sigPubBytes,
		SigPrivate:          sigPrivBytes,
		ClassicalKEMPublic:  classicalPub[:],
		ClassicalKEMPrivate: classicalPriv[:],
		ClassicalSigPrivate: classicalSigPriv,
		ClassicalSigPublic:  classicalSigPriv.PubKey(),
	}, nil
}

// sign produces an ML-DSA-65 signature over msg using the long-term key.
func (k *KeyPair) sign(msg []byte) ([]byte, error) {
	var priv mldsa65.PrivateKey
	if err := priv.Unpack(k.SigPrivate); err != nil {
		return nil, fmt.Errorf("pqsecure: unpack signing key: %w", err)
	}
	sig := make([]byte, mldsa65.SignatureSize)
	mldsa65.SignTo(&priv, msg, nil, false, sig)
	return sig, nil
}

// verify checks an ML-DSA-65 signature against a known public key.
func verify(pubKey, msg, sig []byte) bool {
	var pub mldsa65.PublicKey
	if err := pub.Unpack(pubKey); err != nil {
		return false
	}
	return mldsa65.Verify(&pub, msg, nil, sig)
}
