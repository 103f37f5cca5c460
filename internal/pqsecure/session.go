package pqsecure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"meshcore/internal/identity"
)

// sessionInfoLabel is the HKDF domain separator mandated by spec.md §4.2.
const sessionInfoLabel = "mesh-session-v1"

// AEADAlgorithm selects the symmetric cipher keyed by the derived session
// secret.
type AEADAlgorithm string

const (
	AEADAESGCM256      AEADAlgorithm = "aes-gcm-256"
	AEADChaCha20Poly1305 AEADAlgorithm = "chacha20poly1305"
)

// Session is an established PQSecure channel to a single peer.
type Session struct {
	mu sync.Mutex

	PeerID    identity.NodeID
	Epoch     identity.Epoch
	AEAD      cipher.AEAD
	Fallback  bool // true if negotiated over the classical fallback path
	createdMS uint64
	ttlMS     uint64
}

// Expired reports whether the session has outlived its TTL as of nowMS.
func (s *Session) Expired(nowMS uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nowMS > s.createdMS+s.ttlMS
}

func deriveSessionKey(sharedSecret []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, sharedSecret, nil, []byte(sessionInfoLabel))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("pqsecure: derive session key: %w", err)
	}
	return key, nil
}

func newAEAD(algo AEADAlgorithm, key []byte) (cipher.AEAD, error) {
	switch algo {
	case AEADChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("pqsecure: new chacha20poly1305: %w", err)
		}
		return aead, nil
	case "", AEADAESGCM256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("pqsecure: new aes cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("pqsecure: new gcm: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("pqsecure: unknown aead algorithm %q", algo)
	}
}

// Seal encrypts plaintext under the session's AEAD, prefixing a random
// nonce.
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	aead := s.AEAD
	s.mu.Unlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("pqsecure: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a ciphertext produced by Seal.
func (s *Session) Open(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	aead := s.AEAD
	s.mu.Unlock()

	n := aead.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("pqsecure: ciphertext too short")
	}
	plaintext, err := aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("pqsecure: decrypt: %w", err)
	}
	return plaintext, nil
}
