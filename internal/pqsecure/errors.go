package pqsecure

import "errors"

// Error kinds named in spec.md §4.2.
var (
	ErrBadSig              = errors.New("pqsecure: bad signature")
	ErrReplay              = errors.New("pqsecure: replay detected")
	ErrEpochStale          = errors.New("pqsecure: epoch stale")
	ErrKEMFail             = errors.New("pqsecure: kem operation failed")
	ErrPeerUnknown         = errors.New("pqsecure: peer unknown")
	ErrFallbackTTLExpired  = errors.New("pqsecure: fallback ttl expired, node quarantined")
	ErrFallbackForbidden   = errors.New("pqsecure: classical fallback forbidden in production")
	ErrSessionExpired      = errors.New("pqsecure: session expired")
	ErrNoSession           = errors.New("pqsecure: no session with peer")
)
