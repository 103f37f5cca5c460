package pqsecure

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"time"
)

// noiseFloorNS and noiseCeilNS bound the calibrated noise added to
// handshake verification durations (spec.md §4.2: "uniform 50-200 ns").
const (
	noiseFloorNS = 50
	noiseCeilNS  = 200
)

// addCalibratedNoise sleeps a uniformly random duration in
// [noiseFloorNS, noiseCeilNS) to reduce the precision of external timing
// measurements around secret-dependent verification. Only called on paths
// that touch long-term key material.
func addCalibratedNoise() {
	var b [2]byte
	_, _ = rand.Read(b[:])
	span := uint16(noiseCeilNS - noiseFloorNS)
	n := noiseFloorNS
	if span > 0 {
		n += int(binary.BigEndian.Uint16(b[:]) % span)
	}
	time.Sleep(time.Duration(n) * time.Nanosecond)
}

// constantTimeEqual reports whether a and b are byte-for-byte equal, in
// time independent of where they first differ.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// verifySignatureTimed wraps verify with calibrated noise, matching
// spec.md §4.2's timing-attack mitigation for all secret-dependent paths.
func verifySignatureTimed(pubKey, msg, sig []byte) bool {
	defer addCalibratedNoise()
	return verify(pubKey, msg, sig)
}
