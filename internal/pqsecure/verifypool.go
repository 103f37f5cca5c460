package pqsecure

import (
	"crypto/sha256"
	"runtime"

	lru "github.com/hashicorp/golang-lru"
)

// verifyJob is one queued signature verification.
type verifyJob struct {
	pubKey, msg, sig []byte
	result           chan bool
}

// verifyCacheSize bounds the verified-signature cache. The same signed
// frame can reach verification more than once (a retransmitted or
// duplicated beacon is verified again before the reorder/replay check
// drops it); caching the verdict avoids re-running
// ML-DSA-65 verification (and its calibrated timing noise) for the same
// (pubkey, msg, sig) triple.
const verifyCacheSize = 4096

// verifyPool bounds concurrent signature verification to
// min(8, NumCPU) workers, so a burst of beacons or handshakes cannot starve
// the rest of the node of CPU. Verdicts are memoized in an ARC cache keyed
// by a hash of the (pubkey, msg, sig) triple.
type verifyPool struct {
	jobs  chan verifyJob
	stop  chan struct{}
	cache *lru.ARCCache
}

func newVerifyPool() *verifyPool {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}

	cache, err := lru.NewARC(verifyCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// verifyCacheSize never is.
		panic(err)
	}

	p := &verifyPool{
		jobs:  make(chan verifyJob, 256),
		stop:  make(chan struct{}),
		cache: cache,
	}
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *verifyPool) worker() {
	for {
		select {
		case job := <-p.jobs:
			job.result <- verifySignatureTimed(job.pubKey, job.msg, job.sig)
		case <-p.stop:
			return
		}
	}
}

// verifyCacheKey hashes the verification triple into a fixed-size array
// suitable as a map key.
func verifyCacheKey(pubKey, msg, sig []byte) [32]byte {
	h := sha256.New()
	h.Write(pubKey)
	h.Write(msg)
	h.Write(sig)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Verify submits a signature verification and blocks for its result,
// serving a memoized verdict when the same triple was verified before.
func (p *verifyPool) Verify(pubKey, msg, sig []byte) bool {
	key := verifyCacheKey(pubKey, msg, sig)
	if v, ok := p.cache.Get(key); ok {
		return v.(bool)
	}

	result := make(chan bool, 1)
	p.jobs <- verifyJob{pubKey: pubKey, msg: msg, sig: sig, result: result}
	ok := <-result
	p.cache.Add(key, ok)
	return ok
}

func (p *verifyPool) Close() {
	close(p.stop)
}
