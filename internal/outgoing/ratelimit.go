package outgoing

import (
	"sync"
	"time"
)

// RateLimiter is a byte-budget token bucket bounding background-send
// throughput (spec §4.8's "rate limiting"). It is intentionally small:
// the corpus carries no third-party rate-limiting library, so this is
// built directly on time.Time rather than importing one for a single
// call site.
type RateLimiter struct {
	mu          sync.Mutex
	bytesPerSec float64
	burst       float64
	tokens      float64
	last        time.Time
	now         func() time.Time
}

// NewRateLimiter builds a limiter allowing bytesPerSec sustained
// throughput with bursts up to burst bytes.
func NewRateLimiter(bytesPerSec, burst float64) *RateLimiter {
	return &RateLimiter{
		bytesPerSec: bytesPerSec,
		burst:       burst,
		tokens:      burst,
		last:        time.Now(),
		now:         time.Now,
	}
}

// Allow reports whether one page-sized unit of work may proceed,
// consuming its budget if so. A nil *RateLimiter (no limiting
// configured) always allows.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}

	const unitCost = 4096

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	elapsed := now.Sub(r.last).Seconds()
	r.last = now

	r.tokens += elapsed * r.bytesPerSec
	if r.tokens > r.burst {
		r.tokens = r.burst
	}

	if r.tokens < unitCost {
		return false
	}

	r.tokens -= unitCost

	return true
}
