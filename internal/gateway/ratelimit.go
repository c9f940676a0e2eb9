package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterRegistry hands out a leaky-bucket limiter per (user_id, service),
// lazily creating one on first sight and reusing it afterward. golang.org/x
// is treated as part of the standard toolchain here, not a third-party
// replacement: no leaky-bucket limiter appears anywhere else in the corpus.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newLimiterRegistry(rps float64, burst int) *limiterRegistry {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (r *limiterRegistry) allow(userID, service string) bool {
	key := userID + ":" + service
	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(r.rps, r.burst)
		r.limiters[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}
