package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AdmissionPolicy bounds how fast one source may submit events into the bus.
type AdmissionPolicy struct {
	RatePerSec float64
	Burst      int
}

// DefaultAdmissionPolicy allows steady interactive traffic while absorbing
// short bursts.
func DefaultAdmissionPolicy() AdmissionPolicy {
	return AdmissionPolicy{RatePerSec: 50, Burst: 100}
}

// LimiterStore abstracts token bucket state so multi-node deployments can
// share it through Redis while single nodes stay in-process.
type LimiterStore interface {
	// Allow reports whether key may spend cost tokens under policy.
	Allow(ctx context.Context, key string, policy AdmissionPolicy, cost int) (bool, error)
}

// ErrRateLimited is wrapped into Submit errors when admission is denied.
type ErrRateLimited struct {
	Key string
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("kernel: submission rate limit exceeded for %s", e.Key)
}

// LocalLimiterStore keeps per-key token buckets in-process.
type LocalLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalLimiterStore() *LocalLimiterStore {
	return &LocalLimiterStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *LocalLimiterStore) Allow(ctx context.Context, key string, policy AdmissionPolicy, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		r := policy.RatePerSec
		if r <= 0 {
			r = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(r), burst)
		s.limiters[key] = lim
	}
	s.mu.Unlock()
	return lim.AllowN(time.Now(), cost), nil
}

// evaluateAdmission fails closed when no store is configured with a non-zero
// policy; a zero policy disables admission control entirely.
func evaluateAdmission(ctx context.Context, store LimiterStore, key string, policy AdmissionPolicy) error {
	if policy == (AdmissionPolicy{}) {
		return nil
	}
	if store == nil {
		return fmt.Errorf("kernel: no limiter store configured")
	}
	allowed, err := store.Allow(ctx, key, policy, 1)
	if err != nil {
		return fmt.Errorf("kernel: admission check failed: %w", err)
	}
	if !allowed {
		return &ErrRateLimited{Key: key}
	}
	return nil
}
