package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/pulsekpi/pulse-engine/pkg/catalog"
	"github.com/pulsekpi/pulse-engine/pkg/models"
)

// Registry holds one token bucket per service type. The bucket is shared by
// every tenant syncing that service, since the limit is imposed by the
// service on the integration as a whole.
type Registry struct {
	catalog *catalog.Catalog

	mu       sync.Mutex
	limiters map[models.ServiceType]*rate.Limiter
}

// NewRegistry creates a limiter registry sized from the catalog's
// per-service rate limits.
func NewRegistry(c *catalog.Catalog) *Registry {
	return &Registry{
		catalog:  c,
		limiters: make(map[models.ServiceType]*rate.Limiter),
	}
}

// Wait blocks until the service's bucket has capacity for one request, or
// the context is done. A cancelled wait returns the bucket token, so a
// timed-out call does not burn capacity.
func (r *Registry) Wait(ctx context.Context, service models.ServiceType) error {
	limiter, err := r.limiter(service)
	if err != nil {
		return err
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait for %s: %w", service, err)
	}
	return nil
}

// Allow reports whether a request may proceed immediately without waiting.
func (r *Registry) Allow(service models.ServiceType) bool {
	limiter, err := r.limiter(service)
	if err != nil {
		return false
	}
	return limiter.Allow()
}

func (r *Registry) limiter(service models.ServiceType) (*rate.Limiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[service]; ok {
		return l, nil
	}
	d, err := r.catalog.Get(service)
	if err != nil {
		return nil, err
	}
	burst := d.RateLimit.Burst
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(d.RateLimit.RequestsPerSecond), burst)
	r.limiters[service] = l
	return l, nil
}
