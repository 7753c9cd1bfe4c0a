package clients

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// ProviderLimiter holds one token bucket per provider so a burst of
// tenant cycles cannot exhaust an external API's rate budget.
type ProviderLimiter struct {
	mu       sync.Mutex
	limiters map[Provider]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewProviderLimiter creates a limiter with rate r calls per second and
// burst b per provider.
func NewProviderLimiter(r float64, b int) *ProviderLimiter {
	return &ProviderLimiter{
		limiters: make(map[Provider]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Wait blocks until the provider's bucket admits one call or the context
// is cancelled.
func (l *ProviderLimiter) Wait(ctx context.Context, provider Provider) error {
	return l.limiter(provider).Wait(ctx)
}

// Allow reports whether a call may proceed immediately.
func (l *ProviderLimiter) Allow(provider Provider) bool {
	return l.limiter(provider).Allow()
}

func (l *ProviderLimiter) limiter(provider Provider) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[provider]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[provider] = lim
	}
	return lim
}
