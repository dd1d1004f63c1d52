package authz

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"frontdoor/pkg/logger"
	"frontdoor/pkg/request"
	"frontdoor/pkg/status"
)

// limiterPool lazily creates one rate limiter per claimed identity.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	rps := p.rps
	if rps <= 0 {
		rps = 5
	}
	burst := p.burst
	if burst <= 0 {
		burst = 10
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// RateLimited wraps an Authorizer with per-identity rate limiting.
// Over-limit requests fail before the inner authorizer is consulted.
type RateLimited struct {
	next     Authorizer
	limiters *limiterPool
}

// NewRateLimited wraps next, allowing rps requests per second with the
// given burst per claimed identity.
func NewRateLimited(next Authorizer, rps float64, burst int) *RateLimited {
	return &RateLimited{next: next, limiters: &limiterPool{rps: rps, burst: burst}}
}

func (r *RateLimited) Authorize(ctx context.Context, md request.AuthorizationMetadata) (request.AuthorizedMetadata, error) {
	key := md.ClaimedIdentity
	if key == "" {
		key = md.Token
	}
	if !r.limiters.Allow(key) {
		logger.Warn("rate_limited", "claimed_identity", md.ClaimedIdentity)
		return request.AuthorizedMetadata{}, status.CodedWithStatus(status.CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
	}
	return r.next.Authorize(ctx, md)
}
