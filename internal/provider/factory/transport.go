package factory

import (
	"fmt"
	"math"
	"net/http"

	"golang.org/x/time/rate"
)

// rateLimitedTransport holds each outbound request until the provider's
// token bucket admits it. Waiting honours the request context, so a caller
// that goes away stops queueing.
type rateLimitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func newRateLimitedTransport(next http.RoundTripper, rps float64, burst int) *rateLimitedTransport {
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	return &rateLimitedTransport{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("provider rate limit wait: %w", err)
	}
	return t.next.RoundTrip(req)
}
