package apiclient

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig caps outbound requests. A zero config disables limiting.
type RateLimitConfig struct {
	// RequestsPerWindow is the number of requests allowed in the time window
	RequestsPerWindow int
	// Window is the time window for rate limiting
	Window time.Duration
	// Burst allows for temporary bursts above the rate limit
	Burst int
}

// DefaultRateLimit allows 100 requests per minute, all available as a
// burst.
var DefaultRateLimit = RateLimitConfig{
	RequestsPerWindow: 100,
	Window:            time.Minute,
	Burst:             100,
}

// Enabled reports whether c limits anything.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerWindow > 0 && c.Window > 0
}

// newLimiter returns nil when c is disabled. A missing burst defaults to
// one request.
func (c RateLimitConfig) newLimiter() *rate.Limiter {
	if !c.Enabled() {
		return nil
	}

	ratePerSecond := float64(c.RequestsPerWindow) / c.Window.Seconds()
	return rate.NewLimiter(rate.Limit(ratePerSecond), max(c.Burst, 1))
}
