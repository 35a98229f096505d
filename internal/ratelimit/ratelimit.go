// Package ratelimit gates ICMP error emission so a pathological
// input stream (e.g. a traceroute storm decrementing TTL to zero on every
// hop) cannot make the router spend all of its time generating error
// messages back out.
package ratelimit

import (
	"golang.org/x/time/rate"
)

// Limiter wraps a single token bucket. The router builds one Limiter and
// shares it across all interfaces; it does not keep a bucket per interface.
// The zero value is not usable; construct with [New].
type Limiter struct {
	l *rate.Limiter
}

// New returns a Limiter allowing burst immediate messages and replenishing
// at ratePerSecond tokens/second thereafter.
func New(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{l: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether an ICMP message may be emitted right now, consuming
// a token if so. Callers that get false should silently drop the message
// rather than block: emission is always best-effort (§6).
func (lim *Limiter) Allow() bool {
	if lim == nil {
		return true
	}
	return lim.l.Allow()
}
