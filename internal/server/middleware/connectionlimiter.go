package middleware

import (
	"log/slog"
	"net/http"
	"sync"
)

// IPLimiter caps concurrent connections per client IP. Connections are
// anonymous at upgrade time, so the cap is keyed on the normalized address
// rather than a user identity.
type IPLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

// NewIPLimiter builds a limiter; max <= 0 disables the cap.
func NewIPLimiter(max int) *IPLimiter {
	return &IPLimiter{counts: make(map[string]int), max: max}
}

// Acquire reserves a slot for ip; the caller must Release it when the
// connection ends.
func (l *IPLimiter) Acquire(ip string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *IPLimiter) Release(ip string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
	} else {
		l.counts[ip]--
	}
}

// NewConnectionLimiter rejects upgrades from IPs that already hold the
// maximum number of connections. A hijacked WebSocket connection outlives
// the handler, so the slot is handed to the upgrade handler through
// RequestMetadata.ReleaseSlot and released when the connection ends.
func NewConnectionLimiter(logger *slog.Logger, limiter *IPLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if !limiter.Acquire(reqMeta.IP) {
				logger.Warn("Per-IP connection limit reached", slog.String("ip", reqMeta.IP))
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			}
			reqMeta.ReleaseSlot = func() { limiter.Release(reqMeta.IP) }
			next.ServeHTTP(w, r)
		})
	}
}
