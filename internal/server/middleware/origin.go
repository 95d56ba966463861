package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
)

// OriginGuard enforces the allowed-origins set for WebSocket upgrades. The
// set is replaced atomically on configuration reload; an empty set admits
// any origin.
type OriginGuard struct {
	allowed atomic.Pointer[map[string]struct{}]
}

func NewOriginGuard(origins []string) *OriginGuard {
	g := &OriginGuard{}
	g.SetOrigins(origins)
	return g
}

func (g *OriginGuard) SetOrigins(origins []string) {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(o)] = struct{}{}
	}
	g.allowed.Store(&allowed)
}

func (g *OriginGuard) Allow(r *http.Request) bool {
	allowed := *g.allowed.Load()
	if len(allowed) == 0 {
		return true
	}
	origin := strings.ToLower(r.Header.Get("Origin"))
	_, ok := allowed[origin]
	return ok
}

// NewOriginCheck rejects upgrade requests from disallowed origins before
// the handshake is attempted.
func NewOriginCheck(logger *slog.Logger, guard *OriginGuard) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !guard.Allow(r) {
				logger.Warn("Rejected request from disallowed origin",
					slog.String("origin", r.Header.Get("Origin")),
				)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
