package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/relaymesh/drc/internal/relay"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

// RequestMetadata carries the resolved client identity through the chain.
// IP is the normalized client address used for whitelist decisions.
// ReleaseSlot, when set by the connection limiter, must be called once when
// the connection ends.
type RequestMetadata struct {
	IP          string
	ReleaseSlot func()
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// RequestMetadataMiddleware resolves and injects the client IP.
// **This should be the first middleware in the chain.**
//
// X-Forwarded-For takes precedence over the socket address so a fronting
// proxy can convey the real client for whitelist authority checks.
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{IP: clientIP(r)}
			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request) string {
	candidate := r.Header.Get("X-Forwarded-For")
	if candidate != "" {
		if pos := strings.IndexByte(candidate, ','); pos >= 0 {
			candidate = candidate[:pos]
		}
		candidate = strings.TrimSpace(candidate)
	} else {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		candidate = host
	}
	if ip, err := relay.NormalizeIP(candidate); err == nil {
		return ip
	}
	return candidate
}
