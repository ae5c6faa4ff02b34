package admission

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// KeyFromRequest derives the admission key: the X-Agent-ID header when
// present, otherwise the client IP.
func KeyFromRequest(r *http.Request) string {
	if agent := strings.TrimSpace(r.Header.Get("X-Agent-ID")); agent != "" {
		return agent
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns an HTTP middleware that enforces the controller's window
// budgets. The admission key is the X-Agent-ID header, falling back to the
// client IP.
//
// Quota headers are always set on the response:
//
//	X-RateLimit-Limit     limit of the tightest window
//	X-RateLimit-Remaining requests left in that window
//	X-RateLimit-Window    that window's size in seconds
//	X-RateLimit-Policy    both windows in "limit;w=seconds" form
//
// When a window is exhausted the middleware responds with HTTP 429, a
// Retry-After header, and a JSON error body.
func Middleware(ctrl *Controller, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := ctrl.Allow(KeyFromRequest(r))

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
			w.Header().Set("X-RateLimit-Window", fmt.Sprintf("%d", int(d.Window.Seconds())))
			w.Header().Set("X-RateLimit-Policy", d.Policy)

			if !d.Allowed {
				for _, fn := range onReject {
					fn()
				}
				retryAfter := int(d.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
