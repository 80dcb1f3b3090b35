package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelgate/internal/ratelimit"
)

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

var rateLimited = apiError{
	Status:  http.StatusTooManyRequests,
	Code:    "RateLimit::Exceeded",
	Message: "Too many requests. Please retry later.",
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		subject := s.rateLimitSubject(r)
		decision, err := s.rateLimiter.Allow(r.Context(), subject)
		if err != nil {
			s.logger.Printf("rate limiter check failed subject=%s err=%v", subject, err)
			next.ServeHTTP(w, r)
			return
		}

		if decision.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(1, int(decision.RetryAfter.Round(time.Second).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
		writeAPIError(w, rateLimited)
	})
}

// rateLimitSubject identifies the caller by the configured header, taking
// the first entry of a comma-separated list, or by the peer address.
func (s *Server) rateLimitSubject(r *http.Request) string {
	if s.rateLimitHeader != "" {
		if value := r.Header.Get(s.rateLimitHeader); value != "" {
			first, _, _ := strings.Cut(value, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func shouldRateLimit(r *http.Request) bool {
	switch routeLabel(r.URL.Path) {
	case "/healthz", "/metrics":
		return false
	default:
		return r.Method != http.MethodOptions
	}
}
