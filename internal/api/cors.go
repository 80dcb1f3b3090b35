package api

import (
	"net/http"

	"github.com/ryanuber/go-glob"
)

var originNotAllowed = apiError{
	Status:  http.StatusForbidden,
	Code:    "Origin::NotAllowed",
	Message: "Requests from this origin are not allowed.",
}

// withCORS checks the Origin header against the configured globs. With no
// globs configured every origin is accepted and no CORS headers are sent.
// Requests without an Origin header are never rejected.
func (s *Server) withCORS(next http.Handler) http.Handler {
	if len(s.corsOrigins) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.isAllowedOrigin(origin) {
			writeAPIError(w, originNotAllowed)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isAllowedOrigin(origin string) bool {
	for _, allowed := range s.corsOrigins {
		if glob.Glob(allowed, origin) {
			return true
		}
	}
	return false
}
