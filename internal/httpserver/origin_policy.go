package httpserver

import (
	"net/http"

	"github.com/quickpair/gateway/internal/metrics"
	"github.com/quickpair/gateway/internal/origin"
)

// CheckOrigin reports whether the request's Origin header is acceptable
// under the configured allow list. Requests without an Origin header are
// allowed: they come from non-browser clients that CORS does not apply to.
func (s *Server) CheckOrigin(r *http.Request) (normalized string, ok bool) {
	header := r.Header.Get("Origin")
	if header == "" {
		return "", true
	}

	normalized, originHost, valid := origin.Normalize(header)
	if !valid {
		return "", false
	}
	if !origin.Allowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins) {
		return "", false
	}
	return normalized, true
}

// WithOriginPolicy enforces the origin allow list and emits CORS headers
// for browser callers, including preflight handling.
func (s *Server) WithOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		normalized, ok := s.CheckOrigin(r)
		if !ok {
			s.metrics.Inc(metrics.OriginRejected)
			s.log.Warn("rejected cross-origin request",
				"origin", r.Header.Get("Origin"),
				"path", r.URL.Path,
			)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		if normalized != "" {
			w.Header().Set("Access-Control-Allow-Origin", normalized)
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
