package httpserver

import (
	"net/http"
	"strings"
)

// withOriginPolicy rejects cross-origin browser requests the policy does not
// admit and adds CORS headers for the ones it does.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("Origin")) == "" {
			next(w, r)
			return
		}

		normalizedOrigin, ok := s.origins.CheckRequest(r)
		if !ok {
			s.log.Warn("origin rejected", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		next(w, r)
	}
}
