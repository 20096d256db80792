package proxy

import (
	"net/http"
	"strings"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/config"
)

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authenticate resolves the caller's API key and charges the rate limiter.
func (s *Server) authenticate(r *http.Request) (config.APIKeyRecord, *apiError) {
	token := bearerToken(r.Header)
	if token == "" {
		return config.APIKeyRecord{}, errUnauthorized("Invalid Authorization header. Expected 'Bearer YOUR_API_KEY'")
	}
	st := s.state.Snapshot()
	rec, ok := st.FindAPIKey(token)
	if !ok {
		return config.APIKeyRecord{}, errUnauthorized("Invalid API Key.")
	}
	if !s.limiter.Allow(rec.Key, rec.RPM) {
		return config.APIKeyRecord{}, errRateLimited()
	}
	return rec, nil
}

// authAPIMiddleware guards the OpenAI-compatible surface and stashes the
// resolved key in the request context.
func (s *Server) authAPIMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, apiErr := s.authenticate(r)
		if apiErr != nil {
			writeAPIError(w, apiErr)
			return
		}
		next.ServeHTTP(w, r.WithContext(withAPIKey(r.Context(), rec)))
	})
}
