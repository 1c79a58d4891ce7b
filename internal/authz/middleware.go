package authz

import (
	"net/http"
	"strings"

	"github.com/fieldline-erp/fieldline/internal/platform/httpx"
	"github.com/fieldline-erp/fieldline/internal/shared"
)

const deviceHeader = "X-Device-ID"

// Middleware authenticates every request with device credentials and
// injects the resulting identity into the request context.
func Middleware(service *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := r.Header.Get(deviceHeader)
			token := bearerToken(r)
			identity, err := service.Authenticate(r.Context(), deviceID, token)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithIdentity(r.Context(), identity)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
