package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/magstab/magstab-go/internal/models"
)

const apiKeyParam = "api-key"

type ctxKey struct{}

// KeyName returns the name of the key that authenticated the request, or ""
// in open mode.
func KeyName(ctx context.Context) string {
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}

// Middleware enforces API keys. The key is taken from the api-key header,
// falling back to the api-key query parameter for EventSource clients.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.IsOpenMode() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(apiKeyParam)
		if key == "" {
			key = r.URL.Query().Get(apiKeyParam)
		}
		k, ok := s.Verify(key)
		if !ok {
			deny(w, models.ErrUnauthorized)
			return
		}
		if k.ReadOnly && r.Method != http.MethodGet && r.Method != http.MethodHead {
			deny(w, models.ErrForbidden("key "+k.Name+" is read-only"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, k.Name)))
	})
}

func deny(w http.ResponseWriter, e *models.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}
