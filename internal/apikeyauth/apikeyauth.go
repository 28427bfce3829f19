// Package apikeyauth verifies caller-presented API keys against the
// bcrypt hashes held in the store and attaches the resolved key to the
// request context for downstream handlers and the rate limiter.
package apikeyauth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// KeyStore is the persistence surface this package depends on. store.Store
// satisfies it.
type KeyStore interface {
	ActiveApiKeys(ctx context.Context) ([]domain.ApiKey, error)
	TouchApiKeyLastUsed(ctx context.Context, id string, at time.Time) error
}

type contextKey int

const apiKeyContextKey contextKey = iota

// FromContext returns the authenticated key attached by Middleware, if any.
func FromContext(ctx context.Context) (domain.ApiKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(domain.ApiKey)
	return key, ok
}

// Verifier checks presented keys against the active set held in the store.
// Active keys are small in number and change rarely, so they are read on
// every request rather than cached — this keeps revocation immediate.
type Verifier struct {
	store KeyStore
	log   zerolog.Logger
}

// New constructs a Verifier.
func New(store KeyStore, log zerolog.Logger) *Verifier {
	return &Verifier{store: store, log: log.With().Str("component", "apikeyauth").Logger()}
}

// Verify checks presented against every active, unexpired key's bcrypt
// hash and returns the matching key. It touches last_used_at on success,
// best-effort, so a slow or failing update never blocks the caller.
func (v *Verifier) Verify(ctx context.Context, presented string) (domain.ApiKey, error) {
	if presented == "" {
		return domain.ApiKey{}, &domain.AuthError{Reason: "missing API key"}
	}

	keys, err := v.store.ActiveApiKeys(ctx)
	if err != nil {
		return domain.ApiKey{}, &domain.AuthError{Reason: "key lookup failed"}
	}

	now := time.Now()
	for _, key := range keys {
		if key.Expired(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(presented)) == nil {
			go func(id string) {
				touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := v.store.TouchApiKeyLastUsed(touchCtx, id, now); err != nil {
					v.log.Warn().Err(err).Str("key_id", id).Msg("failed to record API key use")
				}
			}(key.ID)
			return key, nil
		}
	}

	return domain.ApiKey{}, &domain.AuthError{Reason: "invalid API key"}
}

// Middleware extracts the API key from the Authorization or X-API-Key
// header, verifies it, and attaches it to the request context. require
// controls whether a missing or invalid key rejects the request outright;
// when false, handlers downstream may still check FromContext and apply
// their own policy (used for endpoints that are public but rate-limited
// per caller when a key is present).
func (v *Verifier) Middleware(require bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := extractKey(r)
			if presented == "" && !require {
				next.ServeHTTP(w, r)
				return
			}

			key, err := v.Verify(r.Context(), presented)
			if err != nil {
				if !require {
					next.ServeHTTP(w, r)
					return
				}
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission rejects requests whose authenticated key lacks p. It
// must run after Middleware(true).
func RequirePermission(p domain.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := FromContext(r.Context())
			if !ok || !key.HasPermission(p) {
				writePermissionError(w, &domain.AuthError{Reason: "insufficient permissions"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractKey(r *http.Request) string {
	if header := r.Header.Get("X-API-Key"); header != "" {
		return header
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// writeAuthError reports a missing or invalid API key: 401 Unauthorized.
func writeAuthError(w http.ResponseWriter, err error) {
	writeStatus(w, http.StatusUnauthorized, err)
}

// writePermissionError reports an authenticated key lacking the required
// permission: 403 Forbidden, distinct from an auth failure (spec §4.7).
func writePermissionError(w http.ResponseWriter, err error) {
	writeStatus(w, http.StatusForbidden, err)
}

func writeStatus(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"` + err.Error() + `","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
}
