package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/af-corp/meridian-gateway/internal/config"
	"github.com/af-corp/meridian-gateway/internal/httputil"
)

// ExtractAPIKey returns the bearer token, falling back to the x-api-key
// header.
func ExtractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

const (
	msgMissingKey = "Missing API key. Use: Authorization: Bearer <api-key>"
	msgInvalidKey = "Invalid API key"
)

var errInvalidKey = errors.New("invalid api key")

// Middleware authenticates gateway keys. Tokens with the gateway prefix must
// parse and exist in the store. Other tokens are provider credentials and
// pass through untouched unless cfg().Required is set, in which case every
// request needs a valid gateway key.
func Middleware(store KeyStore, cfg func() config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")
			token := ExtractAPIKey(r)

			if !IsGatewayKey(token) {
				switch {
				case !cfg().Required:
					next.ServeHTTP(w, r)
				case token == "":
					httputil.WriteAuthError(w, reqID, msgMissingKey)
				default:
					httputil.WriteAuthError(w, reqID, msgInvalidKey)
				}
				return
			}

			info, err := authenticate(r, store, token)
			switch {
			case errors.Is(err, errInvalidKey):
				httputil.WriteAuthError(w, reqID, msgInvalidKey)
				return
			case err != nil:
				httputil.WriteInternalError(w, reqID, "Internal error during authentication")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithAuth(r.Context(), info)))
		})
	}
}

func authenticate(r *http.Request, store KeyStore, token string) (*AuthInfo, error) {
	key, err := ParseKey(token)
	if err != nil {
		slog.Warn("auth failed: malformed gateway key", "key_prefix", safePrefix(token))
		return nil, errInvalidKey
	}
	log := slog.With("key_prefix", key.Prefix())
	if store == nil {
		log.Warn("auth failed: gateway keys are not enabled")
		return nil, errInvalidKey
	}

	meta, err := store.Lookup(r.Context(), key.Hash())
	if err != nil {
		log.Error("key lookup failed", "error", err)
		return nil, err
	}
	if meta == nil {
		log.Warn("auth failed: key not found")
		return nil, errInvalidKey
	}
	if meta.Environment != "" && meta.Environment != key.Environment {
		log.Warn("auth failed: environment mismatch", "stored", meta.Environment)
		return nil, errInvalidKey
	}

	return &AuthInfo{
		KeyID:           meta.ID,
		Name:            meta.Name,
		Environment:     key.Environment,
		AllowedModels:   meta.AllowedModels,
		RPMLimit:        meta.RPMLimit,
		DailyTokenLimit: meta.DailyTokenLimit,
	}, nil
}

// safePrefix returns at most the first 12 characters of a token.
func safePrefix(token string) string {
	if len(token) > 12 {
		return token[:12] + "..."
	}
	return token
}
