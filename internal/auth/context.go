package auth

import (
	"context"
	"strings"
)

type contextKey string

const authContextKey contextKey = "meridian_auth"

// AuthInfo holds the identity of an authenticated gateway key.
type AuthInfo struct {
	KeyID           string
	Name            string
	Environment     string
	AllowedModels   []string
	RPMLimit        *int
	DailyTokenLimit *int64
}

// ModelAllowed reports whether the key may use model. An empty allow-list
// permits every model; entries ending in "*" match by prefix.
func (a *AuthInfo) ModelAllowed(model string) bool {
	if a == nil || len(a.AllowedModels) == 0 {
		return true
	}
	for _, m := range a.AllowedModels {
		if prefix, ok := strings.CutSuffix(m, "*"); ok {
			if strings.HasPrefix(model, prefix) {
				return true
			}
			continue
		}
		if m == model {
			return true
		}
	}
	return false
}

func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authContextKey, info)
}

func AuthFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authContextKey).(*AuthInfo)
	return info, ok
}
