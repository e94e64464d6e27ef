package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"mappoints/internal/auth"
)

type authConfig struct {
	store *auth.InMemoryStore
	db    IdentityDB
	ttl   time.Duration
}

type IdentityDB interface {
	Lookup(ctx context.Context, token string) (auth.Identity, bool, error)
	Save(ctx context.Context, ident auth.Identity, ttl time.Duration) (auth.Identity, error)
}

func newAuthConfig(store *auth.InMemoryStore, db IdentityDB, ttl time.Duration) authConfig {
	return authConfig{store: store, db: db, ttl: ttl}
}

// enforced is false when the server runs with auth disabled.
func (a authConfig) enforced() bool {
	return a.store != nil || a.db != nil
}

func (a authConfig) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enforced() {
			next.ServeHTTP(w, r)
			return
		}
		token := parseToken(r)
		if token == "" {
			respondError(w, r, http.StatusUnauthorized, "missing token")
			return
		}
		identity, ok := a.lookup(r.Context(), token)
		if !ok {
			respondError(w, r, http.StatusForbidden, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), identityCtxKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorized returns identity when present and valid.
func (a authConfig) authorized(r *http.Request) (auth.Identity, bool) {
	token := parseToken(r)
	if token == "" {
		return auth.Identity{}, false
	}
	return a.lookup(r.Context(), token)
}

type identityCtxKey struct{}

func identityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(auth.Identity)
	return id, ok
}

func (a authConfig) lookup(ctx context.Context, token string) (auth.Identity, bool) {
	if a.store != nil {
		if id, ok := a.store.Lookup(token); ok {
			return id, true
		}
	}
	if a.db != nil {
		id, ok, err := a.db.Lookup(ctx, token)
		if err == nil && ok {
			if a.store != nil {
				a.store.Seed(id)
			}
			return id, true
		}
	}
	return auth.Identity{}, false
}

func requireRole(w http.ResponseWriter, r *http.Request, enforce bool, required auth.Role) bool {
	if !enforce {
		return true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if !id.Role.Allows(required) {
		respondError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func parseToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}
