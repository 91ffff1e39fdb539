package middleware

import (
	"errors"
	"net/http"
	"strings"

	"gpurental/backend/services/settlement-service/internal/audit"
	"gpurental/backend/services/settlement-service/internal/auth"
)

const (
	userIDHeader = "X-User-ID"
	roleHeader   = "X-User-Role"
)

// TokenValidator turns a bearer token into a caller identity.
type TokenValidator interface {
	ValidateToken(token string) (audit.Identity, error)
}

// AuthMiddleware validates bearer tokens and attaches the caller identity. With a nil
// validator it trusts X-User-ID and X-User-Role, which is only safe behind a gateway
// that sets them.
func AuthMiddleware(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				id  audit.Identity
				err error
			)
			if tokens == nil {
				id, err = identityFromHeaders(r)
			} else {
				id, err = identityFromToken(r, tokens)
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(audit.WithIdentity(r.Context(), id)))
		})
	}
}

func identityFromHeaders(r *http.Request) (audit.Identity, error) {
	id := audit.Identity{
		UserID: strings.TrimSpace(r.Header.Get(userIDHeader)),
		Role:   strings.TrimSpace(r.Header.Get(roleHeader)),
	}
	if id.UserID == "" {
		return audit.Identity{}, errors.New("missing " + userIDHeader + " header")
	}
	if id.Role == "" {
		id.Role = audit.RoleRenter
	}
	if !auth.KnownRole(id.Role) {
		return audit.Identity{}, errors.New("unknown role")
	}
	return id, nil
}

func identityFromToken(r *http.Request, tokens TokenValidator) (audit.Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return audit.Identity{}, errors.New("missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return audit.Identity{}, errors.New("invalid authorization header")
	}
	id, err := tokens.ValidateToken(strings.TrimSpace(parts[1]))
	if err != nil {
		return audit.Identity{}, errors.New("invalid token")
	}
	return id, nil
}
