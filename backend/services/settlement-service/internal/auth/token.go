package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gpurental/backend/services/settlement-service/internal/audit"
)

var (
	ErrInvalidToken = errors.New("token: invalid")
	ErrUnknownRole  = errors.New("token: unknown role")
)

// Claims is the JWT payload shared with the gateway. The subject carries the user id;
// tokens from older issuers may carry a numeric user_id instead.
type Claims struct {
	UserID any    `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HMAC-signed tokens.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
	now       func() time.Time
}

// NewTokenService returns configured token service.
func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return &TokenService{secret: []byte(secret), expiresIn: expiresIn, now: time.Now}
}

// GenerateToken issues a token for userID acting as role.
func (t *TokenService) GenerateToken(userID, role string) (string, error) {
	if userID == "" {
		return "", errors.New("token: user id is required")
	}
	if !KnownRole(role) {
		return "", ErrUnknownRole
	}

	now := t.now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// ValidateToken verifies the token and returns the caller it names. A missing role
// means renter.
func (t *TokenService) ValidateToken(tokenString string) (audit.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return audit.Identity{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return audit.Identity{}, ErrInvalidToken
	}

	id := audit.Identity{UserID: claims.Subject, Role: claims.Role}
	if id.UserID == "" {
		id.UserID = legacyUserID(claims.UserID)
	}
	if id.UserID == "" {
		return audit.Identity{}, errors.New("token: user id not present")
	}
	if id.Role == "" {
		id.Role = audit.RoleRenter
	}
	if !KnownRole(id.Role) {
		return audit.Identity{}, ErrUnknownRole
	}
	return id, nil
}

func legacyUserID(v any) string {
	switch id := v.(type) {
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case string:
		return id
	}
	return ""
}

// KnownRole reports whether role is one the service authorizes against.
func KnownRole(role string) bool {
	switch role {
	case audit.RoleAdmin, audit.RoleRenter, audit.RoleProvider, audit.RoleSystem:
		return true
	}
	return false
}
