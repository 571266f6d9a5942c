package server

import (
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/m-rizqinovniari/agentic-ko-design/internal/errors"
)

// Identity is the authenticated caller. Display name and role are resolved
// from the session roster at join time, not trusted from the token.
type Identity struct {
	UserID string
}

// Authorizer authenticates a bearer token presented on a websocket upgrade.
type Authorizer interface {
	Authenticate(token string) (Identity, error)
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

type jwtAuthorizer struct {
	secret []byte
}

// NewJWTAuthorizer verifies HS256 session tokens signed with the shared
// secret. The subject claim carries the user ID.
func NewJWTAuthorizer(secret []byte) Authorizer {
	return &jwtAuthorizer{secret: secret}
}

func (a *jwtAuthorizer) Authenticate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperrors.New(apperrors.CodeUnauthorized, "missing session token")
	}
	claims := &jwtClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, apperrors.Wrap(apperrors.CodeUnauthorized, "invalid session token", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, apperrors.New(apperrors.CodeUnauthorized, "invalid session token")
	}
	return Identity{UserID: claims.Subject}, nil
}
