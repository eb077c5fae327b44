package hub

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ambulance-dispatch/internal/models"
)

// ErrUnauthorized is returned when a credential does not resolve to
// exactly one (identity, role) pair. Connections failing this are
// rejected before any event is processed.
var ErrUnauthorized = errors.New("unauthorized")

// Authorizer resolves a bearer credential at connection handshake.
type Authorizer interface {
	Authorize(token string) (models.Identity, error)
}

// JWTAuthorizer validates HS256 tokens carrying "sub" and "role"
// claims, issued by the external account service.
type JWTAuthorizer struct {
	Secret []byte
}

func (a *JWTAuthorizer) Authorize(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, fmt.Errorf("%w: malformed claims", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || !models.ValidRole(role) {
		return models.Identity{}, fmt.Errorf("%w: claims must carry subject and role", ErrUnauthorized)
	}
	return models.Identity{ID: sub, Role: models.Role(role)}, nil
}
