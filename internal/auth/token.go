package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/ridehail/internal/models"
)

// ErrInvalidToken covers every authentication failure shape: missing,
// malformed, expired, wrong signature, unknown role.
var ErrInvalidToken = errors.New("invalid token")

// Provider validates bearer credentials and answers with the acting
// identity. HS256 with a shared secret, the same shape the mobile
// clients already carry.
type Provider struct {
	secret []byte
	issuer string
}

func NewProvider(secret, issuer string) *Provider {
	return &Provider{secret: []byte(secret), issuer: issuer}
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identify resolves a bearer token to {subject, role}.
func (p *Provider) Identify(token string) (models.Actor, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return models.Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := models.Role(c.Role)
	switch role {
	case models.RoleRider, models.RoleDriver, models.RoleAdmin:
	default:
		return models.Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}
	return models.Actor{ID: c.Subject, Role: role}, nil
}

// Issue mints a token for the subject; used by tests and local
// tooling, issuance in production belongs to the identity service.
func (p *Provider) Issue(subjectID string, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
}
