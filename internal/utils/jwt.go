// Package utils mints access tokens for development and tests.  In
// production tokens come from the identity provider; labcore only
// verifies them.
package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/labcore/sample-custody/internal/model"
)

// AccessToken is a signed JWT and its expiry.
type AccessToken struct {
	Token string    `json:"token"`
	Exp   time.Time `json:"expires_at"`
}

// NewAccessToken signs an HS256 token for subject with the given role.  The
// claims are sub, role, exp and iat, which is what middleware.JWTAuth reads.
func NewAccessToken(secret, subject string, role model.Role, ttl time.Duration) (AccessToken, error) {
	if secret == "" {
		return AccessToken{}, errors.New("signing secret is required")
	}
	if subject == "" {
		return AccessToken{}, errors.New("subject is required")
	}
	if model.ParseRole(string(role)) == "" {
		return AccessToken{}, errors.New("unknown role " + string(role))
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
