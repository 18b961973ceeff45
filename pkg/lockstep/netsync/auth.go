package netsync

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
)

var ErrUnauthorized = errors.New("unauthorized")

// Authenticator turns the token of a PlayerReady message into a stable player id.
type Authenticator interface {
	Authenticate(token string) (playerID string, err error)
}

// TokenAuthenticator accepts any non-empty token as the player id.
type TokenAuthenticator struct{}

func (TokenAuthenticator) Authenticate(token string) (string, error) {
	if token == "" {
		return "", eris.Wrap(ErrUnauthorized, "empty player token")
	}
	return token, nil
}

// JWTAuthenticator accepts HMAC signed tokens and uses their subject as the player id.
type JWTAuthenticator struct {
	key    []byte
	issuer string
}

// NewJWTAuthenticator verifies tokens signed with key. A non-empty issuer must match the iss claim.
func NewJWTAuthenticator(key []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{key: key, issuer: issuer}
}

func (a *JWTAuthenticator) Authenticate(token string) (string, error) {
	if token == "" {
		return "", eris.Wrap(ErrUnauthorized, "missing token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return a.key, nil }, opts...)
	if err != nil {
		return "", eris.Wrapf(ErrUnauthorized, "invalid token: %v", err)
	}
	if claims.Subject == "" {
		return "", eris.Wrap(ErrUnauthorized, "token has no subject")
	}
	return claims.Subject, nil
}

// Issue signs a token for playerID valid for ttl.
func (a *JWTAuthenticator) Issue(playerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   playerID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", eris.Wrap(err, "failed to sign token")
	}
	return signed, nil
}
