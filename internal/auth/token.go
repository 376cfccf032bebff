package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// TokenAuthenticator issues and verifies HS256 bearer tokens whose subject
// is the identity. It doubles as a password Authenticator, so a token can be
// used with LOGIN.
type TokenAuthenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenAuthenticator(secret, issuer string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// IssueToken returns a signed token for identity valid for ttl.
func (a *TokenAuthenticator) IssueToken(identity string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

func (a *TokenAuthenticator) VerifyToken(ctx context.Context, token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidCredentials
	}
	return claims.Subject, nil
}

// Authenticate accepts a token in place of a password when its subject is
// username.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, username, password string) (string, error) {
	identity, err := a.VerifyToken(ctx, password)
	if err != nil {
		return "", err
	}
	if identity != username {
		return "", ErrInvalidCredentials
	}
	return identity, nil
}
