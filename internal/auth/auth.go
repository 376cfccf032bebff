// Package auth verifies client credentials for LOGIN and AUTHENTICATE.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredentials is returned when a user or secret is rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnavailable is returned when the credential source cannot be reached.
	ErrUnavailable = errors.New("authentication service unavailable")
)

// Authenticator checks a username and password and returns the identity the
// session is bound to.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, username, password string) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, username, password string) (string, error) {
	return f(ctx, username, password)
}

// TokenVerifier checks a bearer token and returns the identity it was issued
// to.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// Chain tries each authenticator in turn and returns the first success. An
// unavailable source does not stop the chain, but is reported if nothing
// else accepted the credentials.
func Chain(authenticators ...Authenticator) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, username, password string) (string, error) {
		lastErr := ErrInvalidCredentials
		for _, a := range authenticators {
			identity, err := a.Authenticate(ctx, username, password)
			if err == nil {
				return identity, nil
			}
			if !errors.Is(err, ErrInvalidCredentials) {
				lastErr = err
			}
		}
		return "", lastErr
	})
}
