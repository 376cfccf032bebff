package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RemoteAuthenticator posts credentials to an HTTP authentication service.
// A 200 answer accepts them, 401 and 403 reject them and anything else is
// treated as the service being unavailable.
type RemoteAuthenticator struct {
	URL    string
	Domain string // appended to usernames without one
	Client *http.Client
}

func NewRemoteAuthenticator(url, domain string) *RemoteAuthenticator {
	return &RemoteAuthenticator{
		URL:    url,
		Domain: domain,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type remoteRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *RemoteAuthenticator) Authenticate(ctx context.Context, username, password string) (string, error) {
	email := username
	if !strings.Contains(email, "@") && r.Domain != "" {
		email = username + "@" + r.Domain
	}

	body, err := json.Marshal(remoteRequest{Email: email, Password: password})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode auth request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to build auth request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", errors.Wrap(ErrUnavailable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return username, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", ErrInvalidCredentials
	default:
		return "", errors.Wrapf(ErrUnavailable, "auth server answered %d", resp.StatusCode)
	}
}
