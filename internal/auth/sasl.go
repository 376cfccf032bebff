package auth

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedResponse is returned for SASL responses that cannot be decoded.
var ErrMalformedResponse = errors.New("malformed SASL response")

// Mechanisms supported by AUTHENTICATE.
const (
	MechPlain       = "PLAIN"
	MechXOAuth2     = "XOAUTH2"
	MechOAuthBearer = "OAUTHBEARER"
)

// DecodeBase64 decodes a client SASL response. "=" stands for an empty
// response.
func DecodeBase64(resp string) ([]byte, error) {
	resp = strings.TrimSpace(resp)
	if resp == "=" {
		return []byte{}, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(resp)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, "invalid base64")
	}
	return decoded, nil
}

// PlainCredentials is a decoded PLAIN response.
type PlainCredentials struct {
	Authzid  string
	Username string
	Password string
}

// DecodePlain splits a PLAIN message: [authzid] NUL authcid NUL passwd.
func DecodePlain(msg []byte) (PlainCredentials, error) {
	parts := strings.Split(string(msg), "\x00")

	var creds PlainCredentials
	switch len(parts) {
	case 3:
		creds = PlainCredentials{Authzid: parts[0], Username: parts[1], Password: parts[2]}
	case 2:
		creds = PlainCredentials{Username: parts[0], Password: parts[1]}
	default:
		return creds, errors.Wrapf(ErrMalformedResponse, "PLAIN expects 2 or 3 fields, got %d", len(parts))
	}
	if creds.Username == "" || creds.Password == "" {
		return creds, errors.Wrap(ErrMalformedResponse, "empty username or password")
	}
	if creds.Authzid != "" && creds.Authzid != creds.Username {
		return creds, errors.Wrap(ErrInvalidCredentials, "authorization identity differs from authentication identity")
	}
	return creds, nil
}

// BearerCredentials is a decoded XOAUTH2 or OAUTHBEARER response.
type BearerCredentials struct {
	Username string
	Token    string
}

// DecodeXOAuth2 parses "user=<name>\x01auth=Bearer <token>\x01\x01".
func DecodeXOAuth2(msg []byte) (BearerCredentials, error) {
	var creds BearerCredentials
	for _, field := range strings.Split(string(msg), "\x01") {
		switch {
		case strings.HasPrefix(field, "user="):
			creds.Username = strings.TrimPrefix(field, "user=")
		case strings.HasPrefix(field, "auth="):
			creds.Token = bearerToken(strings.TrimPrefix(field, "auth="))
		}
	}
	if creds.Username == "" || creds.Token == "" {
		return creds, errors.Wrap(ErrMalformedResponse, "XOAUTH2 requires user and auth")
	}
	return creds, nil
}

// DecodeOAuthBearer parses an RFC 7628 message:
// "n,a=<name>,\x01auth=Bearer <token>\x01\x01".
func DecodeOAuthBearer(msg []byte) (BearerCredentials, error) {
	var creds BearerCredentials
	fields := strings.Split(string(msg), "\x01")
	if len(fields) == 0 {
		return creds, errors.Wrap(ErrMalformedResponse, "empty OAUTHBEARER message")
	}

	header := strings.Split(fields[0], ",")
	if len(header) < 2 || (header[0] != "n" && header[0] != "y") {
		return creds, errors.Wrap(ErrMalformedResponse, "invalid GS2 header")
	}
	if strings.HasPrefix(header[1], "a=") {
		creds.Username = strings.TrimPrefix(header[1], "a=")
	}

	for _, field := range fields[1:] {
		if strings.HasPrefix(field, "auth=") {
			creds.Token = bearerToken(strings.TrimPrefix(field, "auth="))
		}
	}
	if creds.Token == "" {
		return creds, errors.Wrap(ErrMalformedResponse, "OAUTHBEARER requires auth")
	}
	return creds, nil
}

func bearerToken(v string) string {
	if len(v) > 7 && strings.EqualFold(v[:7], "Bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}
