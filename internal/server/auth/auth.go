// Package auth implements the connection-level commands: CAPABILITY, LOGIN,
// AUTHENTICATE and LOGOUT.
package auth

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/go-kit/kit/log/level"

	"kestrel/internal/auth"
	"kestrel/internal/models"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/middleware"
)

// ===== CAPABILITY =====

func HandleCapability(req *handler.Request) (*handler.Result, error) {
	res := handler.OK()
	res.Untagged("CAPABILITY %s", strings.Join(req.Env.Capabilities, " "))
	return res, nil
}

// ===== LOGIN =====

var HandleLogin = middleware.ValidateMinArgs(2, "LOGIN requires username and password", handleLogin)

func handleLogin(req *handler.Request) (*handler.Result, error) {
	username, err := req.StringArg(0, "username")
	if err != nil {
		return nil, err
	}
	password, err := req.StringArg(1, "password")
	if err != nil {
		return nil, err
	}
	return authenticateUser(req, username, password)
}

// ===== AUTHENTICATE =====

var HandleAuthenticate = middleware.ValidateMinArgs(1, "AUTHENTICATE requires a mechanism", handleAuthenticate)

func handleAuthenticate(req *handler.Request) (*handler.Result, error) {
	mech, err := req.StringArg(0, "a mechanism")
	if err != nil {
		return nil, err
	}
	mech = strings.ToUpper(mech)

	switch mech {
	case auth.MechPlain:
	case auth.MechXOAuth2, auth.MechOAuthBearer:
		if req.Env.Tokens == nil {
			return nil, handler.No("Unsupported authentication mechanism")
		}
	default:
		return nil, handler.No("Unsupported authentication mechanism")
	}

	msg, err := initialResponse(req)
	if err != nil {
		return nil, err
	}

	switch mech {
	case auth.MechPlain:
		creds, err := auth.DecodePlain(msg)
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, handler.NoCode("AUTHENTICATIONFAILED", "Authentication failed")
		}
		if err != nil {
			return nil, handler.Bad("Invalid PLAIN response")
		}
		return authenticateUser(req, creds.Username, creds.Password)
	default:
		return authenticateBearer(req, mech, msg)
	}
}

// initialResponse returns the decoded client response, taken from the
// command line (SASL-IR) or requested with an empty continuation.
func initialResponse(req *handler.Request) ([]byte, error) {
	resp, ok := req.Command.StringArg(1)
	if !ok {
		if req.Challenger == nil {
			return nil, handler.Bad("AUTHENTICATE requires an initial response")
		}
		line, err := req.Challenger.Challenge(req.Ctx, "")
		if err != nil {
			return nil, err
		}
		resp = line
	}
	if strings.TrimSpace(resp) == "*" {
		return nil, handler.Bad("AUTHENTICATE cancelled")
	}
	msg, err := auth.DecodeBase64(resp)
	if err != nil {
		return nil, handler.Bad("Invalid base64 response")
	}
	return msg, nil
}

func authenticateBearer(req *handler.Request, mech string, msg []byte) (*handler.Result, error) {
	var creds auth.BearerCredentials
	var err error
	if mech == auth.MechXOAuth2 {
		creds, err = auth.DecodeXOAuth2(msg)
	} else {
		creds, err = auth.DecodeOAuthBearer(msg)
	}
	if err != nil {
		return nil, handler.Bad("Invalid %s response", mech)
	}

	identity, err := req.Env.Tokens.VerifyToken(req.Ctx, creds.Token)
	if err == nil && creds.Username != "" && creds.Username != identity {
		err = auth.ErrInvalidCredentials
	}
	if err != nil {
		level.Info(req.Env.Logger).Log("msg", "token rejected", "mech", mech, "session", req.Session.ID)
		// the client acknowledges the error challenge before the failure
		if req.Challenger != nil {
			challenge := base64.StdEncoding.EncodeToString([]byte(`{"status":"401","schemes":"bearer"}`))
			if _, cerr := req.Challenger.Challenge(req.Ctx, challenge); cerr != nil {
				return nil, cerr
			}
		}
		return nil, handler.NoCode("AUTHENTICATIONFAILED", "Authentication failed")
	}
	return loggedIn(req, identity), nil
}

// authenticateUser checks a username and password against the configured
// credential sources.
func authenticateUser(req *handler.Request, username, password string) (*handler.Result, error) {
	if req.Env.Auth == nil {
		return nil, handler.No("Authentication not available")
	}

	identity, err := req.Env.Auth.Authenticate(req.Ctx, username, password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidCredentials):
		level.Info(req.Env.Logger).Log("msg", "authentication failed", "user", username, "session", req.Session.ID)
		return nil, handler.NoCode("AUTHENTICATIONFAILED", "Authentication failed")
	case errors.Is(err, auth.ErrUnavailable):
		level.Warn(req.Env.Logger).Log("msg", "authentication service unavailable", "err", err)
		return nil, handler.NoCode("UNAVAILABLE", "Authentication service unavailable")
	default:
		return nil, err
	}
	return loggedIn(req, identity), nil
}

func loggedIn(req *handler.Request, identity string) *handler.Result {
	level.Info(req.Env.Logger).Log("msg", "user authenticated", "user", identity, "session", req.Session.ID)
	return &handler.Result{
		Transition: &models.Transition{To: models.StateAuthenticated, Username: identity},
	}
}

// ===== LOGOUT =====

func HandleLogout(req *handler.Request) (*handler.Result, error) {
	res := handler.OK()
	res.Status(models.StatusBYE, "", "IMAP4rev1 Server logging out")
	res.Transition = &models.Transition{To: models.StateLogout}
	return res, nil
}
