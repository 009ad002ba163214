package realtime

import (
	"context"
	"strings"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/auth"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/normalize"
)

// UserEnsurer creates the local user record on first sight of an identity
// issued by the login service.
type UserEnsurer interface {
	EnsureUser(ctx context.Context, id string) (*data.User, error)
}

// Authenticator turns a handshake token into a user id. Every rejection is
// the same generic Unauthorized error.
type Authenticator struct {
	jwt   *auth.JWTManager
	users UserEnsurer
}

func NewAuthenticator(jwt *auth.JWTManager, users UserEnsurer) *Authenticator {
	return &Authenticator{jwt: jwt, users: users}
}

// Authenticate verifies token and returns the caller's user id.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperr.Unauthorized()
	}
	claims, err := a.jwt.VerifyToken(token)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeUnauthorized, "Unauthorized", err)
	}
	userID := normalize.ID(claims.UserID)
	if userID == "" {
		return "", apperr.Unauthorized()
	}
	if _, err := a.users.EnsureUser(ctx, userID); err != nil {
		return "", apperr.Internal(err)
	}
	return userID, nil
}
