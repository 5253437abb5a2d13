package collaboration

import (
	"errors"

	"page-collab/internal/auth"
	"page-collab/internal/logger"
	"page-collab/internal/models"

	"go.uber.org/zap"
)

var errAuthThrottled = errors.New("too many authentication attempts")

// IdentityBinder verifies credentials and binds the resulting identity to a
// connection. It is the only writer of a connection's identity.
type IdentityBinder struct {
	verifier TokenVerifier
	registry *Registry
}

func NewIdentityBinder(verifier TokenVerifier, registry *Registry) *IdentityBinder {
	return &IdentityBinder{verifier: verifier, registry: registry}
}

// Authenticate verifies token and binds it to c, replying auth_success or
// auth_error. Re-authentication overwrites the previous identity, which is
// returned so callers can drop state held under the old user id.
func (b *IdentityBinder) Authenticate(c *Connection, token string) (user models.UserInfo, prev models.UserInfo, hadPrev bool, err error) {
	if !c.allowAuthAttempt() {
		c.sendJSON(models.ErrorMessage{Type: models.MessageTypeAuthError, Message: errAuthThrottled.Error()})
		return models.UserInfo{}, models.UserInfo{}, false, errAuthThrottled
	}

	user, err = b.verifier.Verify(token)
	if err != nil {
		logger.Info("authentication failed", zap.String("conn_id", c.ID), zap.Error(err))
		c.sendJSON(models.ErrorMessage{Type: models.MessageTypeAuthError, Message: authErrorMessage(err)})
		return models.UserInfo{}, models.UserInfo{}, false, err
	}

	prev, hadPrev = c.bind(user)
	b.registry.BindUser(c, prev.ID, user.ID)

	c.sendJSON(models.AuthSuccessMessage{Type: models.MessageTypeAuthSuccess, UserID: user.ID})

	logger.Info("connection authenticated",
		zap.String("conn_id", c.ID),
		zap.String("user_id", user.ID),
		zap.Bool("reauth", hadPrev),
	)
	return user, prev, hadPrev, nil
}

// authErrorMessage maps verification failures to the human-readable reason
// sent to the client. Library details stay in the server log.
func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "Authentication token is required"
	case errors.Is(err, auth.ErrExpiredToken):
		return "Authentication token has expired"
	case errors.Is(err, auth.ErrMissingClaims):
		return "Authentication token is missing user claims"
	default:
		return "Invalid authentication token"
	}
}
