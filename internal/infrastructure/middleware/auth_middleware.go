package middleware

import (
	"errors"
	"strings"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	apperrors "peercall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware.
const (
	ContextSessionID = "session_id"
	ContextPeerID    = "peer_id"
)

// AuthMiddleware admits requests carrying a valid relay token, either as a
// Bearer header or, for WebSocket upgrades from browsers, as the token query
// parameter.
func AuthMiddleware(tokens services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearerToken(c)
		if err != nil {
			c.Error(apperrors.NewUnauthorizedError(err.Error()))
			c.Abort()
			return
		}

		claims, err := tokens.ValidateToken(raw)
		if err != nil {
			c.Error(apperrors.NewUnauthorizedError(err.Error()))
			c.Abort()
			return
		}

		c.Set(ContextSessionID, claims.SessionID)
		c.Set(ContextPeerID, claims.PeerID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", errors.New("authorization header required")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// AuthorizeSession checks the caller's token scope against a session and
// peer. Without AuthMiddleware in the chain every request is allowed.
func AuthorizeSession(c *gin.Context, sessionID domain.SessionID, peerID string) error {
	scoped, ok := c.Get(ContextSessionID)
	if !ok {
		return nil
	}
	if scoped.(domain.SessionID) != sessionID {
		return apperrors.NewForbiddenError("token does not cover this session").
			WithContext("session_id", sessionID)
	}
	if peerID != "" && c.GetString(ContextPeerID) != peerID {
		return apperrors.NewForbiddenError("token was issued to another peer")
	}
	return nil
}
