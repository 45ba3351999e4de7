package services

import (
	"errors"
	"time"

	"peercall/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// TokenService issues and checks relay access tokens. A token admits one
// peer to one session.
type TokenService interface {
	GenerateToken(sessionID domain.SessionID, peerID string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	SessionID domain.SessionID `json:"session_id"`
	PeerID    string           `json:"peer_id"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims cover a session.
func (c *Claims) Allows(sessionID domain.SessionID) bool {
	return c.SessionID == sessionID
}

type tokenService struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenService(secret string, ttl time.Duration) TokenService {
	return &tokenService{secret: []byte(secret), ttl: ttl}
}

func (s *tokenService) GenerateToken(sessionID domain.SessionID, peerID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		SessionID: sessionID,
		PeerID:    peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   peerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *tokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SessionID == "" || claims.PeerID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
