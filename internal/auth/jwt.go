// Package auth issues and validates the HS256 tokens carried by REST requests
// and the WebSocket handshake. A token is only as good as its session: the
// session id inside the claims must still exist in the SessionStore.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/marketlive/internal/storage"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carried by every access token.
type Claims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

type Manager struct {
	secret   []byte
	issuer   string
	tokenTTL time.Duration
	sessions storage.SessionStore
}

func NewManager(secret, issuer string, tokenTTL time.Duration, sessions storage.SessionStore) *Manager {
	return &Manager{
		secret:   []byte(secret),
		issuer:   issuer,
		tokenTTL: tokenTTL,
		sessions: sessions,
	}
}

// Issue creates a token bound to a fresh session entry in the store.
func (m *Manager) Issue(ctx context.Context, userID, sessionID string) (string, error) {
	if err := m.sessions.SetSession(ctx, sessionID, userID); err != nil {
		return "", err
	}
	now := time.Now()
	claims := &Claims{
		UserID:    userID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify validates the token signature and expiry, then checks the session is
// still live in the store. Returns the authenticated user id.
func (m *Manager) Verify(ctx context.Context, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	if claims.SessionID != "" {
		userID, err := m.sessions.GetSession(ctx, claims.SessionID)
		if err != nil {
			return "", err
		}
		if userID != claims.UserID {
			return "", ErrInvalidToken
		}
	}
	return claims.UserID, nil
}

// Revoke deletes the session behind a token; subsequent Verify calls fail.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	return m.sessions.DeleteSession(ctx, sessionID)
}
