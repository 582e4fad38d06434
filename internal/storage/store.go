package storage

import "context"

// SessionStore holds issued session ids per user. A session written at login
// must be present here for its JWT to be accepted; revoking a session deletes
// the key. Implementations: redis.Client, memory.Client (for -dev without Redis).
type SessionStore interface {
	SetSession(ctx context.Context, sessionID, userID string) error
	GetSession(ctx context.Context, sessionID string) (userID string, err error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}
