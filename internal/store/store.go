// Package store holds the session-scoped credential store read by the
// "stored" credential strategy. The login flow writes entries; the proxy only
// reads them.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dashboard-proxy/internal/config"
)

// ErrNotFound is returned when a session has no token or its token expired.
var ErrNotFound = errors.New("store: session token not found")

// TokenStore maps session ids to bearer tokens.
// Implementations must be safe for concurrent use.
type TokenStore interface {
	// Get returns the token stored for a session, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (string, error)
	// Put stores a token for a session. A zero ttl keeps it until deleted.
	Put(ctx context.Context, sessionID, token string, ttl time.Duration) error
	// Delete removes a session's token. Deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// New opens the backend selected by auth.store.backend.
func New(cfg *config.Config, logger *slog.Logger) (TokenStore, error) {
	sc := cfg.Auth.Store
	logger = logger.With("component", "token_store", "backend", sc.Backend)

	switch sc.Backend {
	case "", "memory":
		logger.Debug("using in-memory token store")
		return NewMemoryStore(), nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := NewRedisStore(ctx, sc.Redis)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to redis token store", "addr", sc.Redis.Addr, "db", sc.Redis.DB)
		return s, nil
	case "sqlite":
		s, err := OpenSQLite(sc.SQLite.Path)
		if err != nil {
			return nil, err
		}
		purged, err := s.PurgeExpired(context.Background())
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		logger.Info("opened sqlite token store", "path", sc.SQLite.Path, "purged_expired", purged)
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", sc.Backend)
	}
}

func validSession(sessionID string) error {
	if sessionID == "" {
		return errors.New("store: empty session id")
	}
	return nil
}
