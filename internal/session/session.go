// Package session stores per-conversation chat history between turns.
// History is keyed by session ID; each entry is the full ordered turn
// list the next request replays to the model backend.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/aide/config"
	"github.com/mohammad-safakhou/aide/internal/backend"
)

// Store persists conversation history across requests.
type Store interface {
	// Load returns the history for a session, empty when none exists.
	Load(ctx context.Context, sessionID string) ([]backend.Turn, error)
	// Save replaces the session history and refreshes its TTL.
	Save(ctx context.Context, sessionID string, history []backend.Turn) error
	// Delete drops a session's history.
	Delete(ctx context.Context, sessionID string) error
	// Close releases the underlying connection, if any.
	Close() error
}

// NewStore builds the history store the config names.
func NewStore(ctx context.Context, cfg config.HistoryConfig, redisCfg config.RedisConfig) (Store, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(cfg.TTL), nil
	case "redis":
		return NewRedisStore(ctx, redisCfg, cfg.TTL)
	default:
		return nil, fmt.Errorf("unsupported history store: %s", cfg.Store)
	}
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 24 * time.Hour
	}
	return ttl
}
