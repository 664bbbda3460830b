// Package store provides durable conversation history and settings.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/persona-relay/internal/domain"
)

// ErrInvalidTurn is returned when a turn violates the persistence invariants.
var ErrInvalidTurn = errors.New("invalid turn")

// HistoryStore persists one append-only turn log per persona plus a settings table.
type HistoryStore interface {
	// EnsureSchema creates the turn log for personaKey if it does not exist.
	EnsureSchema(ctx context.Context, personaKey string) error

	// Append adds a turn to the persona's log.
	Append(ctx context.Context, personaKey string, role domain.Role, author, content string) error

	// AppendExchange atomically adds a user turn and its model reply.
	AppendExchange(ctx context.Context, personaKey string, user, model domain.Turn) error

	// LoadTail returns the newest limit turns of the persona's log, oldest first.
	// A log that does not exist yet yields an empty result.
	LoadTail(ctx context.Context, personaKey string, limit int) ([]domain.Turn, error)

	// Clear drops every turn recorded for personaKey. Settings are untouched.
	Clear(ctx context.Context, personaKey string) error

	// GetSetting returns the value stored under key and whether it was present.
	GetSetting(ctx context.Context, key string) (string, bool, error)

	// SetSetting upserts a setting.
	SetSetting(ctx context.Context, key, value string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
