// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/cody/internal/domain"
)

// Repository defines the interface for persisting sessions and their message logs.
type Repository interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID. Returns nil, nil if it does not exist.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns all sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// UpdateSession persists only the fields present in update and bumps updated_at.
	UpdateSession(ctx context.Context, id string, update domain.SessionUpdate, at time.Time) error

	// SearchSessions matches keyword against title, last prompt and cwd
	// (case-insensitive substring) and applies the filter.
	SearchSessions(ctx context.Context, keyword string, filter domain.SearchFilter) ([]*domain.Session, error)

	// ResetRunningSessions moves every running session to status.
	ResetRunningSessions(ctx context.Context, status domain.Status) (int64, error)

	// RecentCwds returns distinct working directories, most recent first.
	RecentCwds(ctx context.Context, limit int) ([]string, error)

	// DeleteSession removes a session and, by cascade, its messages.
	// Returns true if a row was removed.
	DeleteSession(ctx context.Context, id string) (bool, error)

	// RecordMessage appends a message. Replaying an existing ID is a no-op;
	// inserted reports whether a row was written.
	RecordMessage(ctx context.Context, msg *domain.StoredMessage) (inserted bool, err error)

	// ListMessages returns the raw message payloads of a session in insertion order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.StoredMessage, error)

	// SaveTranscript stores an engine transcript under a resume token.
	SaveTranscript(ctx context.Context, token, sessionID string, data []byte) error

	// LoadTranscript returns the transcript for token, or nil if there is none.
	LoadTranscript(ctx context.Context, token string) ([]byte, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
