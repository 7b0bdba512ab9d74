// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/sereneai/serene-server/internal/domain"
)

// Repository defines the interface for persisting users and chat sessions.
// Lookup methods return (nil, nil) when the record does not exist.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateSession persists a new chat session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session with its ordered messages and memory.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns session summaries (no messages) for a user,
	// ordered by start time descending.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// AppendMessages appends messages to a session and saves the updated
	// memory in a single transaction. Messages already persisted are never
	// modified.
	AppendMessages(ctx context.Context, sessionID string, memory domain.Memory, messages ...domain.Message) error

	// UpdateSessionStatus sets the session status and, when non-empty, the
	// session summary.
	UpdateSessionStatus(ctx context.Context, sessionID, status, summary string) error

	// GetStepResult returns the checkpointed result for a workflow step,
	// with ok=false when no checkpoint exists.
	GetStepResult(ctx context.Context, runID, step string) (result []byte, ok bool, err error)

	// SaveStepResult records the result of a completed workflow step.
	SaveStepResult(ctx context.Context, runID, step string, result []byte) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
