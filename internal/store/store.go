// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/recall-labs/internal/domain"
)

// Repository defines the interface for persisting participants, sessions
// and completion flags.
type Repository interface {
	// GetParticipant retrieves the registry row of a subject in one experiment type.
	GetParticipant(ctx context.Context, subjectID string, expType domain.ExperimentType) (*domain.Participant, error)

	// RegisterParticipant inserts p unless a row already exists and returns
	// the stored row. New rows are numbered count(completed rows) + 1.
	RegisterParticipant(ctx context.Context, p *domain.Participant) (*domain.Participant, error)

	// MarkParticipantCompleted sets is_completed on the registry row.
	MarkParticipantCompleted(ctx context.Context, subjectID string, expType domain.ExperimentType) error

	// GetSession retrieves a stored session by key. Returns nil, nil when absent.
	GetSession(ctx context.Context, key string) (*domain.StoredSession, error)

	// UpsertSession creates or replaces a stored session.
	UpsertSession(ctx context.Context, s *domain.StoredSession) error

	// UpdateSessionProgress writes a new payload and cursor only if the stored
	// cursor still equals expectedIndex (optimistic locking).
	UpdateSessionProgress(ctx context.Context, key string, expectedIndex, newIndex int, payload []byte) error

	// DeleteSession removes a stored session. Missing keys are not an error.
	DeleteSession(ctx context.Context, key string) error

	// DeleteStaleSessions removes sessions not updated within olderThan.
	DeleteStaleSessions(ctx context.Context, olderThan time.Duration) (int64, error)

	// SetCompleted records that a subject finished an experiment type.
	SetCompleted(ctx context.Context, expType domain.ExperimentType, subjectID string) error

	// IsCompleted reports whether SetCompleted was called for the pair.
	IsCompleted(ctx context.Context, expType domain.ExperimentType, subjectID string) (bool, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
