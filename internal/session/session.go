// Package session persists resumable experiment sessions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/store"
	"github.com/containerd/errdefs"
)

// KeyPrefix starts every session key.
const KeyPrefix = "resume"

// ErrStaleProgress is returned when a slot at or before the cursor is written again.
var ErrStaleProgress = fmt.Errorf("slot already completed: %w", errdefs.ErrConflict)

// Key returns the storage key of a subject's session.
func Key(expType domain.ExperimentType, subjectID string) string {
	return KeyPrefix + "_" + string(expType) + "_" + subjectID
}

// Store is the durable session store. UpdateProgress is the only mutation
// path while a run is in progress.
type Store struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewStore creates a session store over repo.
func NewStore(repo store.Repository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, logger: logger}
}

// Load returns the stored session or nil when there is none. A payload that
// cannot be decoded is discarded and reported as absent.
func (s *Store) Load(ctx context.Context, expType domain.ExperimentType, subjectID string) (*domain.Session, error) {
	key := Key(expType, subjectID)
	stored, err := s.repo.GetSession(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if stored == nil {
		return nil, nil
	}

	var sess domain.Session
	if err := json.Unmarshal(stored.Payload, &sess); err != nil {
		s.logger.Warn("discarding unreadable session", "session_key", key, "error", err)
		if delErr := s.repo.DeleteSession(ctx, key); delErr != nil {
			return nil, fmt.Errorf("discard unreadable session: %w", delErr)
		}
		return nil, nil
	}
	// the column is authoritative for the cursor
	sess.TrialIndex = stored.TrialIndex
	return &sess, nil
}

// Save writes the whole session, replacing any stored copy.
func (s *Store) Save(ctx context.Context, expType domain.ExperimentType, subjectID string, sess *domain.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	err = s.repo.UpsertSession(ctx, &domain.StoredSession{
		Key:            Key(expType, subjectID),
		ExperimentType: expType,
		SubjectID:      subjectID,
		TrialIndex:     sess.TrialIndex,
		Payload:        payload,
		CreatedAt:      sess.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// UpdateProgress persists slot idx as completed with record appended, and
// only after the write succeeds applies the same change to sess.
func (s *Store) UpdateProgress(ctx context.Context, expType domain.ExperimentType, subjectID string, sess *domain.Session, idx int, record domain.TrialRecord) error {
	if idx <= sess.TrialIndex {
		return fmt.Errorf("slot %d, cursor at %d: %w", idx, sess.TrialIndex, ErrStaleProgress)
	}

	next := *sess
	next.TrialIndex = idx
	next.TrialData = make([]domain.TrialRecord, len(sess.TrialData), len(sess.TrialData)+1)
	copy(next.TrialData, sess.TrialData)
	next.TrialData = append(next.TrialData, record)

	payload, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.repo.UpdateSessionProgress(ctx, Key(expType, subjectID), sess.TrialIndex, idx, payload); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	sess.TrialIndex = next.TrialIndex
	sess.TrialData = next.TrialData
	return nil
}

// Clear removes the stored session.
func (s *Store) Clear(ctx context.Context, expType domain.ExperimentType, subjectID string) error {
	if err := s.repo.DeleteSession(ctx, Key(expType, subjectID)); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// SetCompleted sets the re-participation flag.
func (s *Store) SetCompleted(ctx context.Context, expType domain.ExperimentType, subjectID string) error {
	return s.repo.SetCompleted(ctx, expType, subjectID)
}

// IsCompleted reports the re-participation flag.
func (s *Store) IsCompleted(ctx context.Context, expType domain.ExperimentType, subjectID string) (bool, error) {
	return s.repo.IsCompleted(ctx, expType, subjectID)
}
