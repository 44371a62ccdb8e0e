package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/shared"
	"github.com/containerd/errdefs"
	_ "modernc.org/sqlite"
)

// ErrProgressConflict is returned when the stored cursor moved since the
// session was loaded.
var ErrProgressConflict = fmt.Errorf("session progress changed concurrently: %w", errdefs.ErrConflict)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS participants (
		subject_id TEXT NOT NULL,
		experiment_type TEXT NOT NULL,
		participant_number INTEGER NOT NULL,
		lang TEXT NOT NULL,
		participant_group TEXT NOT NULL,
		is_completed INTEGER NOT NULL DEFAULT 0,
		browser_name TEXT NOT NULL DEFAULT '',
		is_mobile INTEGER NOT NULL DEFAULT 0,
		screen_resolution TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (subject_id, experiment_type)
	);
	CREATE INDEX IF NOT EXISTS idx_participants_completed ON participants(experiment_type) WHERE is_completed = 1;

	CREATE TABLE IF NOT EXISTS sessions (
		session_key TEXT PRIMARY KEY,
		experiment_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		trial_index INTEGER NOT NULL,
		session_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS completions (
		experiment_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		completed_at INTEGER NOT NULL,
		PRIMARY KEY (experiment_type, subject_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetParticipant retrieves a participant row.
func (s *SQLiteStore) GetParticipant(ctx context.Context, subjectID string, expType domain.ExperimentType) (*domain.Participant, error) {
	query := `
		SELECT subject_id, experiment_type, participant_number, lang, participant_group,
		       is_completed, browser_name, is_mobile, screen_resolution, created_at, updated_at
		FROM participants WHERE subject_id = ? AND experiment_type = ?`

	row := s.db.QueryRowContext(ctx, query, subjectID, string(expType))

	var p domain.Participant
	var createdAt, updatedAt int64
	err := row.Scan(
		&p.SubjectID, &p.ExperimentType, &p.ParticipantNumber, &p.Lang, &p.Group,
		&p.IsCompleted, &p.BrowserName, &p.IsMobile, &p.ScreenResolution, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant row: %w", err)
	}

	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// RegisterParticipant numbers and inserts a participant in one statement so
// the count and the insert cannot interleave with another writer.
func (s *SQLiteStore) RegisterParticipant(ctx context.Context, p *domain.Participant) (*domain.Participant, error) {
	query := `
	INSERT INTO participants (
		subject_id, experiment_type, participant_number, lang, participant_group,
		is_completed, browser_name, is_mobile, screen_resolution, created_at, updated_at
	)
	SELECT ?, ?, COUNT(*) + 1, ?, ?, 0, ?, ?, ?, ?, ?
	FROM participants WHERE experiment_type = ? AND is_completed = 1
	ON CONFLICT(subject_id, experiment_type) DO NOTHING`

	now := time.Now().Unix()
	err := shared.RetryOnConflict(ctx, "register participant", s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query,
			p.SubjectID, string(p.ExperimentType), string(p.Lang), string(p.Group),
			p.BrowserName, p.IsMobile, p.ScreenResolution, now, now,
			string(p.ExperimentType),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register participant: %w", err)
	}

	stored, err := s.GetParticipant(ctx, p.SubjectID, p.ExperimentType)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("participant %s vanished after insert", p.SubjectID)
	}
	return stored, nil
}

// MarkParticipantCompleted sets is_completed on a participant row.
func (s *SQLiteStore) MarkParticipantCompleted(ctx context.Context, subjectID string, expType domain.ExperimentType) error {
	query := `UPDATE participants SET is_completed = 1, updated_at = ? WHERE subject_id = ? AND experiment_type = ?`

	var rows int64
	err := shared.RetryOnConflict(ctx, "mark participant completed", s.retry, func() error {
		result, err := s.db.ExecContext(ctx, query, time.Now().Unix(), subjectID, string(expType))
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark participant completed: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("participant %s/%s: %w", expType, subjectID, errdefs.ErrNotFound)
	}
	return nil
}

// GetSession retrieves a stored session.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*domain.StoredSession, error) {
	query := `
		SELECT session_key, experiment_type, subject_id, trial_index, session_json, created_at, updated_at
		FROM sessions WHERE session_key = ?`

	row := s.db.QueryRowContext(ctx, query, key)

	var ss domain.StoredSession
	var payload string
	var createdAt, updatedAt int64
	err := row.Scan(&ss.Key, &ss.ExperimentType, &ss.SubjectID, &ss.TrialIndex, &payload, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	ss.Payload = []byte(payload)
	ss.CreatedAt = time.Unix(createdAt, 0)
	ss.UpdatedAt = time.Unix(updatedAt, 0)
	return &ss, nil
}

// UpsertSession creates or replaces a stored session.
func (s *SQLiteStore) UpsertSession(ctx context.Context, ss *domain.StoredSession) error {
	query := `
	INSERT INTO sessions (session_key, experiment_type, subject_id, trial_index, session_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_key) DO UPDATE SET
		experiment_type = excluded.experiment_type,
		subject_id = excluded.subject_id,
		trial_index = excluded.trial_index,
		session_json = excluded.session_json,
		updated_at = excluded.updated_at`

	createdAt := ss.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err := shared.RetryOnConflict(ctx, "upsert session", s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query,
			ss.Key, string(ss.ExperimentType), ss.SubjectID, ss.TrialIndex, string(ss.Payload),
			createdAt.Unix(), time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// UpdateSessionProgress writes a session only if its cursor is unchanged.
func (s *SQLiteStore) UpdateSessionProgress(ctx context.Context, key string, expectedIndex, newIndex int, payload []byte) error {
	query := `
		UPDATE sessions SET trial_index = ?, session_json = ?, updated_at = ?
		WHERE session_key = ? AND trial_index = ?`

	var rows int64
	err := shared.RetryOnConflict(ctx, "update session progress", s.retry, func() error {
		result, err := s.db.ExecContext(ctx, query, newIndex, string(payload), time.Now().Unix(), key, expectedIndex)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update session progress: %w", err)
	}
	if rows > 0 {
		return nil
	}

	current, err := s.GetSession(ctx, key)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("session %s: %w", key, errdefs.ErrNotFound)
	}
	slog.Warn("UpdateSessionProgress affected 0 rows",
		"session_key", key, "expected_index", expectedIndex, "stored_index", current.TrialIndex)
	return ErrProgressConflict
}

// DeleteSession removes a stored session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	err := shared.RetryOnConflict(ctx, "delete session", s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteStaleSessions removes sessions not updated within olderThan.
func (s *SQLiteStore) DeleteStaleSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).Unix()

	var deleted int64
	err := shared.RetryOnConflict(ctx, "delete stale sessions", s.retry, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	return deleted, nil
}

// SetCompleted records a completion flag.
func (s *SQLiteStore) SetCompleted(ctx context.Context, expType domain.ExperimentType, subjectID string) error {
	query := `
	INSERT INTO completions (experiment_type, subject_id, completed_at) VALUES (?, ?, ?)
	ON CONFLICT(experiment_type, subject_id) DO NOTHING`

	err := shared.RetryOnConflict(ctx, "set completed", s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query, string(expType), subjectID, time.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("set completed: %w", err)
	}
	return nil
}

// IsCompleted reports whether a completion flag exists.
func (s *SQLiteStore) IsCompleted(ctx context.Context, expType domain.ExperimentType, subjectID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM completions WHERE experiment_type = ? AND subject_id = ?`,
		string(expType), subjectID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query completion: %w", err)
	}
	return n > 0, nil
}
