// Package registry assigns participant numbers used for counterbalancing.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/store"
	"github.com/containerd/errdefs"
)

// Registry is the participant registry consumed by experiment setup.
type Registry interface {
	// Register returns the subject's participant number, creating the row on
	// first call.
	Register(ctx context.Context, reg Registration) (int, error)
	// MarkCompleted flags the subject's row as completed.
	MarkCompleted(ctx context.Context, subjectID string, expType domain.ExperimentType) error
}

// Registration describes a subject entering an experiment.
type Registration struct {
	Lang           domain.Language
	SubjectID      string
	ExperimentType domain.ExperimentType
	Group          domain.ParticipantGroup
	Client         ClientInfo
}

// ClientInfo is browser metadata stored alongside the registry row.
type ClientInfo struct {
	UserAgent        string
	ScreenResolution string
}

var mobilePattern = regexp.MustCompile(`Mobi|Android`)

// BrowserName classifies the user agent as Chrome, Firefox or Other.
func (c ClientInfo) BrowserName() string {
	switch {
	case strings.Contains(c.UserAgent, "Firefox"):
		return "Firefox"
	case strings.Contains(c.UserAgent, "Chrome"):
		return "Chrome"
	default:
		return "Other"
	}
}

// IsMobile reports whether the user agent looks like a phone or tablet.
func (c ClientInfo) IsMobile() bool {
	return mobilePattern.MatchString(c.UserAgent)
}

// Service implements Registry on top of the SQLite repository.
type Service struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewService creates a registry backed by repo.
func NewService(repo store.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Register implements Registry.
func (s *Service) Register(ctx context.Context, reg Registration) (int, error) {
	if reg.SubjectID == "" {
		return 0, fmt.Errorf("subject id is required: %w", errdefs.ErrInvalidArgument)
	}

	existing, err := s.repo.GetParticipant(ctx, reg.SubjectID, reg.ExperimentType)
	if err != nil {
		return 0, unavailable(err)
	}
	if existing != nil {
		return existing.ParticipantNumber, nil
	}

	p, err := s.repo.RegisterParticipant(ctx, &domain.Participant{
		SubjectID:        reg.SubjectID,
		ExperimentType:   reg.ExperimentType,
		Lang:             reg.Lang,
		Group:            reg.Group,
		BrowserName:      reg.Client.BrowserName(),
		IsMobile:         reg.Client.IsMobile(),
		ScreenResolution: reg.Client.ScreenResolution,
	})
	if err != nil {
		return 0, unavailable(err)
	}

	s.logger.Info("participant registered",
		"subject_id", p.SubjectID,
		"experiment_type", p.ExperimentType,
		"participant_number", p.ParticipantNumber)
	return p.ParticipantNumber, nil
}

// MarkCompleted implements Registry.
func (s *Service) MarkCompleted(ctx context.Context, subjectID string, expType domain.ExperimentType) error {
	if err := s.repo.MarkParticipantCompleted(ctx, subjectID, expType); err != nil {
		if errdefs.IsNotFound(err) {
			return err
		}
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("participant registry: %w: %w", errdefs.ErrUnavailable, err)
}
