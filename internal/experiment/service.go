package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/recall-labs/internal/config"
	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/registry"
	"github.com/ashureev/recall-labs/internal/session"
	"github.com/ashureev/recall-labs/internal/stimuli"
	"github.com/ashureev/recall-labs/internal/timeline"
	"github.com/ashureev/recall-labs/internal/upload"
	"github.com/containerd/errdefs"
)

// ErrAlreadyParticipated is returned when a subject who completed an
// experiment starts it again and re-participation is blocked.
var ErrAlreadyParticipated = fmt.Errorf("already participated: %w", errdefs.ErrFailedPrecondition)

// SessionStore is the durable session store used by runs.
type SessionStore interface {
	Load(ctx context.Context, expType domain.ExperimentType, subjectID string) (*domain.Session, error)
	Save(ctx context.Context, expType domain.ExperimentType, subjectID string, sess *domain.Session) error
	UpdateProgress(ctx context.Context, expType domain.ExperimentType, subjectID string, sess *domain.Session, idx int, record domain.TrialRecord) error
	Clear(ctx context.Context, expType domain.ExperimentType, subjectID string) error
	SetCompleted(ctx context.Context, expType domain.ExperimentType, subjectID string) error
	IsCompleted(ctx context.Context, expType domain.ExperimentType, subjectID string) (bool, error)
}

// Generator draws stimuli for new sessions.
type Generator interface {
	Generate(expType domain.ExperimentType, p stimuli.Params) (stimuli.Result, error)
	Distractors(count, lo, hi int, keys [2]string) []domain.DistractorTrial
}

// Service creates and resumes runs.
type Service struct {
	cfg       config.ExperimentConfig
	sessions  SessionStore
	registry  registry.Registry
	generator Generator
	uploader  upload.Uploader
	logger    *slog.Logger
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

// keyLock is a per-key mutex shared by everyone holding or waiting for it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewService wires a Service.
func NewService(cfg config.ExperimentConfig, sessions SessionStore, reg registry.Registry, gen Generator, up upload.Uploader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		sessions:  sessions,
		registry:  reg,
		generator: gen,
		uploader:  up,
		logger:    logger,
		now:       time.Now,
		locks:     make(map[string]*keyLock),
	}
}

// Lock serializes work on one subject's experiment. The returned function
// releases the lock; the entry is dropped once nobody holds or waits for it.
func (s *Service) Lock(expType domain.ExperimentType, subjectID string) func() {
	key := session.Key(expType, subjectID)

	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}

func (s *Service) lockCount() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

// Start resumes the subject's stored session or creates a new one, and
// returns a run positioned at the first step that has not completed. A run
// resumed at the save step executes it before returning.
func (s *Service) Start(ctx context.Context, ec Context) (*Run, error) {
	if s.cfg.CheckPreviousParticipation {
		done, err := s.sessions.IsCompleted(ctx, ec.ExperimentType, ec.SubjectID)
		if err != nil {
			return nil, fmt.Errorf("check previous participation: %w", err)
		}
		if done {
			return nil, ErrAlreadyParticipated
		}
	}

	sess, err := s.sessions.Load(ctx, ec.ExperimentType, ec.SubjectID)
	if err != nil {
		return nil, err
	}
	if sess != nil && ec.Lang == "" {
		ec.Lang = sess.Lang
	}
	if sess != nil && !ec.matches(sess) {
		s.logger.Info("discarding session started under another context",
			"subject_id", ec.SubjectID,
			"experiment_type", ec.ExperimentType,
			"session_lang", sess.Lang, "active_lang", ec.Lang,
			"session_group", sess.Group, "active_group", ec.Group)
		if err := s.sessions.Clear(ctx, ec.ExperimentType, ec.SubjectID); err != nil {
			return nil, err
		}
		sess = nil
	}

	if sess == nil {
		sess, err = s.create(ctx, ec)
		if err != nil {
			return nil, err
		}
	}
	run, err := s.newRun(ec, sess)
	if err != nil {
		return nil, err
	}
	if err := run.advance(ctx); err != nil {
		return run, err
	}
	return run, nil
}

func (s *Service) create(ctx context.Context, ec Context) (*domain.Session, error) {
	if ec.Lang == "" {
		return nil, ErrLanguageRequired
	}
	counts, ok := s.cfg.Counts[ec.ExperimentType]
	if !ok {
		return nil, fmt.Errorf("no counts configured for %q: %w", ec.ExperimentType, ErrUnknownExperiment)
	}

	number, err := s.registry.Register(ctx, registry.Registration{
		Lang:           ec.Lang,
		SubjectID:      ec.SubjectID,
		ExperimentType: ec.ExperimentType,
		Group:          ec.Group,
		Client:         ec.Client,
	})
	if err != nil {
		return nil, fmt.Errorf("register participant: %w", err)
	}

	res, err := s.generator.Generate(ec.ExperimentType, stimuli.Params{
		ItemCountLearning: counts.ItemCountLearning,
		TestOldCount:      counts.TestOldCount,
		TestNewCount:      counts.TestNewCount,
		Lang:              ec.Lang,
		ParticipantNumber: number,
	})
	if err != nil {
		return nil, fmt.Errorf("generate stimuli: %w", err)
	}

	sess := &domain.Session{
		ExperimentType:    ec.ExperimentType,
		SubjectID:         ec.SubjectID,
		StudyStimuli:      res.Learning,
		TestStimuli:       res.Test,
		DistractorTrials:  s.generator.Distractors(s.cfg.DistractorTrialCount, s.cfg.DistractorMin, s.cfg.DistractorMax, s.cfg.DistractorKeys),
		TrialIndex:        domain.NoTrialCompleted,
		TrialData:         []domain.TrialRecord{},
		ParticipantNumber: number,
		Lang:              ec.Lang,
		Group:             ec.Group,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.sessions.Save(ctx, ec.ExperimentType, ec.SubjectID, sess); err != nil {
		return nil, err
	}

	s.logger.Info("session created",
		"subject_id", ec.SubjectID,
		"experiment_type", ec.ExperimentType,
		"participant_number", number,
		"lang", ec.Lang,
		"group", ec.Group)
	return sess, nil
}

func (s *Service) timing() timeline.Timing {
	return timeline.Timing{
		StudyDelay:     s.cfg.StudyPhaseDelay,
		Fixation:       s.cfg.FixationDuration,
		PreloadMaxWait: s.cfg.PreloadMaxWait,
		DistractorKeys: s.cfg.DistractorKeys,
	}
}
