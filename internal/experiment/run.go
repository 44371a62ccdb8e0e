package experiment

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/timeline"
	"github.com/ashureev/recall-labs/internal/upload"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

var (
	// ErrRunFinished is returned when a response arrives after the last step.
	ErrRunFinished = fmt.Errorf("run already finished: %w", errdefs.ErrFailedPrecondition)
	// ErrSlotMismatch is returned when a response names a slot other than
	// the current one.
	ErrSlotMismatch = fmt.Errorf("response for a step that is not current: %w", errdefs.ErrConflict)
	// ErrStepFailed is returned when a step handler panics.
	ErrStepFailed = fmt.Errorf("step failed: %w", errdefs.ErrInternal)
)

// Run executes one session's remaining steps strictly in order.
type Run struct {
	ID string

	svc  *Service
	ec   Context
	sess *domain.Session
	log  *timeline.DataLog

	mu        sync.Mutex
	remaining []timeline.Step
	fatal     bool
	receipt   *upload.Receipt
}

func (s *Service) newRun(ec Context, sess *domain.Session) (*Run, error) {
	steps, err := timeline.Build(timeline.Input{Session: sess, Timing: s.timing(), Now: s.now})
	if err != nil {
		return nil, fmt.Errorf("build timeline: %w", err)
	}
	log := timeline.NewDataLog()
	remaining, err := timeline.Resume(steps, sess, log)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.NewString(),
		svc:       s,
		ec:        ec,
		sess:      sess,
		log:       log,
		remaining: remaining,
	}
	s.logger.Debug("run resumed",
		"run_id", run.ID,
		"subject_id", ec.SubjectID,
		"experiment_type", ec.ExperimentType,
		"trial_index", sess.TrialIndex,
		"replayed", log.Len(),
		"remaining", len(remaining))
	return run, nil
}

// Session returns the run's session.
func (r *Run) Session() *domain.Session {
	return r.sess
}

// Log returns the run's data log.
func (r *Run) Log() *timeline.DataLog {
	return r.log
}

// Current returns the step waiting for input, skipping conditional steps
// whose predicate is false. ok is false once nothing remains.
func (r *Run) Current() (step timeline.Step, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current()
}

func (r *Run) current() (timeline.Step, bool) {
	for len(r.remaining) > 0 {
		step := r.remaining[0]
		if step.Applies(r.log) {
			return step, true
		}
		r.svc.logger.Debug("skipping conditional step", "run_id", r.ID, "slot", step.Slot, "kind", step.Kind)
		r.remaining = r.remaining[1:]
	}
	return timeline.Step{}, false
}

// Done reports whether only the completion screen, or nothing, remains.
func (r *Run) Done() bool {
	step, ok := r.Current()
	return !ok || step.Kind == timeline.KindCompletion
}

// Fatal reports whether a step handler failed during this run.
func (r *Run) Fatal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// Submit completes the current step with resp. The record is persisted
// before the run moves on. When the next step is save, it is executed
// before Submit returns; an upload failure is returned together with the
// already persisted record.
func (r *Run) Submit(ctx context.Context, slot int, resp timeline.Response) (domain.TrialRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	step, ok := r.current()
	if !ok || step.Kind == timeline.KindCompletion {
		return domain.TrialRecord{}, ErrRunFinished
	}
	if step.Slot != slot {
		return domain.TrialRecord{}, fmt.Errorf("got slot %d, current slot %d: %w", slot, step.Slot, ErrSlotMismatch)
	}
	if step.Terminal() {
		return domain.TrialRecord{}, fmt.Errorf("step %s does not take responses: %w", step.Kind, errdefs.ErrFailedPrecondition)
	}

	rec, err := r.complete(step, resp)
	if err != nil {
		return domain.TrialRecord{}, err
	}

	if err := r.svc.sessions.UpdateProgress(ctx, r.ec.ExperimentType, r.ec.SubjectID, r.sess, step.Slot, rec); err != nil {
		return domain.TrialRecord{}, err
	}
	r.log.Append(rec)
	r.remaining = r.remaining[1:]

	r.svc.logger.Debug("step completed",
		"run_id", r.ID,
		"subject_id", r.ec.SubjectID,
		"experiment_type", r.ec.ExperimentType,
		"slot", step.Slot,
		"kind", step.Kind)

	return rec, r.advanceLocked(ctx)
}

// complete runs a step handler, turning a panic into ErrStepFailed.
func (r *Run) complete(step timeline.Step, resp timeline.Response) (rec domain.TrialRecord, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.fatal = true
			r.svc.logger.Error("step handler panicked",
				"run_id", r.ID,
				"subject_id", r.ec.SubjectID,
				"experiment_type", r.ec.ExperimentType,
				"slot", step.Slot,
				"kind", step.Kind,
				"panic", p,
				"stack", string(debug.Stack()))
			rec, err = domain.TrialRecord{}, fmt.Errorf("slot %d: %v: %w", step.Slot, p, ErrStepFailed)
		}
	}()
	return step.Complete(resp)
}

func (r *Run) advance(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advanceLocked(ctx)
}

// advanceLocked executes the save step if it is current.
func (r *Run) advanceLocked(ctx context.Context) error {
	step, ok := r.current()
	if !ok || step.Kind != timeline.KindSave {
		return nil
	}
	if err := r.save(ctx); err != nil {
		return err
	}
	r.remaining = r.remaining[1:]
	return nil
}

// save uploads the log, flags completion and clears the stored session.
func (r *Run) save(ctx context.Context) error {
	svc := r.svc
	batch := upload.Batch{
		RunID:          r.ID,
		ExperimentID:   svc.cfg.ExperimentID(r.ec.ExperimentType, r.sess.Lang),
		Filename:       r.ec.SubjectID + ".json",
		ExperimentType: r.ec.ExperimentType,
		SubjectID:      r.ec.SubjectID,
		FatalError:     r.fatal,
		Records:        r.log.Filter(r.ec.ExperimentType),
	}

	receipt, err := svc.uploader.Upload(ctx, batch)
	if err != nil {
		svc.logger.Error("upload failed, session kept for retry",
			"run_id", r.ID, "subject_id", r.ec.SubjectID, "experiment_type", r.ec.ExperimentType, "error", err)
		return fmt.Errorf("save run: %w", err)
	}
	r.receipt = &receipt

	if err := svc.registry.MarkCompleted(ctx, r.ec.SubjectID, r.ec.ExperimentType); err != nil {
		svc.logger.Warn("failed to mark participant completed",
			"subject_id", r.ec.SubjectID, "experiment_type", r.ec.ExperimentType, "error", err)
	}
	if err := svc.sessions.SetCompleted(ctx, r.ec.ExperimentType, r.ec.SubjectID); err != nil {
		return fmt.Errorf("set completed: %w", err)
	}
	if err := svc.sessions.Clear(ctx, r.ec.ExperimentType, r.ec.SubjectID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	svc.logger.Info("run saved",
		"run_id", r.ID,
		"subject_id", r.ec.SubjectID,
		"experiment_type", r.ec.ExperimentType,
		"records", len(batch.Records),
		"receipt_id", receipt.ID)
	return nil
}

// Receipt returns the upload receipt once the run has been saved.
func (r *Run) Receipt() (upload.Receipt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.receipt == nil {
		return upload.Receipt{}, false
	}
	return *r.receipt, true
}

// State is the browser's view of a run.
type State struct {
	RunID             string                  `json:"run_id"`
	ExperimentType    domain.ExperimentType   `json:"experiment_type"`
	SubjectID         string                  `json:"subject_id"`
	Lang              domain.Language         `json:"lang"`
	Group             domain.ParticipantGroup `json:"group"`
	ParticipantNumber int                     `json:"participant_number"`
	Step              *timeline.Step          `json:"step,omitempty"`
	Done              bool                    `json:"done"`
	FatalError        bool                    `json:"fatal_error"`
	ReceiptID         string                  `json:"receipt_id,omitempty"`
}

// State snapshots the run for the browser.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := State{
		RunID:             r.ID,
		ExperimentType:    r.ec.ExperimentType,
		SubjectID:         r.ec.SubjectID,
		Lang:              r.sess.Lang,
		Group:             r.sess.Group,
		ParticipantNumber: r.sess.ParticipantNumber,
		FatalError:        r.fatal,
	}
	step, ok := r.current()
	if ok {
		st.Step = &step
	}
	st.Done = !ok || step.Kind == timeline.KindCompletion
	if r.receipt != nil {
		st.ReceiptID = r.receipt.ID
	}
	return st
}
