package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/experiment"
	"github.com/ashureev/recall-labs/internal/identity"
	"github.com/ashureev/recall-labs/internal/registry"
	"github.com/ashureev/recall-labs/internal/timeline"
	"github.com/ashureev/recall-labs/internal/upload"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

const maxSubmitBytes = 1 << 20

// Runner starts or resumes runs. *experiment.Service implements it.
type Runner interface {
	Lock(expType domain.ExperimentType, subjectID string) func()
	Start(ctx context.Context, ec experiment.Context) (*experiment.Run, error)
}

// CompletionChecker reports coarse completion flags.
type CompletionChecker interface {
	IsCompleted(ctx context.Context, expType domain.ExperimentType, subjectID string) (bool, error)
}

// ExperimentHandler serves the stateless REST flow: every request resumes
// the run from the durable store.
type ExperimentHandler struct {
	runner      Runner
	completions CompletionChecker
	logger      *slog.Logger
}

// NewExperimentHandler creates an ExperimentHandler.
func NewExperimentHandler(runner Runner, completions CompletionChecker, logger *slog.Logger) *ExperimentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExperimentHandler{runner: runner, completions: completions, logger: logger}
}

// RegisterRoutes registers the experiment routes.
func (h *ExperimentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/experiments/{expType}/step", h.GetStep)
		r.Post("/experiments/{expType}/step", h.SubmitStep)
	})
}

// GetMe returns the subject's identity and completion flags.
func (h *ExperimentHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	subjectID := identity.SubjectIDFromContext(r.Context())
	if subjectID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	completed := make(map[domain.ExperimentType]bool, 2)
	for _, expType := range []domain.ExperimentType{domain.ExperimentLinguistic, domain.ExperimentVisual} {
		done, err := h.completions.IsCompleted(r.Context(), expType, subjectID)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		completed[expType] = done
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"subject_id": subjectID,
		"tab_id":     identity.TabIDFromContext(r.Context()),
		"completed":  completed,
	})
}

// GetConfig returns the enumerations the browser needs to build links.
func (h *ExperimentHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"experiments": []domain.ExperimentType{domain.ExperimentLinguistic, domain.ExperimentVisual},
		"languages":   []domain.Language{domain.LanguageTR, domain.LanguageDE},
		"groups":      []domain.ParticipantGroup{domain.GroupStandard, domain.GroupHeritage},
	})
}

// contextFromRequest builds the experiment context from the path, the
// group/lang/screen query parameters and the subject cookie.
func contextFromRequest(r *http.Request) (experiment.Context, error) {
	subjectID := identity.SubjectIDFromContext(r.Context())
	if subjectID == "" {
		return experiment.Context{}, fmt.Errorf("missing subject identity: %w", errdefs.ErrUnauthenticated)
	}
	q := r.URL.Query()
	return experiment.NewContext(
		chi.URLParam(r, "expType"),
		subjectID,
		q.Get("group"),
		q.Get("lang"),
		registry.ClientInfo{UserAgent: r.UserAgent(), ScreenResolution: q.Get("screen")},
	)
}

// GetStep starts or resumes the run and returns its current step.
func (h *ExperimentHandler) GetStep(w http.ResponseWriter, r *http.Request) {
	ec, err := contextFromRequest(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	unlock := h.runner.Lock(ec.ExperimentType, ec.SubjectID)
	defer unlock()

	run, err := h.runner.Start(r.Context(), ec)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	JSON(w, http.StatusOK, run.State())
}

type submitRequest struct {
	Slot     *int              `json:"slot"`
	Response timeline.Response `json:"response"`
}

// SubmitStep completes the current step and returns the record and the
// run's next state.
func (h *ExperimentHandler) SubmitStep(w http.ResponseWriter, r *http.Request) {
	ec, err := contextFromRequest(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Slot == nil {
		Error(w, http.StatusBadRequest, "slot is required")
		return
	}

	unlock := h.runner.Lock(ec.ExperimentType, ec.SubjectID)
	defer unlock()

	run, err := h.runner.Start(r.Context(), ec)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	rec, err := run.Submit(r.Context(), *req.Slot, req.Response)
	if err != nil {
		var persisted any
		if errors.Is(err, upload.ErrUpload) {
			persisted = rec
		}
		writeError(w, err, persisted)
		return
	}

	h.logger.Debug("Step submitted",
		"run_id", run.ID,
		"subject_id", ec.SubjectID,
		"experiment_type", ec.ExperimentType,
		"slot", rec.Slot)
	JSON(w, http.StatusOK, map[string]interface{}{
		"record": rec,
		"state":  run.State(),
	})
}
