package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/recall-labs/internal/api"
	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/experiment"
	"github.com/ashureev/recall-labs/internal/identity"
	"github.com/ashureev/recall-labs/internal/registry"
	"github.com/ashureev/recall-labs/internal/timeline"
	"github.com/coder/websocket"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

// Message types.
const (
	TypeSubmit = "submit"
	TypePing   = "ping"
	TypeStep   = "step"
	TypeRecord = "record"
	TypeDone   = "done"
	TypeError  = "error"
	TypePong   = "pong"
)

const writeTimeout = 10 * time.Second

// Runner starts or resumes runs. *experiment.Service implements it.
type Runner interface {
	Lock(expType domain.ExperimentType, subjectID string) func()
	Start(ctx context.Context, ec experiment.Context) (*experiment.Run, error)
}

// inMessage is a message from the browser.
type inMessage struct {
	Type     string            `json:"type"`
	Slot     int               `json:"slot"`
	Response timeline.Response `json:"response"`
}

// outMessage is a message to the browser.
type outMessage struct {
	Type   string              `json:"type"`
	State  *experiment.State   `json:"state,omitempty"`
	Record *domain.TrialRecord `json:"record,omitempty"`
	Error  string              `json:"error,omitempty"`
	Screen string              `json:"screen,omitempty"`
	Status int                 `json:"status,omitempty"`
}

// WebSocketHandler holds one run per connection.
type WebSocketHandler struct {
	runner        Runner
	sm            *SessionManager
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(runner Runner, sm *SessionManager, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		runner:        runner,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// RegisterRoutes registers the WebSocket route.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/experiments/{expType}", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subjectID := identity.SubjectIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "subject_id", subjectID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	ec, err := experiment.NewContext(
		chi.URLParam(r, "expType"),
		subjectID,
		q.Get("group"),
		q.Get("lang"),
		registry.ClientInfo{UserAgent: r.UserAgent(), ScreenResolution: q.Get("screen")},
	)
	if err != nil {
		status, screen := api.Classify(err)
		api.JSON(w, status, api.ErrorResponse{Error: err.Error(), Screen: screen})
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "subject_id", subjectID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "run ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "subject_id", subjectID)
		}
	}()

	h.sm.Register(ec.SubjectID, ec.ExperimentType, ws)
	defer h.sm.Unregister(ec.SubjectID, ec.ExperimentType, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	run, err := h.start(ctx, ec)
	if err != nil {
		_ = h.sendError(ws, err)
		return
	}
	if err := h.sendState(ws, run); err != nil {
		return
	}

	h.readLoop(ctx, ws, ec, run)
	slog.Info("Live session ended", "subject_id", ec.SubjectID, "experiment_type", ec.ExperimentType)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) start(ctx context.Context, ec experiment.Context) (*experiment.Run, error) {
	unlock := h.runner.Lock(ec.ExperimentType, ec.SubjectID)
	defer unlock()
	return h.runner.Start(ctx, ec)
}

func (h *WebSocketHandler) submit(ctx context.Context, ec experiment.Context, run *experiment.Run, slot int, resp timeline.Response) (domain.TrialRecord, error) {
	unlock := h.runner.Lock(ec.ExperimentType, ec.SubjectID)
	defer unlock()
	return run.Submit(ctx, slot, resp)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, ec experiment.Context, run *experiment.Run) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "subject_id", ec.SubjectID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "subject_id", ec.SubjectID)
			}
			return
		}

		var msg inMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			if err := h.writeJSON(ws, outMessage{Type: TypeError, Error: "invalid message", Status: http.StatusBadRequest}); err != nil {
				return
			}
			continue
		}

		switch msg.Type {
		case TypePing:
			if err := h.writeJSON(ws, outMessage{Type: TypePong}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
		case TypeSubmit:
			next, err := h.handleSubmit(ctx, ws, ec, run, msg)
			if err != nil {
				return
			}
			run = next
		default:
			if err := h.writeJSON(ws, outMessage{Type: TypeError, Error: "unknown message type", Status: http.StatusBadRequest}); err != nil {
				return
			}
		}
	}
}

// handleSubmit completes the current step and reports the outcome. On a
// conflict the run is rebuilt from the store and the current step re-sent.
// It returns the run to continue with, or an error when the connection is
// unusable.
func (h *WebSocketHandler) handleSubmit(ctx context.Context, ws *websocket.Conn, ec experiment.Context, run *experiment.Run, msg inMessage) (*experiment.Run, error) {
	rec, err := h.submit(ctx, ec, run, msg.Slot, msg.Response)
	switch {
	case err == nil:
		if err := h.writeJSON(ws, outMessage{Type: TypeRecord, Record: &rec}); err != nil {
			return nil, err
		}
		return run, h.sendState(ws, run)

	case errdefs.IsConflict(err):
		slog.Info("Live run out of date, rebuilding",
			"subject_id", ec.SubjectID, "experiment_type", ec.ExperimentType, "slot", msg.Slot, "error", err)
		if werr := h.sendError(ws, err); werr != nil {
			return nil, werr
		}
		fresh, startErr := h.start(ctx, ec)
		if startErr != nil {
			_ = h.sendError(ws, startErr)
			return nil, startErr
		}
		return fresh, h.sendState(ws, fresh)

	case errors.Is(err, experiment.ErrStepFailed):
		_ = h.sendError(ws, err)
		return nil, err

	default:
		if werr := h.sendError(ws, err); werr != nil {
			return nil, werr
		}
		return run, nil
	}
}

func (h *WebSocketHandler) sendState(ws *websocket.Conn, run *experiment.Run) error {
	st := run.State()
	typ := TypeStep
	if st.Done {
		typ = TypeDone
	}
	return h.writeJSON(ws, outMessage{Type: typ, State: &st})
}

func (h *WebSocketHandler) sendError(ws *websocket.Conn, err error) error {
	status, screen := api.Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Live run failed", "error", err)
		msg = "internal error"
	}
	return h.writeJSON(ws, outMessage{Type: TypeError, Error: msg, Screen: screen, Status: status})
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
