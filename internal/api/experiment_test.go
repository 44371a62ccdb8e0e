//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/recall-labs/internal/config"
	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/experiment"
	"github.com/ashureev/recall-labs/internal/identity"
	"github.com/ashureev/recall-labs/internal/registry"
	"github.com/ashureev/recall-labs/internal/session"
	"github.com/ashureev/recall-labs/internal/stimuli"
	"github.com/ashureev/recall-labs/internal/store"
	"github.com/ashureev/recall-labs/internal/timeline"
	"github.com/ashureev/recall-labs/internal/upload"
	"github.com/go-chi/chi/v5"
)

type fakeUploader struct {
	mu      sync.Mutex
	err     error
	batches []upload.Batch
}

func (f *fakeUploader) Upload(_ context.Context, b upload.Batch) (upload.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return upload.Receipt{}, f.err
	}
	f.batches = append(f.batches, b)
	return upload.Receipt{ID: fmt.Sprintf("receipt-%d", len(f.batches))}, nil
}

func (f *fakeUploader) uploaded() []upload.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upload.Batch(nil), f.batches...)
}

func (f *fakeUploader) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type testServer struct {
	srv      *httptest.Server
	client   *http.Client
	uploader *fakeUploader
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	catalog, err := stimuli.LoadCatalog()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	counts := config.Counts{ItemCountLearning: 4, TestOldCount: 2, TestNewCount: 2}
	cfg := config.ExperimentConfig{
		Counts: map[domain.ExperimentType]config.Counts{
			domain.ExperimentLinguistic: counts,
			domain.ExperimentVisual:     counts,
		},
		StudyPhaseDelay:            2 * time.Second,
		FixationDuration:           500 * time.Millisecond,
		DistractorTrialCount:       2,
		DistractorMin:              1,
		DistractorMax:              99,
		DistractorKeys:             [2]string{"f", "j"},
		CheckPreviousParticipation: true,
		ExperimentIDs:              map[string]string{"linguistic_tr": "ling-tr"},
	}

	sessions := session.NewStore(repo, nil)
	up := &fakeUploader{}
	svc := experiment.NewService(cfg, sessions, registry.NewService(repo, nil),
		stimuli.NewGenerator(catalog, rand.New(rand.NewPCG(1, 2)), nil), up, nil)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewExperimentHandler(svc, sessions, nil).RegisterRoutes(r)
	NewHealthHandler(repo, nil, nil).RegisterHealth(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &testServer{srv: srv, client: &http.Client{Jar: jar}, uploader: up}
}

type stateView struct {
	RunID             string `json:"run_id"`
	Lang              string `json:"lang"`
	ParticipantNumber int    `json:"participant_number"`
	Done              bool   `json:"done"`
	ReceiptID         string `json:"receipt_id"`
	Step              *struct {
		Slot int           `json:"slot"`
		Kind timeline.Kind `json:"kind"`
	} `json:"step"`
}

type submitView struct {
	Record domain.TrialRecord `json:"record"`
	State  stateView          `json:"state"`
	Error  string             `json:"error"`
	Screen string             `json:"screen"`
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func answerFor(kind timeline.Kind) timeline.Response {
	switch kind {
	case timeline.KindDemographics:
		return timeline.Response{Survey: map[string]any{"consent_agreement": timeline.ConsentAgreed}}
	case timeline.KindDistractor:
		return timeline.Response{Key: "j"}
	case timeline.KindLinguisticTest:
		return timeline.Response{Choice: domain.ChoiceIndirect}
	}
	return timeline.Response{RTMillis: 800}
}

func (s *testServer) submit(t *testing.T, path string, slot int, kind timeline.Kind) (int, submitView) {
	t.Helper()
	var out submitView
	code := s.do(t, http.MethodPost, path, map[string]any{"slot": slot, "response": answerFor(kind)}, &out)
	return code, out
}

const stepPath = "/api/experiments/linguistic/step?group=standard"

func TestGetStepRequiresLanguage(t *testing.T) {
	s := newTestServer(t)

	var out ErrorResponse
	code := s.do(t, http.MethodGet, stepPath, nil, &out)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if out.Screen != ScreenLanguageSelection {
		t.Errorf("expected language selection screen, got %q", out.Screen)
	}
}

func TestGetStepInvalidPath(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{
		"/api/experiments/linguistic/step?group=vip&lang=tr",
		"/api/experiments/audio/step?group=standard&lang=tr",
	} {
		var out ErrorResponse
		code := s.do(t, http.MethodGet, path, nil, &out)
		if code != http.StatusNotFound || out.Screen != ScreenInvalidPath {
			t.Errorf("%s: got %d %q, want 404 %q", path, code, out.Screen, ScreenInvalidPath)
		}
	}
}

func TestFullRunOverREST(t *testing.T) {
	s := newTestServer(t)

	var st stateView
	if code := s.do(t, http.MethodGet, stepPath+"&lang=tr&screen=1920x1080", nil, &st); code != http.StatusOK {
		t.Fatalf("start: got %d", code)
	}
	if st.ParticipantNumber != 1 || st.Step == nil || st.Step.Kind != timeline.KindPreload {
		t.Fatalf("unexpected start state %+v", st)
	}

	// reload without lang resumes the stored session
	var again stateView
	s.do(t, http.MethodGet, stepPath, nil, &again)
	if again.Step == nil || again.Step.Slot != 0 || again.Lang != "tr" {
		t.Fatalf("unexpected resumed state %+v", again)
	}

	steps := 0
	for !st.Done {
		code, out := s.submit(t, stepPath, st.Step.Slot, st.Step.Kind)
		if code != http.StatusOK {
			t.Fatalf("slot %d (%s): got %d %s", st.Step.Slot, st.Step.Kind, code, out.Error)
		}
		if out.Record.Slot != st.Step.Slot {
			t.Errorf("record slot %d, want %d", out.Record.Slot, st.Step.Slot)
		}
		st = out.State
		steps++
	}
	if steps != 18 {
		t.Errorf("expected 18 answered steps, got %d", steps)
	}
	if st.ReceiptID != "receipt-1" {
		t.Errorf("expected receipt-1, got %q", st.ReceiptID)
	}
	batches := s.uploader.uploaded()
	if len(batches) != 1 {
		t.Fatalf("expected one upload, got %d", len(batches))
	}
	if got := batches[0].ExperimentID; got != "ling-tr" {
		t.Errorf("experiment id %q", got)
	}

	var out ErrorResponse
	if code := s.do(t, http.MethodGet, stepPath+"&lang=tr", nil, &out); code != http.StatusConflict {
		t.Fatalf("expected 409 after completion, got %d", code)
	}
	if out.Screen != ScreenAlreadyParticipated {
		t.Errorf("expected already participated screen, got %q", out.Screen)
	}

	var me struct {
		SubjectID string          `json:"subject_id"`
		Completed map[string]bool `json:"completed"`
	}
	s.do(t, http.MethodGet, "/api/me", nil, &me)
	if !identity.IsValidSubjectID(me.SubjectID) {
		t.Errorf("unexpected subject id %q", me.SubjectID)
	}
	if !me.Completed["linguistic"] || me.Completed["visual"] {
		t.Errorf("unexpected completion flags %v", me.Completed)
	}
}

func TestSubmitRejectsStaleAndInvalidResponses(t *testing.T) {
	s := newTestServer(t)

	var st stateView
	s.do(t, http.MethodGet, stepPath+"&lang=de", nil, &st)
	if code, _ := s.submit(t, stepPath, 0, timeline.KindPreload); code != http.StatusOK {
		t.Fatalf("preload: got %d", code)
	}

	// a duplicate of the already answered slot
	if code, _ := s.submit(t, stepPath, 0, timeline.KindPreload); code != http.StatusConflict {
		t.Errorf("duplicate submit: expected 409, got %d", code)
	}

	var out submitView
	code := s.do(t, http.MethodPost, stepPath, map[string]any{
		"slot":     1,
		"response": map[string]any{"survey": map[string]any{"consent_agreement": "no"}},
	}, &out)
	if code != http.StatusBadRequest {
		t.Errorf("missing consent: expected 400, got %d", code)
	}

	if code := s.do(t, http.MethodPost, stepPath, map[string]any{"response": map[string]any{}}, nil); code != http.StatusBadRequest {
		t.Errorf("missing slot: expected 400, got %d", code)
	}

	s.do(t, http.MethodGet, stepPath, nil, &st)
	if st.Step == nil || st.Step.Slot != 1 {
		t.Errorf("expected to resume at slot 1, got %+v", st.Step)
	}
}

func TestUploadFailureReturnsPersistedRecord(t *testing.T) {
	s := newTestServer(t)
	s.uploader.setErr(fmt.Errorf("%w: collector down", upload.ErrUpload))

	var st stateView
	s.do(t, http.MethodGet, stepPath+"&lang=tr", nil, &st)

	var (
		code int
		out  submitView
	)
	for {
		code, out = s.submit(t, stepPath, st.Step.Slot, st.Step.Kind)
		if code != http.StatusOK {
			break
		}
		st = out.State
	}
	if code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d (%s)", code, out.Error)
	}
	if out.Record.Phase != domain.PhaseRetrieval {
		t.Errorf("expected the last test record to be returned, got %+v", out.Record)
	}

	s.uploader.setErr(nil)
	if code := s.do(t, http.MethodGet, stepPath, nil, &st); code != http.StatusOK {
		t.Fatalf("retry: got %d", code)
	}
	if !st.Done || st.ReceiptID == "" {
		t.Errorf("expected the reload to finish the upload, got %+v", st)
	}
}

func TestHealth(t *testing.T) {
	down := PingFunc(func(context.Context) error { return fmt.Errorf("connection refused") })
	up := PingFunc(func(context.Context) error { return nil })

	tests := []struct {
		name      string
		repo      Pinger
		collector Pinger
		code      int
		status    string
	}{
		{"healthy", up, nil, http.StatusOK, "healthy"},
		{"database down", down, nil, http.StatusServiceUnavailable, "degraded"},
		{"collector down", up, down, http.StatusOK, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tt.repo, tt.collector, nil).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, w.Code)
			}
			var body struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.status {
				t.Errorf("expected %q, got %q", tt.status, body.Status)
			}
		})
	}
}
