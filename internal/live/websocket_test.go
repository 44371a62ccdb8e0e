package live

import (
	"context"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
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
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSubject = "subj_00112233445566778899aabbccddeeff"

type nopUploader struct{}

func (nopUploader) Upload(_ context.Context, b upload.Batch) (upload.Receipt, error) {
	return upload.Receipt{ID: "receipt-" + b.SubjectID, Bytes: int64(len(b.Records))}, nil
}

type wsFixture struct {
	srv *httptest.Server
	sm  *SessionManager
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "live.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	catalog, err := stimuli.LoadCatalog()
	require.NoError(t, err)

	counts := config.Counts{ItemCountLearning: 4, TestOldCount: 2, TestNewCount: 2}
	cfg := config.ExperimentConfig{
		Counts: map[domain.ExperimentType]config.Counts{
			domain.ExperimentLinguistic: counts,
			domain.ExperimentVisual:     counts,
		},
		DistractorTrialCount:       2,
		DistractorMin:              1,
		DistractorMax:              99,
		DistractorKeys:             [2]string{"f", "j"},
		CheckPreviousParticipation: true,
	}
	svc := experiment.NewService(cfg, session.NewStore(repo, nil), registry.NewService(repo, nil),
		stimuli.NewGenerator(catalog, rand.New(rand.NewPCG(3, 4)), nil), nopUploader{}, nil)

	sm := NewSessionManager()
	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewWebSocketHandler(svc, sm, "", true).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &wsFixture{srv: srv, sm: sm}
}

func (f *wsFixture) dial(t *testing.T, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Cookie", identity.SubjectCookieName+"="+testSubject)
	return websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+path, &websocket.DialOptions{HTTPHeader: header})
}

func (f *wsFixture) mustDial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	c, _, err := f.dial(t, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

// received mirrors outMessage with a decodable step view.
type received struct {
	Type  string `json:"type"`
	State *struct {
		RunID     string                  `json:"run_id"`
		Group     domain.ParticipantGroup `json:"group"`
		Done      bool                    `json:"done"`
		ReceiptID string                  `json:"receipt_id"`
		Step      *struct {
			Slot int           `json:"slot"`
			Kind timeline.Kind `json:"kind"`
		} `json:"step"`
	} `json:"state"`
	Record *domain.TrialRecord `json:"record"`
	Error  string              `json:"error"`
	Status int                 `json:"status"`
}

func read(t *testing.T, c *websocket.Conn) received {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg received
	require.NoError(t, wsjson.Read(ctx, c, &msg))
	return msg
}

func send(t *testing.T, c *websocket.Conn, msg inMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, msg))
}

func answer(kind timeline.Kind) timeline.Response {
	switch kind {
	case timeline.KindDemographics:
		return timeline.Response{Survey: map[string]any{"consent_agreement": timeline.ConsentAgreed, "heritage_years": "12"}}
	case timeline.KindDistractor:
		return timeline.Response{Key: "f"}
	case timeline.KindRecognition:
		return timeline.Response{Choice: domain.ChoiceYes}
	case timeline.KindSource:
		return timeline.Response{Choice: domain.ChoiceSawDirectly}
	}
	return timeline.Response{RTMillis: 640}
}

func TestLiveRunToCompletion(t *testing.T) {
	f := newWSFixture(t)
	c := f.mustDial(t, "/ws/experiments/visual?group=heritage&lang=de")

	msg := read(t, c)
	require.Equal(t, TypeStep, msg.Type)
	require.NotNil(t, msg.State.Step)
	assert.Equal(t, timeline.KindPreload, msg.State.Step.Kind)
	assert.Equal(t, domain.GroupHeritage, msg.State.Group)

	answered := 0
	for msg.Type == TypeStep {
		step := msg.State.Step
		send(t, c, inMessage{Type: TypeSubmit, Slot: step.Slot, Response: answer(step.Kind)})

		rec := read(t, c)
		require.Equal(t, TypeRecord, rec.Type, "slot %d: %s", step.Slot, rec.Error)
		assert.Equal(t, step.Slot, rec.Record.Slot)
		answered++

		msg = read(t, c)
	}
	require.Equal(t, TypeDone, msg.Type)
	assert.Equal(t, 22, answered)
	assert.Equal(t, "receipt-"+testSubject, msg.State.ReceiptID)
	assert.Equal(t, timeline.KindCompletion, msg.State.Step.Kind)
}

func TestLiveSlotMismatchResendsCurrentStep(t *testing.T) {
	f := newWSFixture(t)
	c := f.mustDial(t, "/ws/experiments/linguistic?group=standard&lang=tr")
	first := read(t, c)
	require.Equal(t, 0, first.State.Step.Slot)

	send(t, c, inMessage{Type: TypeSubmit, Slot: 7})
	errMsg := read(t, c)
	assert.Equal(t, TypeError, errMsg.Type)
	assert.Equal(t, http.StatusConflict, errMsg.Status)

	again := read(t, c)
	require.Equal(t, TypeStep, again.Type)
	assert.Equal(t, 0, again.State.Step.Slot)
	assert.NotEqual(t, first.State.RunID, again.State.RunID, "run is rebuilt from the store")
}

func TestLivePing(t *testing.T) {
	f := newWSFixture(t)
	c := f.mustDial(t, "/ws/experiments/linguistic?group=standard&lang=tr")
	read(t, c)

	send(t, c, inMessage{Type: TypePing})
	assert.Equal(t, TypePong, read(t, c).Type)

	send(t, c, inMessage{Type: "bogus"})
	msg := read(t, c)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, http.StatusBadRequest, msg.Status)
}

func TestLiveInvalidResponseKeepsRun(t *testing.T) {
	f := newWSFixture(t)
	c := f.mustDial(t, "/ws/experiments/linguistic?group=standard&lang=tr")
	read(t, c)

	send(t, c, inMessage{Type: TypeSubmit, Slot: 0})
	require.Equal(t, TypeRecord, read(t, c).Type)
	require.Equal(t, timeline.KindDemographics, read(t, c).State.Step.Kind)

	send(t, c, inMessage{Type: TypeSubmit, Slot: 1, Response: timeline.Response{Survey: map[string]any{}}})
	msg := read(t, c)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, http.StatusBadRequest, msg.Status)

	send(t, c, inMessage{Type: TypeSubmit, Slot: 1, Response: answer(timeline.KindDemographics)})
	assert.Equal(t, TypeRecord, read(t, c).Type)
}

func TestLiveNewerConnectionReplacesOlder(t *testing.T) {
	f := newWSFixture(t)
	old := f.mustDial(t, "/ws/experiments/visual?group=standard&lang=tr")
	read(t, old)

	newer := f.mustDial(t, "/ws/experiments/visual?group=standard&lang=tr")
	msg := read(t, newer)
	require.Equal(t, TypeStep, msg.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := old.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestLiveRejectsInvalidGroup(t *testing.T) {
	f := newWSFixture(t)
	_, resp, err := f.dial(t, "/ws/experiments/visual?group=vip&lang=tr")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
