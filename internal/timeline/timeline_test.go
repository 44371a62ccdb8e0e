package timeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/scoring"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func testSession(expType domain.ExperimentType) *domain.Session {
	sess := &domain.Session{
		ExperimentType:    expType,
		SubjectID:         "subj_t",
		TrialIndex:        domain.NoTrialCompleted,
		ParticipantNumber: 3,
		Lang:              domain.LanguageTR,
		Group:             domain.GroupStandard,
		DistractorTrials: []domain.DistractorTrial{
			{Number: 4, CorrectKey: "f"},
			{Number: 7, CorrectKey: "j"},
		},
	}
	for _, id := range []int{2, 5, 7, 9} {
		cond := domain.ConditionDirect
		if id == 2 {
			cond = domain.ConditionIndirect
		}
		sess.StudyStimuli = append(sess.StudyStimuli, domain.TrialItem{
			ID: id, ItemType: domain.ItemOld, Condition: cond,
			Sentence: "Ali ekmek ...", OptionDirect: "aldı", OptionIndirect: "almış", ShownVersion: "aldı",
			ImagePath: imageFor(expType, id),
		})
	}
	sess.TestStimuli = []domain.TrialItem{
		sess.StudyStimuli[1],
		{ID: 101, ItemType: domain.ItemNew, Condition: domain.ConditionNewItem, Sentence: "Kedi ...", OptionDirect: "bekledi", OptionIndirect: "beklemiş"},
		sess.StudyStimuli[0],
		{ID: 102, ItemType: domain.ItemNew, Condition: domain.ConditionNewItem, Sentence: "Doktor ...", OptionDirect: "verdi", OptionIndirect: "vermiş"},
	}
	return sess
}

func imageFor(expType domain.ExperimentType, id int) string {
	if expType != domain.ExperimentVisual {
		return ""
	}
	return "img/" + string(rune('a'+id)) + ".jpg"
}

func build(t *testing.T, sess *domain.Session) []Step {
	t.Helper()
	steps, err := Build(Input{
		Session: sess,
		Timing:  Timing{StudyDelay: 2 * time.Second, Fixation: 500 * time.Millisecond, DistractorKeys: [2]string{"f", "j"}},
		Now:     fixedNow,
	})
	require.NoError(t, err)
	return steps
}

func kinds(steps []Step) []Kind {
	out := make([]Kind, len(steps))
	for i, s := range steps {
		out[i] = s.Kind
	}
	return out
}

func TestBuildLinguisticPhaseOrder(t *testing.T) {
	steps := build(t, testSession(domain.ExperimentLinguistic))

	want := []Kind{
		KindPreload, KindDemographics, KindInstruction, KindInstruction,
		KindStudy, KindStudy, KindStudy, KindStudy,
		KindInstruction,
		KindFixation, KindDistractor, KindFixation, KindDistractor,
		KindInstruction,
		KindLinguisticTest, KindLinguisticTest, KindLinguisticTest, KindLinguisticTest,
		KindSave, KindCompletion,
	}
	assert.Equal(t, want, kinds(steps))
	for i, s := range steps {
		assert.Equal(t, i, s.Slot)
	}
	assert.True(t, steps[len(steps)-1].Terminal())
	assert.True(t, steps[len(steps)-2].Terminal())
}

func TestBuildVisualPairsRecognitionWithConditionalSource(t *testing.T) {
	steps := build(t, testSession(domain.ExperimentVisual))
	require.Len(t, steps, 24)

	test := steps[14:22]
	for i := 0; i < len(test); i += 2 {
		assert.Equal(t, KindRecognition, test[i].Kind)
		assert.Nil(t, test[i].When)
		assert.Equal(t, KindSource, test[i+1].Kind)
		assert.NotNil(t, test[i+1].When)
	}

	preload := steps[0].Payload.(PreloadPayload)
	assert.Len(t, preload.Images, 4)
}

func TestRebuildYieldsSameSlots(t *testing.T) {
	sess := testSession(domain.ExperimentVisual)
	a := build(t, sess)
	b := build(t, sess)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Slot, b[i].Slot)
		assert.Equal(t, a[i].Kind, b[i].Kind)
		assert.Equal(t, a[i].Payload, b[i].Payload)
	}
}

func TestHandlersCaptureTheirOwnSlot(t *testing.T) {
	steps := build(t, testSession(domain.ExperimentLinguistic))

	// complete in reverse order to make sure no handler shares a cursor
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.Terminal() {
			continue
		}
		rec, err := s.Complete(validResponse(s))
		require.NoError(t, err, "slot %d", s.Slot)
		assert.Equal(t, s.Slot, rec.Slot)
		assert.Equal(t, domain.ExperimentLinguistic, rec.ExperimentType)
		assert.Equal(t, 3, rec.ParticipantNumber)
		assert.Equal(t, fixedNow(), rec.RecordedAt)
	}
}

func validResponse(s Step) Response {
	switch s.Kind {
	case KindDemographics:
		return Response{Survey: map[string]any{"consent_agreement": ConsentAgreed}}
	case KindDistractor:
		return Response{Key: "f"}
	case KindLinguisticTest:
		return Response{Choice: domain.ChoiceNew}
	case KindRecognition:
		return Response{Choice: domain.ChoiceYes}
	case KindSource:
		return Response{Choice: domain.ChoiceSawDirectly}
	}
	return Response{}
}

func TestStudyRecordCarriesItem(t *testing.T) {
	steps := build(t, testSession(domain.ExperimentLinguistic))
	rec, err := steps[4].Complete(Response{RTMillis: 2100})
	require.NoError(t, err)
	require.NotNil(t, rec.ItemID)
	assert.Equal(t, 2, *rec.ItemID)
	assert.Equal(t, domain.PhaseEncoding, rec.Phase)
	assert.Equal(t, domain.ConditionIndirect, rec.Condition)
	assert.Equal(t, "Ali ekmek aldı", rec.RawSentence)
	assert.Equal(t, int64(2100), rec.RTMillis)
}

func TestDemographicsRequiresConsent(t *testing.T) {
	steps := build(t, testSession(domain.ExperimentLinguistic))
	_, err := steps[1].Complete(Response{Survey: map[string]any{"age": 30}})
	require.ErrorIs(t, err, ErrConsentRequired)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestDistractorRecordScoresParity(t *testing.T) {
	steps := build(t, testSession(domain.ExperimentLinguistic))
	rec, err := steps[12].Complete(Response{Key: "f"})
	require.NoError(t, err)
	assert.Equal(t, 7, rec.Number)
	assert.Equal(t, "j", rec.CorrectKey)
	require.NotNil(t, rec.Correct)
	assert.False(t, *rec.Correct)
}

func TestDistractorRejectsKeysOutsidePair(t *testing.T) {
	steps := build(t, testSession(domain.ExperimentLinguistic))
	require.Equal(t, KindDistractor, steps[10].Kind)
	_, err := steps[10].Complete(Response{Key: "space"})
	require.ErrorIs(t, err, scoring.ErrInvalidResponse)
}

func TestResumeFromScratch(t *testing.T) {
	sess := testSession(domain.ExperimentLinguistic)
	steps := build(t, sess)
	log := NewDataLog()

	remaining, err := Resume(steps, sess, log)
	require.NoError(t, err)
	assert.Len(t, remaining, len(steps))
	assert.Equal(t, 0, log.Len())
}

func TestResumeReplaysBeforeSlicing(t *testing.T) {
	sess := testSession(domain.ExperimentLinguistic)
	steps := build(t, sess)
	// stopped after the second of four study trials
	for slot := 0; slot <= 5; slot++ {
		rec, err := steps[slot].Complete(validResponse(steps[slot]))
		require.NoError(t, err)
		sess.TrialData = append(sess.TrialData, rec)
		sess.TrialIndex = slot
	}

	log := NewDataLog()
	remaining, err := Resume(steps, sess, log)
	require.NoError(t, err)
	require.NotEmpty(t, remaining)
	assert.Equal(t, 6, remaining[0].Slot)
	assert.Equal(t, KindStudy, remaining[0].Kind)
	assert.Equal(t, 7, remaining[0].Payload.(StudyPayload).ItemID)
	assert.Equal(t, 6, log.Len())
	assert.Equal(t, sess.TrialData, log.Records())
}

func TestResumeAtEndRunsNothing(t *testing.T) {
	sess := testSession(domain.ExperimentLinguistic)
	steps := build(t, sess)
	sess.TrialIndex = len(steps) - 1

	remaining, err := Resume(steps, sess, NewDataLog())
	require.NoError(t, err)
	assert.Empty(t, remaining)

	sess.TrialIndex = len(steps)
	_, err = Resume(steps, sess, NewDataLog())
	assert.ErrorIs(t, err, ErrIndexDesync)
}

func TestResumeRejectsMisnumberedSteps(t *testing.T) {
	sess := testSession(domain.ExperimentLinguistic)
	steps := build(t, sess)
	steps[3].Slot = 9

	_, err := Resume(steps, sess, NewDataLog())
	assert.ErrorIs(t, err, ErrIndexDesync)
}

func TestSourceStepEvaluatesReplayedRecognition(t *testing.T) {
	for _, tt := range []struct {
		answer string
		runs   bool
	}{
		{domain.ChoiceYes, true},
		{domain.ChoiceNo, false},
	} {
		t.Run(tt.answer, func(t *testing.T) {
			sess := testSession(domain.ExperimentVisual)
			steps := build(t, sess)
			for slot := 0; slot <= 14; slot++ {
				resp := validResponse(steps[slot])
				if steps[slot].Kind == KindRecognition {
					resp.Choice = tt.answer
				}
				rec, err := steps[slot].Complete(resp)
				require.NoError(t, err)
				sess.TrialData = append(sess.TrialData, rec)
				sess.TrialIndex = slot
			}

			log := NewDataLog()
			remaining, err := Resume(steps, sess, log)
			require.NoError(t, err)
			require.Equal(t, KindSource, remaining[0].Kind)
			assert.Equal(t, tt.runs, remaining[0].Applies(log))
			// the next recognition does not depend on the log
			assert.True(t, remaining[1].Applies(log))
		})
	}
}

func TestAllocatorEnforcesSectionOrder(t *testing.T) {
	var a Allocator
	slot, err := a.Next(SectionPreload)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
	slot, err = a.Next(SectionStudy)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
	slot, err = a.Next(SectionStudy)
	require.NoError(t, err)
	assert.Equal(t, 2, slot)

	_, err = a.Next(SectionWelcome)
	assert.ErrorIs(t, err, ErrPhaseOrder)
	assert.Equal(t, 3, a.Len())
}

func TestStepMarshalsBrowserView(t *testing.T) {
	steps := build(t, testSession(domain.ExperimentLinguistic))
	raw, err := json.Marshal(steps[14])
	require.NoError(t, err)

	var view struct {
		Slot    int  `json:"slot"`
		Kind    Kind `json:"kind"`
		Payload struct {
			Text    string   `json:"text"`
			Options []Option `json:"options"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, 14, view.Slot)
	assert.Equal(t, KindLinguisticTest, view.Kind)
	assert.Equal(t, "Ali ekmek _______", view.Payload.Text)
	assert.Len(t, view.Payload.Options, 3)
}
