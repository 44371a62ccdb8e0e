// Package timeline builds the ordered step list of an experiment run and
// resumes it from a stored session.
package timeline

import (
	"encoding/json"

	"github.com/ashureev/recall-labs/internal/domain"
)

// Kind tags a Step and its payload type.
type Kind string

const (
	KindPreload        Kind = "preload"
	KindDemographics   Kind = "demographics"
	KindInstruction    Kind = "instruction"
	KindStudy          Kind = "study"
	KindFixation       Kind = "fixation"
	KindDistractor     Kind = "distractor"
	KindLinguisticTest Kind = "linguistic_test"
	KindRecognition    Kind = "recognition"
	KindSource         Kind = "source"
	KindSave           Kind = "save"
	KindCompletion     Kind = "completion"
)

// Instruction screens.
const (
	ScreenWelcome         = "welcome"
	ScreenStudyIntro      = "study_intro"
	ScreenDistractorIntro = "distractor_intro"
	ScreenTestIntro       = "test_intro"
)

// Response is what the browser submits for the current step.
type Response struct {
	Choice       string         `json:"choice,omitempty"`
	Key          string         `json:"key,omitempty"`
	Survey       map[string]any `json:"survey,omitempty"`
	FailedAssets []string       `json:"failed_assets,omitempty"`
	RTMillis     int64          `json:"rt,omitempty"`
}

// Payload is the typed content of a step. Each kind has exactly one payload type.
type Payload interface {
	Kind() Kind
}

// Step is one slot of the timeline.
type Step struct {
	Slot    int
	Kind    Kind
	Payload Payload
	// When, if set, decides from the data log whether the step runs.
	When func(*DataLog) bool
	// Complete scores a response into the slot's record. Nil for save and
	// completion, which the run executes itself.
	Complete func(Response) (domain.TrialRecord, error)
}

// Terminal reports whether the step is executed by the run rather than by
// a participant response.
func (s Step) Terminal() bool {
	return s.Complete == nil
}

// Applies reports whether the step runs given log.
func (s Step) Applies(log *DataLog) bool {
	return s.When == nil || s.When(log)
}

// MarshalJSON renders the browser-facing view of the step.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Slot    int     `json:"slot"`
		Kind    Kind    `json:"kind"`
		Payload Payload `json:"payload"`
	}{s.Slot, s.Kind, s.Payload})
}

// Option is one labelled answer button.
type Option struct {
	Choice string `json:"choice"`
	Label  string `json:"label"`
}

type PreloadPayload struct {
	Images        []string `json:"images"`
	MaxWaitMillis int64    `json:"max_wait_ms"`
}

type DemographicsPayload struct {
	Lang            domain.Language         `json:"lang"`
	Group           domain.ParticipantGroup `json:"group"`
	HeritageSection bool                    `json:"heritage_section"`
}

type InstructionPayload struct {
	Screen         string                `json:"screen"`
	Lang           domain.Language       `json:"lang"`
	ExperimentType domain.ExperimentType `json:"experiment_type"`
}

type StudyPayload struct {
	ItemID            int    `json:"item_id"`
	Position          int    `json:"position"`
	Total             int    `json:"total"`
	Text              string `json:"text"`
	ImagePath         string `json:"image_path,omitempty"`
	EnableAfterMillis int64  `json:"enable_after_ms"`
}

type FixationPayload struct {
	DurationMillis int64 `json:"duration_ms"`
}

type DistractorPayload struct {
	Number int       `json:"number"`
	Keys   [2]string `json:"keys"`
}

type LinguisticTestPayload struct {
	ItemID  int      `json:"item_id"`
	Text    string   `json:"text"`
	Options []Option `json:"options"`
}

type RecognitionPayload struct {
	ItemID int    `json:"item_id"`
	Text   string `json:"text"`
}

type SourcePayload struct {
	ItemID int    `json:"item_id"`
	Text   string `json:"text"`
}

type SavePayload struct {
	ExperimentType domain.ExperimentType `json:"experiment_type"`
}

type CompletionPayload struct {
	Lang domain.Language `json:"lang"`
}

func (PreloadPayload) Kind() Kind        { return KindPreload }
func (DemographicsPayload) Kind() Kind   { return KindDemographics }
func (InstructionPayload) Kind() Kind    { return KindInstruction }
func (StudyPayload) Kind() Kind          { return KindStudy }
func (FixationPayload) Kind() Kind       { return KindFixation }
func (DistractorPayload) Kind() Kind     { return KindDistractor }
func (LinguisticTestPayload) Kind() Kind { return KindLinguisticTest }
func (RecognitionPayload) Kind() Kind    { return KindRecognition }
func (SourcePayload) Kind() Kind         { return KindSource }
func (SavePayload) Kind() Kind           { return KindSave }
func (CompletionPayload) Kind() Kind     { return KindCompletion }
