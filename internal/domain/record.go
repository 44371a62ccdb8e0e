package domain

import "time"

// TrialRecord is the output of one completed slot. Scoring fields are set
// when the record is created and the record is never modified afterwards.
type TrialRecord struct {
	Slot              int              `json:"slot"`
	Phase             Phase            `json:"phase"`
	Step              string           `json:"step"`
	ExperimentType    ExperimentType   `json:"experiment_type"`
	SubjectID         string           `json:"subject_id"`
	ParticipantNumber int              `json:"participant_number"`
	Lang              Language         `json:"lang"`
	Group             ParticipantGroup `json:"group"`

	ItemID    *int      `json:"item_id,omitempty"`
	ItemType  ItemType  `json:"item_type,omitempty"`
	Condition Condition `json:"condition,omitempty"`

	Response        string `json:"participant_response,omitempty"`
	ExpectedVersion string `json:"expected_version,omitempty"`
	ProvidedVersion string `json:"provided_version,omitempty"`
	SourceResponse  string `json:"source_response,omitempty"`
	ExpectedSource  string `json:"expected_source,omitempty"`
	RawSentence     string `json:"raw_sentence,omitempty"`

	PerformanceCategory PerformanceCategory `json:"performance_category,omitempty"`
	IsCorrect           *bool               `json:"is_correct,omitempty"`
	ErrorType           ErrorType           `json:"error_type,omitempty"`

	Number     int    `json:"number,omitempty"`
	CorrectKey string `json:"correct_response,omitempty"`
	Correct    *bool  `json:"correct,omitempty"`

	Survey       map[string]any `json:"survey,omitempty"`
	FailedAssets []string       `json:"failed_assets,omitempty"`

	RTMillis   int64     `json:"rt,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
