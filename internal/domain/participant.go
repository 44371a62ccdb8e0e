package domain

import "time"

// Participant is a registry row: one subject in one experiment type.
type Participant struct {
	SubjectID         string           `json:"subject_id"`
	ExperimentType    ExperimentType   `json:"experiment_type"`
	ParticipantNumber int              `json:"participant_number"`
	Lang              Language         `json:"lang"`
	Group             ParticipantGroup `json:"participant_group"`
	IsCompleted       bool             `json:"is_completed"`
	BrowserName       string           `json:"browser_name"`
	IsMobile          bool             `json:"is_mobile"`
	ScreenResolution  string           `json:"screen_resolution,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}
