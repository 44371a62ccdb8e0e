package domain

import (
	"time"
)

// Session is the durable state of one participant's run of one experiment.
// Only TrialIndex and TrialData change after creation.
type Session struct {
	ExperimentType    ExperimentType    `json:"experiment_type"`
	SubjectID         string            `json:"subject_id"`
	StudyStimuli      []TrialItem       `json:"study_stimuli"`
	TestStimuli       []TrialItem       `json:"test_stimuli"`
	DistractorTrials  []DistractorTrial `json:"distractor_trials"`
	TrialIndex        int               `json:"trial_index"`
	TrialData         []TrialRecord     `json:"trial_data"`
	ParticipantNumber int               `json:"participant_number"`
	Lang              Language          `json:"lang"`
	Group             ParticipantGroup  `json:"group"`
	CreatedAt         time.Time         `json:"created_at"`
}

// NoTrialCompleted is the cursor value of a session with no completed slot.
const NoTrialCompleted = -1

// NextSlot returns the first slot that has not been completed yet.
func (s *Session) NextSlot() int {
	if s.TrialIndex < 0 {
		return 0
	}
	return s.TrialIndex + 1
}

// StoredSession is the persisted envelope of a Session.
type StoredSession struct {
	Key            string
	ExperimentType ExperimentType
	SubjectID      string
	TrialIndex     int
	Payload        []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
