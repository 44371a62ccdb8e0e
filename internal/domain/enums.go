// Package domain contains core domain types for the recall-labs experiments.
package domain

// ExperimentType identifies one of the two experiment variants.
type ExperimentType string

const (
	ExperimentLinguistic ExperimentType = "linguistic"
	ExperimentVisual     ExperimentType = "visual"
)

// Valid reports whether t is a known experiment type.
func (t ExperimentType) Valid() bool {
	return t == ExperimentLinguistic || t == ExperimentVisual
}

// ItemType distinguishes studied items from foils at test time.
type ItemType string

const (
	ItemOld ItemType = "old"
	ItemNew ItemType = "new"
)

// Condition is the framing an item was shown in. NEW_ITEM marks foils.
type Condition string

const (
	ConditionDirect   Condition = "direct"
	ConditionIndirect Condition = "indirect"
	ConditionNewItem  Condition = "new_item"
)

// Language is a supported UI and stimulus language.
type Language string

const (
	LanguageTR Language = "tr"
	LanguageDE Language = "de"
)

// Valid reports whether l is a supported language.
func (l Language) Valid() bool {
	return l == LanguageTR || l == LanguageDE
}

// Gender of the actor shown in a visual stimulus.
type Gender string

const (
	GenderFemale Gender = "f"
	GenderMale   Gender = "m"
)

// ParticipantGroup is the recruitment group taken from the URL.
type ParticipantGroup string

const (
	GroupStandard ParticipantGroup = "standard"
	GroupHeritage ParticipantGroup = "heritage"
)

// Valid reports whether g is one of the enumerated groups.
func (g ParticipantGroup) Valid() bool {
	return g == GroupStandard || g == GroupHeritage
}

// PerformanceCategory is the signal-detection outcome of a test response.
type PerformanceCategory string

const (
	CategoryHit              PerformanceCategory = "Hit"
	CategoryMiss             PerformanceCategory = "Miss"
	CategorySourceError      PerformanceCategory = "Source Error"
	CategoryCorrectRejection PerformanceCategory = "Correct Rejection"
	CategoryFalseAlarm       PerformanceCategory = "False Alarm"
)

// ErrorType names the memory error behind an incorrect response.
type ErrorType string

const (
	ErrorNone                 ErrorType = ""
	ErrorForgetting           ErrorType = "forgetting"
	ErrorTenseMismatch        ErrorType = "tense_mismatch"
	ErrorFalseMemory          ErrorType = "false_memory"
	ErrorSourceMisattribution ErrorType = "source_misattribution"
	ErrorPhantomSource        ErrorType = "phantom_source"
)

// Phase tags every trial record with the part of the run it came from.
type Phase string

const (
	PhaseSetup                Phase = "setup"
	PhaseDemographics         Phase = "demographics"
	PhaseInstruction          Phase = "instruction"
	PhaseEncoding             Phase = "encoding"
	PhaseDistractor           Phase = "distractor"
	PhaseRetrieval            Phase = "retrieval"
	PhaseRetrievalRecognition Phase = "retrieval_recognition"
	PhaseRetrievalSource      Phase = "retrieval_source"
	PhaseSave                 Phase = "save"
	PhaseCompletion           Phase = "completion"
)

// Choice values accepted from participants.
const (
	ChoiceDirect      = "direct"
	ChoiceIndirect    = "indirect"
	ChoiceNew         = "new"
	ChoiceYes         = "yes"
	ChoiceNo          = "no"
	ChoiceSawDirectly = "saw_directly"
	ChoiceInferred    = "inferred"
)
