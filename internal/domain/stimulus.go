package domain

import "strings"

// Localized holds one text per supported language.
type Localized struct {
	TR string `yaml:"tr" json:"tr"`
	DE string `yaml:"de" json:"de"`
}

// In returns the text for lang, falling back to Turkish.
func (l Localized) In(lang Language) string {
	if lang == LanguageDE {
		return l.DE
	}
	return l.TR
}

// LinguisticItem is a catalog sentence with its two alternative completions.
type LinguisticItem struct {
	ID       int       `yaml:"id"`
	Stem     Localized `yaml:"stem"`
	Direct   Localized `yaml:"direct"`
	Indirect Localized `yaml:"indirect"`
}

// VisualItem is a catalog action photographed in a direct and an indirect version.
type VisualItem struct {
	ID        int       `yaml:"id"`
	ActionKey string    `yaml:"action_key"`
	Gender    Gender    `yaml:"gender"`
	Sentence  Localized `yaml:"sentence"`
}

// TrialItem is a catalog item bound to one session. It is created when the
// session is generated and never changes afterwards.
type TrialItem struct {
	ID             int       `json:"id"`
	ItemType       ItemType  `json:"item_type"`
	Condition      Condition `json:"condition"`
	Sentence       string    `json:"sentence"`
	OptionDirect   string    `json:"option_direct,omitempty"`
	OptionIndirect string    `json:"option_indirect,omitempty"`
	ShownVersion   string    `json:"shown_version,omitempty"`
	ImagePath      string    `json:"image_path,omitempty"`
	ActionKey      string    `json:"action_key,omitempty"`
	Gender         Gender    `json:"gender,omitempty"`
}

// Option returns the displayed text for a linguistic choice value.
func (t TrialItem) Option(choice string) string {
	switch choice {
	case ChoiceDirect:
		return t.OptionDirect
	case ChoiceIndirect:
		return t.OptionIndirect
	}
	return ""
}

// DistractorTrial is one parity judgement shown between study and test.
type DistractorTrial struct {
	Number     int    `json:"number"`
	CorrectKey string `json:"correct_key"`
}

// Gap marks the slot in a linguistic stem that the completion fills.
const Gap = "..."

// TestBlank replaces the gap when a stem is shown at test.
const TestBlank = "_______"

// StudyText returns the sentence as shown during study.
func (t TrialItem) StudyText() string {
	if t.ShownVersion == "" {
		return t.Sentence
	}
	return strings.Replace(t.Sentence, Gap, t.ShownVersion, 1)
}

// TestText returns the sentence with its gap blanked out.
func (t TrialItem) TestText() string {
	return strings.Replace(t.Sentence, Gap, TestBlank, 1)
}
