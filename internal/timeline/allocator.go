package timeline

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Section is a phase of the timeline in its fixed order.
type Section int

const (
	SectionPreload Section = iota
	SectionDemographics
	SectionWelcome
	SectionStudyIntro
	SectionStudy
	SectionDistractorIntro
	SectionDistractor
	SectionTestIntro
	SectionTest
	SectionSave
	SectionCompletion
)

var sectionNames = [...]string{
	"preload", "demographics", "welcome", "study_intro", "study",
	"distractor_intro", "distractor", "test_intro", "test", "save", "completion",
}

func (s Section) String() string {
	if s < 0 || int(s) >= len(sectionNames) {
		return fmt.Sprintf("section(%d)", int(s))
	}
	return sectionNames[s]
}

// ErrPhaseOrder is returned when a slot is requested for a section that
// precedes the current one.
var ErrPhaseOrder = fmt.Errorf("timeline sections out of order: %w", errdefs.ErrInternal)

// Allocator hands out slot indices. Sections must be requested in
// non-decreasing order.
type Allocator struct {
	next    int
	section Section
}

// Next returns the next slot for sec.
func (a *Allocator) Next(sec Section) (int, error) {
	if sec < a.section {
		return 0, fmt.Errorf("%s after %s: %w", sec, a.section, ErrPhaseOrder)
	}
	a.section = sec
	slot := a.next
	a.next++
	return slot, nil
}

// Len returns the number of slots handed out.
func (a *Allocator) Len() int {
	return a.next
}
