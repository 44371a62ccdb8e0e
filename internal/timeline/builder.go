package timeline

import (
	"fmt"
	"time"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/scoring"
	"github.com/containerd/errdefs"
)

// ConsentAgreed is the required value of the consent_agreement survey field.
const ConsentAgreed = "agreed"

// ErrConsentRequired is returned when the demographics survey lacks consent.
var ErrConsentRequired = fmt.Errorf("consent is required: %w", errdefs.ErrInvalidArgument)

// Timing carries the display timing and keys passed to the browser.
type Timing struct {
	StudyDelay     time.Duration
	Fixation       time.Duration
	PreloadMaxWait time.Duration
	DistractorKeys [2]string
}

// Input is everything Build needs. Rebuilding from the same session yields
// the same slots.
type Input struct {
	Session *domain.Session
	Timing  Timing
	Now     func() time.Time
}

type builder struct {
	in    Input
	sess  *domain.Session
	alloc Allocator
	steps []Step
}

// Build produces the full step list for a session.
func Build(in Input) ([]Step, error) {
	if in.Session == nil {
		return nil, fmt.Errorf("build timeline: nil session: %w", errdefs.ErrInvalidArgument)
	}
	if in.Now == nil {
		in.Now = time.Now
	}
	b := &builder{in: in, sess: in.Session}

	sections := []func() error{
		b.preload,
		b.demographics,
		func() error { return b.instruction(SectionWelcome, ScreenWelcome) },
		func() error { return b.instruction(SectionStudyIntro, ScreenStudyIntro) },
		b.study,
		func() error { return b.instruction(SectionDistractorIntro, ScreenDistractorIntro) },
		b.distractor,
		func() error { return b.instruction(SectionTestIntro, ScreenTestIntro) },
		b.test,
		b.save,
		b.completion,
	}
	for _, add := range sections {
		if err := add(); err != nil {
			return nil, err
		}
	}
	return b.steps, nil
}

func (b *builder) add(sec Section, payload Payload, when func(*DataLog) bool, complete func(slot int) func(Response) (domain.TrialRecord, error)) error {
	slot, err := b.alloc.Next(sec)
	if err != nil {
		return err
	}
	step := Step{Slot: slot, Kind: payload.Kind(), Payload: payload, When: when}
	if complete != nil {
		step.Complete = complete(slot)
	}
	b.steps = append(b.steps, step)
	return nil
}

// record starts a slot's record with the run-level properties.
func (b *builder) record(slot int, phase domain.Phase, step string, r Response) domain.TrialRecord {
	return domain.TrialRecord{
		Slot:              slot,
		Phase:             phase,
		Step:              step,
		ExperimentType:    b.sess.ExperimentType,
		SubjectID:         b.sess.SubjectID,
		ParticipantNumber: b.sess.ParticipantNumber,
		Lang:              b.sess.Lang,
		Group:             b.sess.Group,
		RTMillis:          r.RTMillis,
		RecordedAt:        b.in.Now().UTC(),
	}
}

func withItem(rec domain.TrialRecord, item domain.TrialItem) domain.TrialRecord {
	id := item.ID
	rec.ItemID = &id
	rec.ItemType = item.ItemType
	rec.Condition = item.Condition
	return rec
}

func withOutcome(rec domain.TrialRecord, out scoring.Outcome) domain.TrialRecord {
	correct := out.IsCorrect
	rec.PerformanceCategory = out.Category
	rec.IsCorrect = &correct
	rec.ErrorType = out.ErrorType
	rec.ExpectedVersion = out.ExpectedVersion
	rec.ProvidedVersion = out.ProvidedVersion
	rec.ExpectedSource = out.ExpectedSource
	return rec
}

func (b *builder) preload() error {
	var images []string
	for _, item := range b.sess.StudyStimuli {
		if item.ImagePath != "" {
			images = append(images, item.ImagePath)
		}
	}
	payload := PreloadPayload{Images: images, MaxWaitMillis: b.in.Timing.PreloadMaxWait.Milliseconds()}
	return b.add(SectionPreload, payload, nil, func(slot int) func(Response) (domain.TrialRecord, error) {
		return func(r Response) (domain.TrialRecord, error) {
			rec := b.record(slot, domain.PhaseSetup, string(KindPreload), r)
			rec.FailedAssets = r.FailedAssets
			return rec, nil
		}
	})
}

func (b *builder) demographics() error {
	payload := DemographicsPayload{
		Lang:            b.sess.Lang,
		Group:           b.sess.Group,
		HeritageSection: b.sess.Group == domain.GroupHeritage,
	}
	return b.add(SectionDemographics, payload, nil, func(slot int) func(Response) (domain.TrialRecord, error) {
		return func(r Response) (domain.TrialRecord, error) {
			if consent, _ := r.Survey["consent_agreement"].(string); consent != ConsentAgreed {
				return domain.TrialRecord{}, ErrConsentRequired
			}
			rec := b.record(slot, domain.PhaseDemographics, string(KindDemographics), r)
			rec.Survey = r.Survey
			return rec, nil
		}
	})
}

func (b *builder) instruction(sec Section, screen string) error {
	payload := InstructionPayload{Screen: screen, Lang: b.sess.Lang, ExperimentType: b.sess.ExperimentType}
	return b.add(sec, payload, nil, func(slot int) func(Response) (domain.TrialRecord, error) {
		return func(r Response) (domain.TrialRecord, error) {
			return b.record(slot, domain.PhaseInstruction, screen, r), nil
		}
	})
}

func (b *builder) study() error {
	total := len(b.sess.StudyStimuli)
	for i, item := range b.sess.StudyStimuli {
		payload := StudyPayload{
			ItemID:            item.ID,
			Position:          i + 1,
			Total:             total,
			Text:              item.StudyText(),
			ImagePath:         item.ImagePath,
			EnableAfterMillis: b.in.Timing.StudyDelay.Milliseconds(),
		}
		err := b.add(SectionStudy, payload, nil, func(slot int) func(Response) (domain.TrialRecord, error) {
			return func(r Response) (domain.TrialRecord, error) {
				rec := withItem(b.record(slot, domain.PhaseEncoding, string(KindStudy), r), item)
				rec.RawSentence = item.StudyText()
				rec.ExpectedVersion = item.ShownVersion
				return rec, nil
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) distractor() error {
	for _, trial := range b.sess.DistractorTrials {
		fixation := FixationPayload{DurationMillis: b.in.Timing.Fixation.Milliseconds()}
		err := b.add(SectionDistractor, fixation, nil, func(slot int) func(Response) (domain.TrialRecord, error) {
			return func(r Response) (domain.TrialRecord, error) {
				return b.record(slot, domain.PhaseDistractor, string(KindFixation), r), nil
			}
		})
		if err != nil {
			return err
		}

		judge := DistractorPayload{Number: trial.Number, Keys: b.in.Timing.DistractorKeys}
		err = b.add(SectionDistractor, judge, nil, func(slot int) func(Response) (domain.TrialRecord, error) {
			return func(r Response) (domain.TrialRecord, error) {
				correct, err := scoring.Distractor(trial, b.in.Timing.DistractorKeys, r.Key)
				if err != nil {
					return domain.TrialRecord{}, err
				}
				rec := b.record(slot, domain.PhaseDistractor, string(KindDistractor), r)
				rec.Number = trial.Number
				rec.CorrectKey = trial.CorrectKey
				rec.Response = r.Key
				rec.Correct = &correct
				return rec, nil
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) test() error {
	switch b.sess.ExperimentType {
	case domain.ExperimentLinguistic:
		return b.linguisticTest()
	case domain.ExperimentVisual:
		return b.visualTest()
	}
	return fmt.Errorf("unknown experiment type %q: %w", b.sess.ExperimentType, errdefs.ErrNotFound)
}

func (b *builder) linguisticTest() error {
	for _, item := range b.sess.TestStimuli {
		payload := LinguisticTestPayload{
			ItemID: item.ID,
			Text:   item.TestText(),
			Options: []Option{
				{Choice: domain.ChoiceDirect, Label: item.OptionDirect},
				{Choice: domain.ChoiceIndirect, Label: item.OptionIndirect},
				{Choice: domain.ChoiceNew, Label: scoring.NewSentenceLabel},
			},
		}
		err := b.add(SectionTest, payload, nil, func(slot int) func(Response) (domain.TrialRecord, error) {
			return func(r Response) (domain.TrialRecord, error) {
				out, err := scoring.Linguistic(item, r.Choice)
				if err != nil {
					return domain.TrialRecord{}, err
				}
				rec := withItem(b.record(slot, domain.PhaseRetrieval, string(KindLinguisticTest), r), item)
				rec.Response = r.Choice
				rec.RawSentence = item.TestText()
				return withOutcome(rec, out), nil
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) visualTest() error {
	for _, item := range b.sess.TestStimuli {
		recognitionSlot := b.alloc.Len()
		err := b.add(SectionTest, RecognitionPayload{ItemID: item.ID, Text: item.Sentence}, nil,
			func(slot int) func(Response) (domain.TrialRecord, error) {
				return func(r Response) (domain.TrialRecord, error) {
					out, err := scoring.Recognition(item, r.Choice)
					if err != nil {
						return domain.TrialRecord{}, err
					}
					rec := withItem(b.record(slot, domain.PhaseRetrievalRecognition, string(KindRecognition), r), item)
					rec.Response = r.Choice
					rec.RawSentence = item.Sentence
					return withOutcome(rec, out), nil
				}
			})
		if err != nil {
			return err
		}

		answeredYes := func(log *DataLog) bool {
			rec, ok := log.BySlot(recognitionSlot)
			return ok && rec.Response == domain.ChoiceYes
		}
		err = b.add(SectionTest, SourcePayload{ItemID: item.ID, Text: item.Sentence}, answeredYes,
			func(slot int) func(Response) (domain.TrialRecord, error) {
				return func(r Response) (domain.TrialRecord, error) {
					out, err := scoring.Source(item, r.Choice)
					if err != nil {
						return domain.TrialRecord{}, err
					}
					rec := withItem(b.record(slot, domain.PhaseRetrievalSource, string(KindSource), r), item)
					rec.SourceResponse = r.Choice
					rec.RawSentence = item.Sentence
					return withOutcome(rec, out), nil
				}
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) save() error {
	return b.add(SectionSave, SavePayload{ExperimentType: b.sess.ExperimentType}, nil, nil)
}

func (b *builder) completion() error {
	return b.add(SectionCompletion, CompletionPayload{Lang: b.sess.Lang}, nil, nil)
}
