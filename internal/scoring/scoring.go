// Package scoring classifies test responses into signal-detection
// categories and memory error types.
package scoring

import (
	"fmt"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/containerd/errdefs"
)

// ErrInvalidResponse is returned for a choice the trial does not offer.
var ErrInvalidResponse = fmt.Errorf("invalid response: %w", errdefs.ErrInvalidArgument)

// NewSentenceLabel is recorded as the provided version of a "new" answer.
const NewSentenceLabel = "new_sentence_label"

// Outcome is the scored result of one test response.
type Outcome struct {
	Category        domain.PerformanceCategory
	IsCorrect       bool
	ErrorType       domain.ErrorType
	ExpectedVersion string
	ProvidedVersion string
	ExpectedSource  string
}

func hit() Outcome {
	return Outcome{Category: domain.CategoryHit, IsCorrect: true}
}

func correctRejection() Outcome {
	return Outcome{Category: domain.CategoryCorrectRejection, IsCorrect: true}
}

func miss() Outcome {
	return Outcome{Category: domain.CategoryMiss, ErrorType: domain.ErrorForgetting}
}

// Linguistic scores a three-way choice (direct, indirect, new).
func Linguistic(item domain.TrialItem, choice string) (Outcome, error) {
	var provided string
	switch choice {
	case domain.ChoiceDirect, domain.ChoiceIndirect:
		provided = item.Option(choice)
	case domain.ChoiceNew:
		provided = NewSentenceLabel
	default:
		return Outcome{}, fmt.Errorf("linguistic choice %q: %w", choice, ErrInvalidResponse)
	}

	var scored Outcome
	switch item.ItemType {
	case domain.ItemOld:
		switch {
		case choice == string(item.Condition):
			scored = hit()
		case choice == domain.ChoiceNew:
			scored = miss()
		default:
			scored = Outcome{Category: domain.CategorySourceError, ErrorType: domain.ErrorTenseMismatch}
		}
		scored.ExpectedVersion = item.ShownVersion
	case domain.ItemNew:
		if choice == domain.ChoiceNew {
			scored = correctRejection()
		} else {
			scored = Outcome{Category: domain.CategoryFalseAlarm, ErrorType: domain.ErrorFalseMemory}
		}
	default:
		return Outcome{}, fmt.Errorf("item %d has item type %q: %w", item.ID, item.ItemType, errdefs.ErrInvalidArgument)
	}
	scored.ProvidedVersion = provided
	return scored, nil
}

// Recognition scores the visual yes/no question.
func Recognition(item domain.TrialItem, choice string) (Outcome, error) {
	if choice != domain.ChoiceYes && choice != domain.ChoiceNo {
		return Outcome{}, fmt.Errorf("recognition choice %q: %w", choice, ErrInvalidResponse)
	}
	switch item.ItemType {
	case domain.ItemOld:
		if choice == domain.ChoiceYes {
			return hit(), nil
		}
		return miss(), nil
	case domain.ItemNew:
		if choice == domain.ChoiceNo {
			return correctRejection(), nil
		}
		return Outcome{Category: domain.CategoryFalseAlarm, ErrorType: domain.ErrorFalseMemory}, nil
	}
	return Outcome{}, fmt.Errorf("item %d has item type %q: %w", item.ID, item.ItemType, errdefs.ErrInvalidArgument)
}

// ExpectedSource maps an item's condition to the correct source answer.
func ExpectedSource(cond domain.Condition) string {
	switch cond {
	case domain.ConditionDirect:
		return domain.ChoiceSawDirectly
	case domain.ConditionIndirect:
		return domain.ChoiceInferred
	}
	return ""
}

// Source scores the visual source question that follows a "yes".
func Source(item domain.TrialItem, choice string) (Outcome, error) {
	if choice != domain.ChoiceSawDirectly && choice != domain.ChoiceInferred {
		return Outcome{}, fmt.Errorf("source choice %q: %w", choice, ErrInvalidResponse)
	}
	switch item.ItemType {
	case domain.ItemOld:
		expected := ExpectedSource(item.Condition)
		out := Outcome{Category: domain.CategorySourceError, ErrorType: domain.ErrorSourceMisattribution}
		if choice == expected {
			out = hit()
		}
		out.ExpectedSource = expected
		return out, nil
	case domain.ItemNew:
		return Outcome{Category: domain.CategoryFalseAlarm, ErrorType: domain.ErrorPhantomSource}, nil
	}
	return Outcome{}, fmt.Errorf("item %d has item type %q: %w", item.ID, item.ItemType, errdefs.ErrInvalidArgument)
}

// Distractor reports whether key answers a parity trial correctly. Only the
// two response keys are accepted.
func Distractor(trial domain.DistractorTrial, keys [2]string, key string) (bool, error) {
	if key == "" || (key != keys[0] && key != keys[1]) {
		return false, fmt.Errorf("distractor key %q not in %v: %w", key, keys, ErrInvalidResponse)
	}
	return key == trial.CorrectKey, nil
}
