// Package experiment sets up, resumes and executes experiment runs.
package experiment

import (
	"fmt"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/registry"
	"github.com/containerd/errdefs"
)

var (
	// ErrUnknownExperiment is returned for an experiment type outside the catalog.
	ErrUnknownExperiment = fmt.Errorf("unknown experiment: %w", errdefs.ErrNotFound)
	// ErrInvalidGroup is returned for a group parameter outside the enumeration.
	ErrInvalidGroup = fmt.Errorf("invalid participant group: %w", errdefs.ErrNotFound)
	// ErrInvalidLanguage is returned for an unsupported language.
	ErrInvalidLanguage = fmt.Errorf("unsupported language: %w", errdefs.ErrInvalidArgument)
	// ErrLanguageRequired is returned when neither the request nor a stored
	// session supplies a language.
	ErrLanguageRequired = fmt.Errorf("language selection required: %w", errdefs.ErrInvalidArgument)
)

// Context is the per-request experiment context: who is running which
// experiment under which group and language.
type Context struct {
	ExperimentType domain.ExperimentType
	SubjectID      string
	Group          domain.ParticipantGroup
	// Lang is empty when the request made no explicit selection.
	Lang   domain.Language
	Client registry.ClientInfo
}

// NewContext validates raw request parameters.
func NewContext(expType, subjectID, group, lang string, client registry.ClientInfo) (Context, error) {
	ec := Context{
		ExperimentType: domain.ExperimentType(expType),
		SubjectID:      subjectID,
		Group:          domain.ParticipantGroup(group),
		Lang:           domain.Language(lang),
		Client:         client,
	}
	if !ec.ExperimentType.Valid() {
		return Context{}, fmt.Errorf("%q: %w", expType, ErrUnknownExperiment)
	}
	if !ec.Group.Valid() {
		return Context{}, fmt.Errorf("%q: %w", group, ErrInvalidGroup)
	}
	if ec.Lang != "" && !ec.Lang.Valid() {
		return Context{}, fmt.Errorf("%q: %w", lang, ErrInvalidLanguage)
	}
	if subjectID == "" {
		return Context{}, fmt.Errorf("subject id is required: %w", errdefs.ErrInvalidArgument)
	}
	return ec, nil
}

// matches reports whether a stored session may be reused under ec. An
// empty ec.Lang must already be filled from the session.
func (ec Context) matches(sess *domain.Session) bool {
	if sess.ExperimentType != ec.ExperimentType || sess.SubjectID != ec.SubjectID {
		return false
	}
	if sess.Group != ec.Group {
		return false
	}
	return ec.Lang == sess.Lang
}
