package timeline

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/containerd/errdefs"
)

// ErrIndexDesync is returned when the rebuilt timeline does not line up
// with the stored cursor.
var ErrIndexDesync = fmt.Errorf("timeline index desync: %w", errdefs.ErrDataLoss)

// Resume replays the session's records into log and returns the steps that
// have not run yet.
func Resume(steps []Step, sess *domain.Session, log *DataLog) ([]Step, error) {
	for i, s := range steps {
		if s.Slot != i {
			return nil, fmt.Errorf("step %d carries slot %d: %w", i, s.Slot, ErrIndexDesync)
		}
	}

	start := sess.NextSlot()
	if start > len(steps) {
		return nil, fmt.Errorf("cursor %d beyond timeline of %d steps: %w", sess.TrialIndex, len(steps), ErrIndexDesync)
	}

	for _, rec := range sess.TrialData {
		log.Append(rec)
	}

	remaining := steps[start:]
	if len(remaining) == 0 {
		slog.Warn("resumed timeline has no remaining steps",
			"subject_id", sess.SubjectID,
			"experiment_type", sess.ExperimentType,
			"trial_index", sess.TrialIndex)
	}
	return remaining, nil
}
