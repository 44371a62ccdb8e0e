package timeline

import (
	"sync"

	"github.com/ashureev/recall-labs/internal/domain"
)

// DataLog is the append-only record log of one run. It holds replayed
// records followed by records produced in this run.
type DataLog struct {
	mu      sync.RWMutex
	records []domain.TrialRecord
}

// NewDataLog returns an empty log.
func NewDataLog() *DataLog {
	return &DataLog{}
}

// Append adds a record to the end of the log.
func (l *DataLog) Append(rec domain.TrialRecord) {
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
}

// Len returns the number of records.
func (l *DataLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Records returns a copy of all records in order.
func (l *DataLog) Records() []domain.TrialRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.TrialRecord, len(l.records))
	copy(out, l.records)
	return out
}

// BySlot returns the record produced by slot.
func (l *DataLog) BySlot(slot int) (domain.TrialRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].Slot == slot {
			return l.records[i], true
		}
	}
	return domain.TrialRecord{}, false
}

// Filter returns the records tagged with expType.
func (l *DataLog) Filter(expType domain.ExperimentType) []domain.TrialRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.TrialRecord
	for _, rec := range l.records {
		if rec.ExperimentType == expType {
			out = append(out, rec)
		}
	}
	return out
}
