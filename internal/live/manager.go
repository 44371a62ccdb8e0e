// Package live drives experiment runs over WebSocket connections.
package live

import (
	"log/slog"
	"sync"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/coder/websocket"
)

// Conn is the part of a WebSocket connection the manager needs.
type Conn interface {
	Close(code websocket.StatusCode, reason string) error
}

// SessionManager tracks the live connection of each subject and
// experiment. A newer connection replaces the older one.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[domain.ExperimentType]Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[domain.ExperimentType]Conn),
	}
}

// GetActive returns the active connection for a subject and experiment.
func (m *SessionManager) GetActive(subjectID string, expType domain.ExperimentType) Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conns, ok := m.active[subjectID]; ok {
		return conns[expType]
	}
	return nil
}

// Register adds conn, closing any connection it replaces.
func (m *SessionManager) Register(subjectID string, expType domain.ExperimentType, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[subjectID]; !exists {
		m.active[subjectID] = make(map[domain.ExperimentType]Conn)
	}

	if existing, exists := m.active[subjectID][expType]; exists && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "session replaced")
		slog.Info("Live session replaced", "subject_id", subjectID, "experiment_type", expType)
	}

	m.active[subjectID][expType] = conn
	slog.Info("Live session registered", "subject_id", subjectID, "experiment_type", expType)
}

// Unregister removes conn if it is still the active one.
func (m *SessionManager) Unregister(subjectID string, expType domain.ExperimentType, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[subjectID]; ok {
		if current, exists := conns[expType]; exists && current == conn {
			delete(conns, expType)
			if len(conns) == 0 {
				delete(m.active, subjectID)
			}
			slog.Info("Live session unregistered", "subject_id", subjectID, "experiment_type", expType)
		}
	}
}

// Len returns the number of live connections.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.active {
		n += len(conns)
	}
	return n
}

// CloseAll terminates every live connection. http.Server.Shutdown does not
// close hijacked connections.
func (m *SessionManager) CloseAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for subjectID, conns := range m.active {
		for expType, conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, reason)
			slog.Info("Live session closed", "subject_id", subjectID, "experiment_type", expType)
		}
	}
	m.active = make(map[string]map[domain.ExperimentType]Conn)
}
