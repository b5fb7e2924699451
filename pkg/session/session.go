// Package session implements the top-level lifecycle facade (component
// C8): generating the single session id, sequencing C1-C7 to start a
// workflow, emitting lifecycle events, and tearing everything down again on
// stop/kill.
package session

import (
	"sync"
	"time"

	"github.com/kpekel/swarmctl/pkg/agent"
	"github.com/kpekel/swarmctl/pkg/message"
	"github.com/kpekel/swarmctl/pkg/recovery"
)

// State is the closed set of session lifecycle states (§3 Data model).
type State string

const (
	StateInitializing State = "initializing"
	StateRunning       State = "running"
	StateSynthesizing  State = "synthesizing"
	StateComplete      State = "complete"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// Session is the top-level container the controller hands out to callers
// (CLI status/attach commands, etc). Its identifier is the sole source of
// naming for the tmux session, worktree branches, and audit rows (§3).
type Session struct {
	mu sync.RWMutex

	ID           string
	WorkflowType string
	Goal         string
	state        State
	startedAt    time.Time
	endedAt      time.Time
	degradation  recovery.Snapshot
}

func newSession(id, workflowType, goal string, now time.Time) *Session {
	return &Session{
		ID:           id,
		WorkflowType: workflowType,
		Goal:         goal,
		state:        StateInitializing,
		startedAt:    now,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// IsTerminal reports whether the session has reached a state it cannot
// leave (complete, failed, or cancelled).
func (s *Session) IsTerminal() bool {
	switch s.State() {
	case StateComplete, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// EndedAt returns when the session reached a terminal state, the zero
// value if it is still active.
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

func (s *Session) setEnded(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedAt = t
}

// Degradation returns the last degradation snapshot recorded against this
// session.
func (s *Session) Degradation() recovery.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degradation
}

func (s *Session) setDegradation(snap recovery.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degradation = snap
}

// roster is the live agent handles for a session's roster, keyed by role.
// It implements monitor.AgentRoster.
type roster struct {
	mu      sync.RWMutex
	handles map[message.Role]*agent.Handle
}

func newRoster() *roster {
	return &roster{handles: map[message.Role]*agent.Handle{}}
}

// Put installs h under role, replacing any existing handle. Exported to
// satisfy monitor.AgentRoster's write side: the monitor loop calls this to
// install a freshly respawned handle after a "restart" recovery outcome.
func (r *roster) Put(role message.Role, h *agent.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[role] = h
}

// Handles satisfies monitor.AgentRoster.
func (r *roster) Handles() map[message.Role]*agent.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[message.Role]*agent.Handle, len(r.handles))
	for k, v := range r.handles {
		out[k] = v
	}
	return out
}

func (r *roster) snapshot() []agent.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Snapshot, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h.Snapshot())
	}
	return out
}
