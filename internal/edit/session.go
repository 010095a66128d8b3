// Package edit implements the cell edit pipeline: gating, normalization and
// commit construction with an optimistic pending-mutation table.
package edit

import (
	"sync"
	"time"

	"attendsync/internal/register"
)

// State is the lifecycle position of a cell edit session.
type State string

const (
	StateViewing    State = "viewing"
	StateEditing    State = "editing"
	StateCommitting State = "committing"
)

// CellKey addresses one editable cell.
type CellKey struct {
	Field      register.Field
	EmployeeID string
	Date       string
}

// Session is the ephemeral state of one activated cell.
type Session struct {
	Key           CellKey
	State         State
	OriginalValue string
	PendingValue  string
	StartedAt     time.Time
	UpdatedAt     time.Time
	mu            sync.Mutex
}

// NewSession creates a session that is already editing.
func NewSession(key CellKey, original string, now time.Time) *Session {
	return &Session{
		Key:           key,
		State:         StateEditing,
		OriginalValue: original,
		PendingValue:  original,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// SetState updates the session state.
func (s *Session) SetState(state State, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
	s.UpdatedAt = now
}

// GetState returns current state.
func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// SetPending records the latest raw input.
func (s *Session) SetPending(value string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PendingValue = value
	s.UpdatedAt = now
}

// Pending returns the latest raw input.
func (s *Session) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PendingValue
}

// FSM guards the edit session transitions.
type FSM struct {
	transitions map[State][]State
}

// NewFSM creates the edit FSM.
func NewFSM() *FSM {
	return &FSM{
		transitions: map[State][]State{
			StateViewing:    {StateEditing},
			StateEditing:    {StateCommitting, StateViewing},
			StateCommitting: {StateViewing},
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM) CanTransition(from, to State) bool {
	for _, s := range f.transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition updates the session state if the transition is allowed.
func (f *FSM) Transition(s *Session, to State, now time.Time) bool {
	if f.CanTransition(s.GetState(), to) {
		s.SetState(to, now)
		return true
	}
	return false
}

// SessionStore holds the active cell sessions of one client.
type SessionStore struct {
	sessions map[CellKey]*Session
	mu       sync.RWMutex
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[CellKey]*Session)}
}

// Get returns the session for a cell, or nil.
func (ss *SessionStore) Get(key CellKey) *Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.sessions[key]
}

// Put replaces the session for its cell.
func (ss *SessionStore) Put(s *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sessions[s.Key] = s
}

// Delete removes a session.
func (ss *SessionStore) Delete(key CellKey) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sessions, key)
}

// Len returns the number of active sessions.
func (ss *SessionStore) Len() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}

// Clear drops every session, used when a fresh snapshot replaces the grid.
func (ss *SessionStore) Clear() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sessions = make(map[CellKey]*Session)
}
