// Package domain holds the session handle: the identity and lifecycle of one
// agent conversation, independent of how the process is driven.
//
// The handle is a plain entity with unexported state. The supervisor owns it
// and drives its lifecycle; the session id may be learned late, once the agent
// announces it on the stream.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	// SessionStateNotStarted indicates no process has been launched yet.
	SessionStateNotStarted SessionState = "not_started"

	// SessionStateRunning indicates the agent process is live.
	SessionStateRunning SessionState = "running"

	// SessionStateTerminated indicates the agent process has exited.
	SessionStateTerminated SessionState = "terminated"
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	return string(s)
}

// IsValid returns true if the state is a recognized session state.
func (s SessionState) IsValid() bool {
	switch s {
	case SessionStateNotStarted, SessionStateRunning, SessionStateTerminated:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition is returned when a lifecycle change is not allowed
// from the current state.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Session is the handle for one conversation with the agent.
type Session struct {
	id        string
	title     string
	workDir   string
	state     SessionState
	resumed   bool
	createdAt time.Time
	activeAt  time.Time
}

// NewSession creates a handle for workDir. A non-empty resumeID marks the
// session as a resumption of an existing conversation.
func NewSession(workDir, resumeID string) *Session {
	now := time.Now()
	return &Session{
		id:        resumeID,
		workDir:   workDir,
		state:     SessionStateNotStarted,
		resumed:   resumeID != "",
		createdAt: now,
		activeAt:  now,
	}
}

// ID returns the agent-assigned session id, or "" before it is known.
func (s *Session) ID() string {
	return s.id
}

// Title returns the display title.
func (s *Session) Title() string {
	if s.title == "" {
		return "New Session"
	}
	return s.title
}

// WorkDir returns the directory the agent runs in.
func (s *Session) WorkDir() string {
	return s.workDir
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

// Resumed reports whether the session was started from an existing id.
func (s *Session) Resumed() bool {
	return s.resumed
}

// CreatedAt returns when the handle was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastActiveAt returns the most recent lifecycle or identity change.
func (s *Session) LastActiveAt() time.Time {
	return s.activeAt
}

// SetTitle sets the display title.
func (s *Session) SetTitle(title string) {
	s.title = title
}

// AssignID records the id the agent announced. An empty id is ignored.
func (s *Session) AssignID(id string) {
	if id == "" {
		return
	}
	s.id = id
	s.activeAt = time.Now()
}

// MarkRunning transitions not_started -> running.
func (s *Session) MarkRunning() error {
	if s.state != SessionStateNotStarted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, SessionStateRunning)
	}
	s.state = SessionStateRunning
	s.activeAt = time.Now()
	return nil
}

// MarkTerminated transitions running -> terminated. Terminating an already
// terminated session is a no-op.
func (s *Session) MarkTerminated() error {
	switch s.state {
	case SessionStateTerminated:
		return nil
	case SessionStateRunning:
		s.state = SessionStateTerminated
		s.activeAt = time.Now()
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, SessionStateTerminated)
	}
}

// Snapshot returns a copy that is safe to hand to other goroutines.
func (s *Session) Snapshot() Session {
	return *s
}
