package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionState_IsValid(t *testing.T) {
	tests := []struct {
		state   SessionState
		isValid bool
	}{
		{SessionStateNotStarted, true},
		{SessionStateRunning, true},
		{SessionStateTerminated, true},
		{SessionState("paused"), false},
		{SessionState(""), false},
		{SessionState("RUNNING"), false}, // case sensitive
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			require.Equal(t, tt.isValid, tt.state.IsValid())
		})
	}
}

func TestNewSession(t *testing.T) {
	s := NewSession("/work", "")

	require.Equal(t, "", s.ID())
	require.Equal(t, "/work", s.WorkDir())
	require.Equal(t, SessionStateNotStarted, s.State())
	require.False(t, s.Resumed())
	require.Equal(t, "New Session", s.Title())
	require.False(t, s.CreatedAt().IsZero())
}

func TestNewSession_Resume(t *testing.T) {
	s := NewSession("/work", "abc")

	require.Equal(t, "abc", s.ID())
	require.True(t, s.Resumed())
}

func TestSession_Lifecycle(t *testing.T) {
	s := NewSession("/work", "")

	require.ErrorIs(t, s.MarkTerminated(), ErrInvalidTransition)

	require.NoError(t, s.MarkRunning())
	require.Equal(t, SessionStateRunning, s.State())
	require.ErrorIs(t, s.MarkRunning(), ErrInvalidTransition)

	require.NoError(t, s.MarkTerminated())
	require.NoError(t, s.MarkTerminated())
	require.Equal(t, SessionStateTerminated, s.State())
}

func TestSession_AssignID(t *testing.T) {
	s := NewSession("/work", "")
	before := s.LastActiveAt()

	s.AssignID("")
	require.Equal(t, "", s.ID())

	s.AssignID("sess-1")
	require.Equal(t, "sess-1", s.ID())
	require.False(t, s.LastActiveAt().Before(before))
}

func TestSession_Snapshot(t *testing.T) {
	s := NewSession("/work", "")
	s.SetTitle("Fix tests")
	snap := s.Snapshot()

	s.AssignID("later")
	require.Equal(t, "", snap.ID())
	require.Equal(t, "Fix tests", snap.Title())
}
