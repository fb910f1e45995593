package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inquestlabs/inquest/runtime/events"
)

func TestBeginTransitionsPendingToInProgress(t *testing.T) {
	s := NewSession("lateral-movement", "suspicious logins from host-7", 8)
	require.Equal(t, StatusPending, s.Status())
	require.NotEmpty(t, s.ID())

	require.NoError(t, s.Begin())
	require.Equal(t, StatusInProgress, s.Status())

	sum := s.Summary()
	require.Equal(t, 1, sum.TurnCount)

	evts := s.Log().Snapshot(0)
	require.Len(t, evts, 2)
	require.Equal(t, events.TypeStatusChange, evts[0].Type)
	require.Equal(t, events.TypeRunStart, evts[1].Type)

	require.ErrorIs(t, s.Begin(), ErrAlreadyStarted)
}

func TestFinishIsAbsorbing(t *testing.T) {
	s := NewSession("exfil", "large outbound transfer", 8)
	require.NoError(t, s.Begin())

	s.Finish(StatusCompleted, "")
	require.Equal(t, StatusCompleted, s.Status())

	// A racing exit must not flip the terminal status.
	s.Finish(StatusFailed, "late failure")
	require.Equal(t, StatusCompleted, s.Status())

	evts := s.Log().Snapshot(0)
	last := evts[len(evts)-1]
	require.Equal(t, events.TypeDone, last.Type)

	require.Panics(t, func() { s.Finish(StatusInProgress, "") })
}

func TestFailedFinishRecordsErrorEvent(t *testing.T) {
	s := NewSession("exfil", "large outbound transfer", 8)
	require.NoError(t, s.Begin())
	s.Finish(StatusFailed, "telemetry backend unreachable")

	evts := s.Log().Snapshot(0)
	var found bool
	for _, evt := range evts {
		if evt.Type == events.TypeError {
			found = true
			require.Equal(t, events.ErrorInfo{Message: "telemetry backend unreachable"}, evt.Payload)
		}
	}
	require.True(t, found)
	require.Equal(t, events.TypeDone, evts[len(evts)-1].Type)
}

func TestRequestCancelPushesAdvisoryEventOnce(t *testing.T) {
	s := NewSession("lateral-movement", "input", 8)
	require.NoError(t, s.Begin())

	status, requested := s.RequestCancel()
	require.True(t, requested)
	require.Equal(t, StatusInProgress, status)
	require.True(t, s.CancelRequested())

	// Repeated requests are accepted but do not duplicate the advisory event.
	_, requested = s.RequestCancel()
	require.True(t, requested)

	var cancelling int
	for _, evt := range s.Log().Snapshot(0) {
		if evt.Type == events.TypeStatusChange {
			if p, ok := evt.Payload.(events.StatusChange); ok && p.Status == events.StatusCancelling {
				cancelling++
			}
		}
	}
	require.Equal(t, 1, cancelling)

	s.Finish(StatusCancelled, "")
	status, requested = s.RequestCancel()
	require.False(t, requested)
	require.Equal(t, StatusCancelled, status)
}

func TestBeginTurnRejectedWhileRunning(t *testing.T) {
	s := NewSession("lateral-movement", "input", 8)
	require.NoError(t, s.Begin())

	_, _, err := s.BeginTurn("what about host-9?")
	require.ErrorIs(t, err, ErrSessionBusy)
}

func TestBeginTurnResumesFromTerminal(t *testing.T) {
	s := NewSession("lateral-movement", "input", 8)
	require.NoError(t, s.Begin())
	s.Finish(StatusCompleted, "")
	before := s.Log().Len()

	turn, offset, err := s.BeginTurn("what about host-9?")
	require.NoError(t, err)
	require.Equal(t, 2, turn)
	require.Equal(t, before, offset)
	require.Equal(t, StatusInProgress, s.Status())

	// The first event of the new turn sits exactly at the returned offset.
	evts := s.Log().Snapshot(offset)
	require.NotEmpty(t, evts)
	require.Equal(t, events.TypeUserMessage, evts[0].Type)
	require.Equal(t, events.UserMessage{Text: "what about host-9?", Turn: 2}, evts[0].Payload)

	thread := s.Thread()
	require.Len(t, thread, 2)
	require.Equal(t, RoleUser, thread[1].Role)
	require.Equal(t, 2, thread[1].Turn)
}

func TestBeginTurnRejectedForCancelled(t *testing.T) {
	s := NewSession("lateral-movement", "input", 8)
	require.NoError(t, s.Begin())
	s.RequestCancel()
	s.Finish(StatusCancelled, "")

	_, _, err := s.BeginTurn("resume?")
	require.ErrorIs(t, err, ErrSessionCancelled)
}

func TestRecordCarriesFullState(t *testing.T) {
	s := NewSession("exfil", "outbound spike", 8)
	require.NoError(t, s.Begin())
	s.AppendAssistant("benign backup job")
	s.Finish(StatusCompleted, "")

	rec := s.Record()
	require.Equal(t, s.ID(), rec.ID)
	require.Equal(t, "exfil", rec.Scenario)
	require.Equal(t, "outbound spike", rec.Input)
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, 1, rec.TurnCount)
	require.Len(t, rec.Events, s.Log().Len())
	require.Len(t, rec.Thread, 2)

	sum := rec.Summary()
	require.Equal(t, rec.ID, sum.ID)
	require.Equal(t, len(rec.Events), sum.EventCount)
}
