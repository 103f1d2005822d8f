package call

import (
	"context"
	"sync"
	"time"

	"wellness-orchestrator/internal/models"
)

// Session is the in-memory state for one call attempt. All mutation goes
// through the Manager, which holds the session lock around transitions.
type Session struct {
	mu   sync.Mutex
	call models.Call

	// completed latches once the terminal transition has run
	completed bool

	// cancelPump stops the transcript pump goroutine when set
	cancelPump context.CancelFunc
}

func newSession(call models.Call) *Session {
	return &Session{call: call}
}

// Snapshot returns a copy of the call record
func (s *Session) Snapshot() models.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

// terminal reports whether the session has reached a final channel state
func (s *Session) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call.ChannelStatus.IsTerminal()
}

// finalize closes out the record with its terminal status and billing
// duration. Failed, machine-answered and zero-length calls are billed at
// the minimum duration with the end time moved to match, because the
// provider bills a connection fee even when nothing useful happened.
func finalize(call *models.Call, status models.CallStatus, channelStatus models.ChannelStatus, endedAt time.Time, reported time.Duration, minBillable time.Duration) {
	call.Status = status
	call.ChannelStatus = channelStatus
	call.EndTime = endedAt

	duration := reported
	if duration <= 0 {
		duration = endedAt.Sub(call.StartTime)
	}
	if status == models.CallStatusFailed || status == models.CallStatusMachine || duration <= 0 {
		if duration < minBillable {
			duration = minBillable
		}
		call.EndTime = call.StartTime.Add(duration)
	}
	call.Duration = duration
}

// terminalStatusFor maps a terminal channel status onto the session status
func terminalStatusFor(channelStatus models.ChannelStatus, machine bool) models.CallStatus {
	if machine {
		return models.CallStatusMachine
	}
	switch channelStatus {
	case models.ChannelEnded:
		return models.CallStatusCompleted
	default:
		return models.CallStatusFailed
	}
}

// retryable reports whether a terminal channel status qualifies for a
// scheduled retry attempt
func retryable(channelStatus models.ChannelStatus, machine bool) bool {
	if machine {
		return false
	}
	switch channelStatus {
	case models.ChannelBusy, models.ChannelNoAnswer, models.ChannelFailed:
		return true
	}
	return false
}
