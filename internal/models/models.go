package models

import (
	"time"
)

// CallDirection distinguishes inbound from outbound call legs
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallStatus is the session-level status of a call attempt
type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusMachine    CallStatus = "machine"
)

// ChannelStatus tracks the telephony channel state, which moves
// independently of the session-level status
type ChannelStatus string

const (
	ChannelInitiating ChannelStatus = "initiating"
	ChannelRinging    ChannelStatus = "ringing"
	ChannelAnswered   ChannelStatus = "answered"
	ChannelConnected  ChannelStatus = "connected"
	ChannelEnded      ChannelStatus = "ended"
	ChannelFailed     ChannelStatus = "failed"
	ChannelBusy       ChannelStatus = "busy"
	ChannelNoAnswer   ChannelStatus = "no_answer"
)

// IsTerminal reports whether the channel status is a final one
func (s ChannelStatus) IsTerminal() bool {
	switch s {
	case ChannelEnded, ChannelFailed, ChannelBusy, ChannelNoAnswer:
		return true
	}
	return false
}

// Call is the session record for one phone call attempt.
// Immutable once Status reaches a terminal value.
type Call struct {
	CallID         string        `json:"call_id"`
	ExternalCallID string        `json:"external_call_id,omitempty"`
	PatientID      string        `json:"patient_id"`
	AgentID        string        `json:"agent_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	ChannelID      string        `json:"channel_id,omitempty"`
	Direction      CallDirection `json:"direction"`
	Status         CallStatus    `json:"status"`
	ChannelStatus  ChannelStatus `json:"channel_status"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time,omitempty"`
	// Duration crosses the wire in whole seconds via the view types;
	// the raw nanosecond value never serializes.
	Duration time.Duration `json:"-"`
	Cost     float64       `json:"cost"`
	RetryAttempt   int           `json:"retry_attempt"`
	MaxRetries     int           `json:"max_retries"`
	EndReason      string        `json:"end_reason,omitempty"`
	OriginalCallID string        `json:"original_call_id,omitempty"`
}

// InitiateCallRequest is the request body for starting a call
type InitiateCallRequest struct {
	PatientID string `json:"patient_id"`
	AgentID   string `json:"agent_id,omitempty"`
}

// InitiateCallResponse is returned when a call is started
type InitiateCallResponse struct {
	CallID         string `json:"call_id"`
	ExternalCallID string `json:"external_call_id"`
	Status         string `json:"status"`
}

// CallStatusResponse is the read-only view of a session
type CallStatusResponse struct {
	CallID        string        `json:"call_id"`
	Status        CallStatus    `json:"status"`
	ChannelStatus ChannelStatus `json:"channel_status"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time,omitempty"`
	Duration      float64       `json:"duration_seconds"`
	AISpeaking    bool          `json:"ai_speaking"`
}

// ActiveCallView is the list entry returned by the active-calls endpoint
type ActiveCallView struct {
	CallID         string        `json:"call_id"`
	ExternalCallID string        `json:"external_call_id,omitempty"`
	PatientID      string        `json:"patient_id"`
	Direction      CallDirection `json:"direction"`
	Status         CallStatus    `json:"status"`
	ChannelStatus  ChannelStatus `json:"channel_status"`
	StartTime      time.Time     `json:"start_time"`
	Duration       float64       `json:"duration_seconds"`
	RetryAttempt   int           `json:"retry_attempt"`
}

// ActiveView builds the wire view of a call record
func (c Call) ActiveView() ActiveCallView {
	return ActiveCallView{
		CallID:         c.CallID,
		ExternalCallID: c.ExternalCallID,
		PatientID:      c.PatientID,
		Direction:      c.Direction,
		Status:         c.Status,
		ChannelStatus:  c.ChannelStatus,
		StartTime:      c.StartTime,
		Duration:       c.Duration.Seconds(),
		RetryAttempt:   c.RetryAttempt,
	}
}

// EndCallRequest carries the optional reason for an agent-initiated end
type EndCallRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PortStats is the summary view of the media port pool
type PortStats struct {
	Total          int     `json:"total"`
	Available      int     `json:"available"`
	Leased         int     `json:"leased"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// PortLeaseView is the introspection view of a single lease
type PortLeaseView struct {
	Port           int       `json:"port"`
	CallID         string    `json:"call_id"`
	LeasedAt       time.Time `json:"leased_at"`
	AgeSeconds     float64   `json:"age_seconds"`
	ChannelID      string    `json:"channel_id,omitempty"`
	ExternalCallID string    `json:"external_call_id,omitempty"`
	Direction      string    `json:"direction,omitempty"`
}

// PortReport is the detailed pool report, including per-call groupings
// so calls erroneously holding multiple ports stand out
type PortReport struct {
	Stats       PortStats        `json:"stats"`
	Leases      []PortLeaseView  `json:"leases"`
	PortsByCall map[string][]int `json:"ports_by_call"`
	MultiPort   map[string][]int `json:"multi_port_calls,omitempty"`
}

// AlertView is the audit view of a recorded alert
type AlertView struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	Category  string    `json:"category"`
	Severity  string    `json:"severity"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse is the liveness probe body
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
}
