package airealtime

import (
	"errors"
	"time"
)

var (
	// ErrConnectionNotFound is returned when no connection matches any
	// lookup key for a call
	ErrConnectionNotFound = errors.New("no ai connection found for call")

	// ErrAlreadyRegistered is returned when a conversation id is registered twice
	ErrAlreadyRegistered = errors.New("conversation already registered")
)

// Status describes the health of an AI realtime connection
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusRecovering   Status = "recovering"
	StatusUnknown      Status = "unknown"
)

// Role tags which side of the conversation produced a transcript fragment
type Role string

const (
	RolePatient   Role = "patient"
	RoleAssistant Role = "assistant"
)

// TranscriptFragment is one piece of live conversation text streamed from
// the AI realtime service
type TranscriptFragment struct {
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}
