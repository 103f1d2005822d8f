package ports

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCallID is returned when a lease is requested without a call ID
	ErrInvalidCallID = errors.New("call id is required")

	// ErrPoolExhausted is returned when no media ports are available.
	// Callers must treat this as a hard failure for the call — the pool
	// never substitutes an invalid port and never blocks waiting for one.
	ErrPoolExhausted = errors.New("no media ports available")
)

// Metadata carries call context attached to a lease for introspection
type Metadata struct {
	ChannelID      string `json:"channel_id,omitempty"`
	ExternalCallID string `json:"external_call_id,omitempty"`
	Direction      string `json:"direction,omitempty"`
}

// Lease records ownership of one media port by one call
type Lease struct {
	Port     int       `json:"port"`
	CallID   string    `json:"call_id"`
	LeasedAt time.Time `json:"leased_at"`
	Meta     Metadata  `json:"metadata"`
}

// Age returns how long the lease has been held
func (l *Lease) Age(now time.Time) time.Duration {
	return now.Sub(l.LeasedAt)
}
