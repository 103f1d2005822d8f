// Package telephony defines the contract with the telephony provider and
// the provider-specific webhook parsing. Business decisions (retry, alert,
// teardown) are never made here.
package telephony

import (
	"context"
	"errors"

	"wellness-orchestrator/internal/models"
)

// ErrCallNotFound is returned when the provider has no record of the call
var ErrCallNotFound = errors.New("call not found at provider")

// Provider is the outbound telephony contract consumed by the call layer
type Provider interface {
	// InitiateCall places an outbound call to the patient's number and
	// returns the provider's call identifier.
	InitiateCall(ctx context.Context, patientID string) (externalCallID string, err error)

	// Hangup terminates the telephony leg. Idempotent at the provider:
	// hanging up an already-ended call is not an error.
	Hangup(ctx context.Context, externalCallID string) error
}

// MapProviderStatus maps the provider's status vocabulary onto the internal
// channel status enum. Unknown statuses map to initiating so a new webhook
// value never wedges a session.
func MapProviderStatus(providerStatus string) models.ChannelStatus {
	switch providerStatus {
	case "queued", "initiated":
		return models.ChannelInitiating
	case "ringing":
		return models.ChannelRinging
	case "answered":
		return models.ChannelAnswered
	case "in-progress":
		return models.ChannelConnected
	case "completed":
		return models.ChannelEnded
	case "busy":
		return models.ChannelBusy
	case "failed", "canceled":
		return models.ChannelFailed
	case "no-answer":
		return models.ChannelNoAnswer
	}
	return models.ChannelInitiating
}
