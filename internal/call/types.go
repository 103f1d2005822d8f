// Package call owns the session state machine that spans the telephony
// provider, the media bridge and the AI realtime service. It is the only
// package allowed to advance a call's status.
package call

import (
	"context"
	"errors"

	"wellness-orchestrator/internal/airealtime"
	"wellness-orchestrator/internal/models"
	"wellness-orchestrator/internal/teardown"
)

var (
	// ErrCallNotFound is returned when no session matches the id
	ErrCallNotFound = errors.New("call not found")

	// ErrCallAlreadyEnded is returned for operations on a finished call
	ErrCallAlreadyEnded = errors.New("call already ended")

	// ErrPatientRequired is returned when a request is missing the patient id
	ErrPatientRequired = errors.New("patient_id is required")
)

// Store is the durable mirror of call records. Satisfied by callstore.Store.
type Store interface {
	Save(ctx context.Context, call *models.Call) error
	Get(ctx context.Context, callID string) (*models.Call, error)
	ResolveExternal(ctx context.Context, externalCallID string) (string, error)
	MarkWebhookSeen(ctx context.Context, externalCallID, status string) (bool, error)
	ActiveCallIDs(ctx context.Context) ([]string, error)
}

// AIRealtime is the slice of the realtime registry the session layer uses.
// Connect yields the transcript stream; closing the connection closes the
// stream. Teardown of connections goes through the teardown coordinator.
type AIRealtime interface {
	Connect(ctx context.Context, conversationID, externalCallID, channelID, patientID string) (<-chan airealtime.TranscriptFragment, error)
	Speaking(key string) bool
}

// RegistryAI adapts the concrete realtime registry to the AIRealtime contract
type RegistryAI struct {
	Registry *airealtime.Registry
}

func (a RegistryAI) Connect(ctx context.Context, conversationID, externalCallID, channelID, patientID string) (<-chan airealtime.TranscriptFragment, error) {
	conn, err := a.Registry.Connect(ctx, conversationID, externalCallID, channelID, patientID)
	if err != nil {
		return nil, err
	}
	return conn.Fragments(), nil
}

func (a RegistryAI) Speaking(key string) bool {
	return a.Registry.Speaking(key)
}

// ChannelBinder registers the media channel for a call with the RTP bridge
type ChannelBinder interface {
	BindChannel(channelID, callID string)
}

// Teardowner releases all cross-boundary resources for a call.
// Satisfied by teardown.Coordinator.
type Teardowner interface {
	Teardown(ctx context.Context, t teardown.Target) error
}

// TranscriptProcessor consumes patient utterances for emergency screening.
// Satisfied by alerts.Pipeline.
type TranscriptProcessor interface {
	Process(ctx context.Context, callID, patientID, text string) bool
}
