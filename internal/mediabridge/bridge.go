// Package mediabridge exposes the contract with the SIP/RTP media bridge
// that connects telephony audio to the leased media ports.
package mediabridge

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"wellness-orchestrator/internal/airealtime"
	"wellness-orchestrator/internal/ports"
)

// ErrChannelNotFound is returned when no channel binding exists
var ErrChannelNotFound = errors.New("media channel not found")

// Bridge is the cleanup contract consumed by the teardown coordinator
type Bridge interface {
	// CleanupCall releases all bridge resources for a channel: the RTP
	// listeners/senders and the port lease, and drops the AI leg if it is
	// still attached. Idempotent — the coordinator may call it after the
	// bridge already cleaned up on its own, or vice versa.
	CleanupCall(ctx context.Context, channelID, reason string) error
}

// RTPBridge is the in-process bridge implementation: it tracks which call
// owns which media channel and returns leased ports on cleanup.
type RTPBridge struct {
	mu       sync.Mutex
	channels map[string]string // channel id → call id

	pool   *ports.Manager
	ai     *airealtime.Registry
	logger *zap.Logger
}

// NewRTPBridge creates a bridge over the given port pool and AI registry
func NewRTPBridge(pool *ports.Manager, ai *airealtime.Registry, logger *zap.Logger) *RTPBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RTPBridge{
		channels: make(map[string]string),
		pool:     pool,
		ai:       ai,
		logger:   logger,
	}
}

// BindChannel records that a media channel carries a call's audio
func (b *RTPBridge) BindChannel(channelID, callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[channelID] = callID
}

// CallForChannel resolves the call bound to a channel
func (b *RTPBridge) CallForChannel(channelID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	callID, ok := b.channels[channelID]
	return callID, ok
}

// CleanupCall implements Bridge. An unknown channel is a no-op success:
// cleanup runs from both the coordinator and provider-initiated paths, and
// whichever arrives second must not fail the teardown.
func (b *RTPBridge) CleanupCall(ctx context.Context, channelID, reason string) error {
	b.mu.Lock()
	callID, ok := b.channels[channelID]
	if ok {
		delete(b.channels, channelID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("media cleanup for unknown channel, nothing to do",
			zap.String("channel_id", channelID),
			zap.String("reason", reason),
		)
		return nil
	}

	released := b.pool.ReleaseAllForCall(callID)

	// Drop the AI leg too if it is still attached; the coordinator's own
	// disconnect tolerates this having already happened.
	if b.ai != nil {
		if err := b.ai.Disconnect(channelID); err != nil && !errors.Is(err, airealtime.ErrConnectionNotFound) {
			b.logger.Warn("ai disconnect during media cleanup failed",
				zap.String("channel_id", channelID),
				zap.Error(err),
			)
		}
	}

	b.logger.Info("media channel cleaned up",
		zap.String("channel_id", channelID),
		zap.String("call_id", callID),
		zap.String("reason", reason),
		zap.Int("ports_released", released),
	)
	return nil
}
