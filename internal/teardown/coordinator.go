// Package teardown releases every resource a call session may hold, in a
// fixed order that prevents leaks even when individual steps fail: the AI
// leg first, then the media bridge and port lease, then the telephony leg.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wellness-orchestrator/internal/airealtime"
	"wellness-orchestrator/internal/api/middleware"
	"wellness-orchestrator/internal/events"
	"wellness-orchestrator/internal/mediabridge"
	"wellness-orchestrator/internal/ports"
	"wellness-orchestrator/internal/telephony"
)

// AIController is the slice of the AI registry the coordinator needs
type AIController interface {
	CancelResponse(ctx context.Context, key string) error
	Disconnect(key string) error
}

// Target identifies the resources of one call. Any identifier may be
// empty when that leg was never established.
type Target struct {
	CallID         string
	ConversationID string
	ExternalCallID string
	ChannelID      string
	Reason         string
}

// doneRetention bounds how long a finished teardown keeps collapsing
// late duplicate triggers before its guard entry is evicted
const doneRetention = 10 * time.Minute

// Coordinator runs the ordered teardown sequence
type Coordinator struct {
	ai       AIController
	bridge   mediabridge.Bridge
	provider telephony.Provider
	pool     *ports.Manager

	mu   sync.Mutex
	done map[string]time.Time // collapse concurrent triggers per call
	now  func() time.Time     // injectable clock for tests

	bus    *events.Bus
	logger *zap.Logger
}

// NewCoordinator wires the coordinator to the resource owners
func NewCoordinator(ai AIController, bridge mediabridge.Bridge, provider telephony.Provider, pool *ports.Manager, bus *events.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		ai:       ai,
		bridge:   bridge,
		provider: provider,
		pool:     pool,
		done:     make(map[string]time.Time),
		now:      time.Now,
		bus:      bus,
		logger:   logger,
	}
}

// Teardown releases all resources for the target call.
//
// Steps run in fixed order regardless of which event triggered teardown;
// a failed step is logged and the next still runs — a failed hangup must
// not leave ports leased, and a failed port release must not prevent the
// hangup attempt. Concurrent triggers for the same call collapse into a
// single execution; every individual step also tolerates being invoked
// twice, so the guard does not need to be a strict lock.
//
// The returned error aggregates step failures for the operator log; the
// caller still marks the call ended.
func (c *Coordinator) Teardown(ctx context.Context, t Target) error {
	c.mu.Lock()
	now := c.now()
	// Sweep guard entries past retention so the map stays bounded by the
	// teardown rate, not by total calls since process start
	for id, at := range c.done {
		if now.Sub(at) > doneRetention {
			delete(c.done, id)
		}
	}
	if _, already := c.done[t.CallID]; already {
		c.mu.Unlock()
		c.logger.Debug("teardown already executed", zap.String("call_id", t.CallID))
		return nil
	}
	c.done[t.CallID] = now
	c.mu.Unlock()

	c.logger.Info("tearing down call",
		zap.String("call_id", t.CallID),
		zap.String("reason", t.Reason),
	)

	var stepErrs []error

	// Step 1: cancel in-flight AI response generation and close the
	// realtime socket. Safe when already disconnected.
	if err := c.disconnectAI(ctx, t); err != nil {
		stepErrs = append(stepErrs, fmt.Errorf("ai disconnect: %w", err))
		c.stepFailed(t.CallID, "ai-disconnect", err)
	}

	// Step 2: release the media bridge resources and the port lease.
	if err := c.releaseMedia(ctx, t); err != nil {
		stepErrs = append(stepErrs, fmt.Errorf("media release: %w", err))
		c.stepFailed(t.CallID, "media-release", err)
	}

	// Step 3: terminate the telephony leg.
	if err := c.hangup(ctx, t); err != nil {
		stepErrs = append(stepErrs, fmt.Errorf("hangup: %w", err))
		c.stepFailed(t.CallID, "hangup", err)
	}

	return errors.Join(stepErrs...)
}

// disconnectAI cancels response generation and closes the socket. The
// handle is looked up by the primary key first, then by the telephony
// call id and the media channel id — webhook delivery races in-memory
// registration, so a miss on one key is not yet a failure.
func (c *Coordinator) disconnectAI(ctx context.Context, t Target) error {
	keys := lookupKeys(t)
	if len(keys) == 0 {
		return nil
	}

	for _, key := range keys {
		if err := c.ai.CancelResponse(ctx, key); err == nil {
			// Found under this key; cancellation succeeded.
		} else if !errors.Is(err, airealtime.ErrConnectionNotFound) {
			c.logger.Warn("cancel response failed, continuing disconnect",
				zap.String("call_id", t.CallID),
				zap.String("key", key),
				zap.Error(err),
			)
		}

		err := c.ai.Disconnect(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, airealtime.ErrConnectionNotFound) {
			return err
		}
		// Not registered under this key — try the next.
	}

	// No connection under any key: already disconnected or never opened.
	c.logger.Debug("no ai connection found under any key",
		zap.String("call_id", t.CallID),
		zap.Strings("keys", keys),
	)
	return nil
}

// releaseMedia cleans the bridge channel and then sweeps the port pool by
// call id, which covers sessions that leased a port but never got a
// channel bound.
func (c *Coordinator) releaseMedia(ctx context.Context, t Target) error {
	var bridgeErr error
	if t.ChannelID != "" && c.bridge != nil {
		bridgeErr = c.bridge.CleanupCall(ctx, t.ChannelID, t.Reason)
	}

	if c.pool != nil {
		if released := c.pool.ReleaseAllForCall(t.CallID); released > 0 {
			c.logger.Info("released residual port leases during teardown",
				zap.String("call_id", t.CallID),
				zap.Int("count", released),
			)
		}
	}
	return bridgeErr
}

func (c *Coordinator) hangup(ctx context.Context, t Target) error {
	if t.ExternalCallID == "" || c.provider == nil {
		return nil
	}
	err := c.provider.Hangup(ctx, t.ExternalCallID)
	if errors.Is(err, telephony.ErrCallNotFound) {
		// Already gone at the provider — that is the goal state.
		return nil
	}
	return err
}

func (c *Coordinator) stepFailed(callID, step string, err error) {
	c.logger.Error("teardown step failed, continuing",
		zap.String("call_id", callID),
		zap.String("step", step),
		zap.Error(err),
	)
	middleware.TeardownStepFailuresTotal.WithLabelValues(step).Inc()
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:   events.EventTeardownStepFailed,
			CallID: callID,
			Fields: map[string]interface{}{"step": step, "error": err.Error()},
		})
	}
}

func lookupKeys(t Target) []string {
	var keys []string
	for _, k := range []string{t.ConversationID, t.ExternalCallID, t.ChannelID} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
