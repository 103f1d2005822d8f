package teardown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellness-orchestrator/internal/airealtime"
	"wellness-orchestrator/internal/config"
	"wellness-orchestrator/internal/ports"
)

type fakeAI struct {
	mu           sync.Mutex
	knownKeys    map[string]bool
	cancelled    []string
	disconnected []string
}

func newFakeAI(keys ...string) *fakeAI {
	known := make(map[string]bool)
	for _, k := range keys {
		known[k] = true
	}
	return &fakeAI{knownKeys: known}
}

func (f *fakeAI) CancelResponse(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.knownKeys[key] {
		return airealtime.ErrConnectionNotFound
	}
	f.cancelled = append(f.cancelled, key)
	return nil
}

func (f *fakeAI) Disconnect(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.knownKeys[key] {
		return airealtime.ErrConnectionNotFound
	}
	delete(f.knownKeys, key)
	f.disconnected = append(f.disconnected, key)
	return nil
}

type fakeBridge struct {
	mu       sync.Mutex
	cleaned  []string
	failWith error
}

func (f *fakeBridge) CleanupCall(ctx context.Context, channelID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.cleaned = append(f.cleaned, channelID)
	return nil
}

type fakeProvider struct {
	mu       sync.Mutex
	hungUp   []string
	failWith error
}

func (f *fakeProvider) InitiateCall(ctx context.Context, patientID string) (string, error) {
	return "CA-fake", nil
}

func (f *fakeProvider) Hangup(ctx context.Context, externalCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.hungUp = append(f.hungUp, externalCallID)
	return nil
}

func testPool(t *testing.T) *ports.Manager {
	t.Helper()
	return ports.NewManager(&config.Config{
		PortRangeStart:     20001,
		PortRangeEnd:       20020,
		PortHealthInterval: time.Minute,
		MaxPortLeaseAge:    time.Hour,
		HighUtilizationPct: 90,
		MaxAcquireAttempts: 10,
	}, nil, nil)
}

func TestTeardownHappyPath(t *testing.T) {
	ai := newFakeAI("conv-1")
	bridge := &fakeBridge{}
	provider := &fakeProvider{}
	pool := testPool(t)

	_, err := pool.Acquire("call-1", ports.Metadata{ChannelID: "chan-1"})
	require.NoError(t, err)

	c := NewCoordinator(ai, bridge, provider, pool, nil, nil)
	err = c.Teardown(context.Background(), Target{
		CallID:         "call-1",
		ConversationID: "conv-1",
		ExternalCallID: "CA123",
		ChannelID:      "chan-1",
		Reason:         "caller-hangup",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"conv-1"}, ai.cancelled)
	assert.Equal(t, []string{"conv-1"}, ai.disconnected)
	assert.Equal(t, []string{"chan-1"}, bridge.cleaned)
	assert.Equal(t, []string{"CA123"}, provider.hungUp)
	assert.Equal(t, 0, pool.Stats().Leased, "port lease must be returned")
}

func TestTeardownContinuesPastHangupFailure(t *testing.T) {
	ai := newFakeAI("conv-1")
	bridge := &fakeBridge{}
	provider := &fakeProvider{failWith: errors.New("provider 500")}
	pool := testPool(t)

	_, err := pool.Acquire("call-1", ports.Metadata{})
	require.NoError(t, err)

	c := NewCoordinator(ai, bridge, provider, pool, nil, nil)
	err = c.Teardown(context.Background(), Target{
		CallID:         "call-1",
		ConversationID: "conv-1",
		ExternalCallID: "CA123",
		ChannelID:      "chan-1",
	})

	// Hangup failed but port release and AI disconnect still executed
	require.Error(t, err)
	assert.Equal(t, []string{"conv-1"}, ai.disconnected)
	assert.Equal(t, 0, pool.Stats().Leased)
}

func TestTeardownContinuesPastBridgeFailure(t *testing.T) {
	ai := newFakeAI("conv-1")
	bridge := &fakeBridge{failWith: errors.New("bridge down")}
	provider := &fakeProvider{}
	pool := testPool(t)

	_, err := pool.Acquire("call-1", ports.Metadata{})
	require.NoError(t, err)

	c := NewCoordinator(ai, bridge, provider, pool, nil, nil)
	err = c.Teardown(context.Background(), Target{
		CallID:         "call-1",
		ConversationID: "conv-1",
		ExternalCallID: "CA123",
		ChannelID:      "chan-1",
	})

	require.Error(t, err)
	// The pool sweep runs even when the bridge cleanup fails
	assert.Equal(t, 0, pool.Stats().Leased)
	assert.Equal(t, []string{"CA123"}, provider.hungUp)
}

func TestTeardownAIFallbackKeys(t *testing.T) {
	// Connection only registered under the telephony call id: the primary
	// conversation key misses, the fallback finds it.
	ai := newFakeAI("CA123")
	c := NewCoordinator(ai, &fakeBridge{}, &fakeProvider{}, testPool(t), nil, nil)

	err := c.Teardown(context.Background(), Target{
		CallID:         "call-1",
		ConversationID: "conv-1",
		ExternalCallID: "CA123",
		ChannelID:      "chan-1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"CA123"}, ai.disconnected)
}

func TestTeardownNoAIConnectionIsNotAnError(t *testing.T) {
	ai := newFakeAI() // nothing registered
	c := NewCoordinator(ai, &fakeBridge{}, &fakeProvider{}, testPool(t), nil, nil)

	err := c.Teardown(context.Background(), Target{
		CallID:         "call-1",
		ConversationID: "conv-1",
	})
	assert.NoError(t, err)
}

func TestConcurrentTeardownsCollapse(t *testing.T) {
	ai := newFakeAI("conv-1")
	provider := &fakeProvider{}
	c := NewCoordinator(ai, &fakeBridge{}, provider, testPool(t), nil, nil)

	target := Target{
		CallID:         "call-1",
		ConversationID: "conv-1",
		ExternalCallID: "CA123",
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Teardown(context.Background(), target)
		}()
	}
	wg.Wait()

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Len(t, provider.hungUp, 1, "concurrent triggers must collapse into one execution")
}

func TestTeardownGuardEntriesExpire(t *testing.T) {
	provider := &fakeProvider{}
	c := NewCoordinator(newFakeAI(), &fakeBridge{}, provider, testPool(t), nil, nil)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		require.NoError(t, c.Teardown(context.Background(), Target{
			CallID:         fmt.Sprintf("call-%d", i),
			ExternalCallID: fmt.Sprintf("CA%04d", i),
		}))
	}

	// Within retention the guard still collapses a duplicate trigger
	require.NoError(t, c.Teardown(context.Background(), Target{CallID: "call-0", ExternalCallID: "CA0000"}))
	provider.mu.Lock()
	hung := len(provider.hungUp)
	provider.mu.Unlock()
	assert.Equal(t, 50, hung)

	// Past retention the entries are swept instead of accumulating forever
	now = now.Add(doneRetention + time.Minute)
	require.NoError(t, c.Teardown(context.Background(), Target{CallID: "call-new", ExternalCallID: "CA9999"}))

	c.mu.Lock()
	remaining := len(c.done)
	c.mu.Unlock()
	assert.Equal(t, 1, remaining)
}
