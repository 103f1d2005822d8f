package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wellness-orchestrator/internal/airealtime"
	"wellness-orchestrator/internal/config"
	"wellness-orchestrator/internal/models"
	"wellness-orchestrator/internal/ports"
	"wellness-orchestrator/internal/teardown"
	"wellness-orchestrator/internal/telephony"
)

type fakeProvider struct {
	mu        sync.Mutex
	initiated int
	patients  []string
	failNext  bool
}

func (p *fakeProvider) InitiateCall(_ context.Context, patientID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return "", errors.New("provider unavailable")
	}
	p.initiated++
	p.patients = append(p.patients, patientID)
	return fmt.Sprintf("CA%04d", p.initiated), nil
}

func (p *fakeProvider) Hangup(context.Context, string) error { return nil }

func (p *fakeProvider) initiateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initiated
}

type fakeStore struct {
	mu    sync.Mutex
	calls map[string]models.Call
	seen  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: make(map[string]models.Call), seen: make(map[string]bool)}
}

func (s *fakeStore) Save(_ context.Context, call *models.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.CallID] = *call
	return nil
}

func (s *fakeStore) Get(_ context.Context, callID string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil, nil
	}
	return &call, nil
}

func (s *fakeStore) ResolveExternal(_ context.Context, externalCallID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, call := range s.calls {
		if call.ExternalCallID == externalCallID {
			return id, nil
		}
	}
	return "", nil
}

func (s *fakeStore) MarkWebhookSeen(_ context.Context, externalCallID, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := externalCallID + ":" + status
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

func (s *fakeStore) ActiveCallIDs(context.Context) ([]string, error) { return nil, nil }

func (s *fakeStore) get(callID string) (models.Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	return call, ok
}

type fakeBridge struct {
	mu    sync.Mutex
	binds map[string]string
}

func (b *fakeBridge) BindChannel(channelID, callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.binds == nil {
		b.binds = make(map[string]string)
	}
	b.binds[channelID] = callID
}

type fakeAI struct {
	mu        sync.Mutex
	fragments chan airealtime.TranscriptFragment
	connects  int
	failNext  bool
	speaking  bool
}

func (a *fakeAI) Connect(_ context.Context, _, _, _, _ string) (<-chan airealtime.TranscriptFragment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext {
		return nil, errors.New("ai service down")
	}
	a.connects++
	a.fragments = make(chan airealtime.TranscriptFragment, 8)
	return a.fragments, nil
}

func (a *fakeAI) Speaking(string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speaking
}

type fakePipeline struct {
	mu    sync.Mutex
	texts []string
}

func (p *fakePipeline) Process(_ context.Context, _, _, text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	return false
}

func (p *fakePipeline) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

type fakeTeardown struct {
	mu      sync.Mutex
	targets []teardown.Target
	err     error
}

func (td *fakeTeardown) Teardown(_ context.Context, t teardown.Target) error {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.targets = append(td.targets, t)
	return td.err
}

func (td *fakeTeardown) count() int {
	td.mu.Lock()
	defer td.mu.Unlock()
	return len(td.targets)
}

type harness struct {
	mgr      *Manager
	provider *fakeProvider
	store    *fakeStore
	bridge   *fakeBridge
	ai       *fakeAI
	pipeline *fakePipeline
	teardown *fakeTeardown
	pool     *ports.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		PortRangeStart:      20001,
		PortRangeEnd:        20020,
		MaxPortLeaseAge:     time.Hour,
		HighUtilizationPct:  90,
		MaxAcquireAttempts:  10,
		MinBillableDuration: 30 * time.Second,
		MaxCallRetries:      2,
		RetryDelay:          5 * time.Millisecond,
	}
	h := &harness{
		provider: &fakeProvider{},
		store:    newFakeStore(),
		bridge:   &fakeBridge{},
		ai:       &fakeAI{},
		pipeline: &fakePipeline{},
		teardown: &fakeTeardown{},
		pool:     ports.NewManager(cfg, nil, zap.NewNop()),
	}
	h.mgr = NewManager(cfg, h.provider, h.pool, h.bridge, h.ai, h.store, h.pipeline, h.teardown, zap.NewNop())
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) webhook(t *testing.T, externalCallID, status string, extra ...func(*telephony.StatusCallback)) {
	t.Helper()
	cb := telephony.StatusCallback{CallSid: externalCallID, CallStatus: status}
	for _, f := range extra {
		f(&cb)
	}
	require.NoError(t, h.mgr.HandleStatusCallback(context.Background(), cb))
}

func TestInitiateCreatesSession(t *testing.T) {
	h := newHarness(t)

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.CallID)
	assert.Equal(t, "CA0001", resp.ExternalCallID)
	assert.Equal(t, string(models.CallStatusInitiated), resp.Status)

	stored, ok := h.store.get(resp.CallID)
	require.True(t, ok)
	assert.Equal(t, "patient-1", stored.PatientID)
	assert.Equal(t, models.ChannelInitiating, stored.ChannelStatus)

	active := h.mgr.ActiveCalls()
	require.Len(t, active, 1)
	assert.Equal(t, resp.CallID, active[0].CallID)
}

func TestInitiateRequiresPatient(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{})
	assert.ErrorIs(t, err, ErrPatientRequired)
}

func TestInitiateProviderError(t *testing.T) {
	h := newHarness(t)
	h.provider.failNext = true

	_, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.Error(t, err)
	assert.Empty(t, h.mgr.ActiveCalls())
}

func TestConnectedAcquiresMediaResources(t *testing.T) {
	h := newHarness(t)

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)

	h.webhook(t, resp.ExternalCallID, "ringing")
	h.webhook(t, resp.ExternalCallID, "in-progress")

	stats := h.pool.Stats()
	assert.Equal(t, 1, stats.Leased)

	lease, ok := h.pool.LeaseFor(resp.CallID)
	require.True(t, ok)
	assert.Equal(t, "media-"+resp.CallID, lease.Meta.ChannelID)
	assert.Equal(t, resp.CallID, h.bridge.binds["media-"+resp.CallID])
	assert.Equal(t, 1, h.ai.connects)

	status, err := h.mgr.GetStatus(context.Background(), resp.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusInProgress, status.Status)
	assert.Equal(t, models.ChannelConnected, status.ChannelStatus)
}

func TestTranscriptsFlowToPipeline(t *testing.T) {
	h := newHarness(t)

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)
	h.webhook(t, resp.ExternalCallID, "in-progress")

	h.ai.fragments <- airealtime.TranscriptFragment{Role: airealtime.RoleAssistant, Text: "How are you feeling today?"}
	h.ai.fragments <- airealtime.TranscriptFragment{Role: airealtime.RolePatient, Text: "I fell and I can't get up"}

	require.Eventually(t, func() bool {
		return len(h.pipeline.processed()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "I fell and I can't get up", h.pipeline.processed()[0])
}

func TestAIConnectFailureDoesNotKillCall(t *testing.T) {
	h := newHarness(t)
	h.ai.failNext = true

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)
	h.webhook(t, resp.ExternalCallID, "in-progress")

	status, err := h.mgr.GetStatus(context.Background(), resp.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusInProgress, status.Status)
}

func TestPortExhaustionFailsConnectedCall(t *testing.T) {
	h := newHarness(t)
	// Ten even ports in 20001-20020; lease them all
	for i := 0; i < 10; i++ {
		_, err := h.pool.Acquire(fmt.Sprintf("occupant-%d", i), ports.Metadata{})
		require.NoError(t, err)
	}
	require.Equal(t, 0, h.pool.Stats().Available)

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)
	h.webhook(t, resp.ExternalCallID, "in-progress")

	// The call fails instead of carrying on without a media path
	stored, ok := h.store.get(resp.CallID)
	require.True(t, ok)
	assert.Equal(t, models.CallStatusFailed, stored.Status)
	assert.Equal(t, "port-exhausted", stored.EndReason)
	assert.Equal(t, 0, h.ai.connects)
	assert.Equal(t, 1, h.teardown.count())

	// Exhaustion is transient, so the retry path gets another attempt
	require.Eventually(t, func() bool {
		return h.provider.initiateCount() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDuplicateWebhookDropped(t *testing.T) {
	h := newHarness(t)

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)

	h.webhook(t, resp.ExternalCallID, "in-progress")
	h.webhook(t, resp.ExternalCallID, "in-progress")

	assert.Equal(t, 1, h.ai.connects)
	assert.Equal(t, 1, h.pool.Stats().Leased)
}

func TestOutOfOrderWebhookIgnored(t *testing.T) {
	h := newHarness(t)

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)

	h.webhook(t, resp.ExternalCallID, "answered")
	h.webhook(t, resp.ExternalCallID, "ringing")

	status, err := h.mgr.GetStatus(context.Background(), resp.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelAnswered, status.ChannelStatus)
}

func TestCompletedWebhookEndsCall(t *testing.T) {
	h := newHarness(t)

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)
	h.webhook(t, resp.ExternalCallID, "in-progress")
	h.webhook(t, resp.ExternalCallID, "completed", func(cb *telephony.StatusCallback) {
		cb.CallDuration = "45"
	})

	require.Equal(t, 1, h.teardown.count())
	target := h.teardown.targets[0]
	assert.Equal(t, resp.CallID, target.CallID)
	assert.Equal(t, resp.ExternalCallID, target.ExternalCallID)
	assert.Equal(t, "media-"+resp.CallID, target.ChannelID)

	assert.Empty(t, h.mgr.ActiveCalls())

	// Session left memory; the durable record serves the status read.
	status, err := h.mgr.GetStatus(context.Background(), resp.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusCompleted, status.Status)
	assert.Equal(t, 45.0, status.Duration)
}

func TestFailedCallGetsMinimumBilling(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.mgr.now = func() time.Time { return start }

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)

	// Ends one second later with no reported duration.
	h.mgr.now = func() time.Time { return start.Add(time.Second) }
	h.webhook(t, resp.ExternalCallID, "failed")

	stored, ok := h.store.get(resp.CallID)
	require.True(t, ok)
	assert.Equal(t, models.CallStatusFailed, stored.Status)
	assert.Equal(t, 30*time.Second, stored.Duration)
	assert.Equal(t, start.Add(30*time.Second), stored.EndTime)
}

func TestMachineAnswerEndsCall(t *testing.T) {
	h := newHarness(t)

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)
	h.webhook(t, resp.ExternalCallID, "in-progress", func(cb *telephony.StatusCallback) {
		cb.AnsweredBy = "machine_start"
	})

	stored, ok := h.store.get(resp.CallID)
	require.True(t, ok)
	assert.Equal(t, models.CallStatusMachine, stored.Status)
	assert.GreaterOrEqual(t, stored.Duration, 30*time.Second)
	assert.Equal(t, 1, h.teardown.count())
}

func TestNoAnswerSchedulesRetry(t *testing.T) {
	h := newHarness(t)

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)
	h.webhook(t, resp.ExternalCallID, "no-answer")

	require.Eventually(t, func() bool {
		return len(h.mgr.ActiveCalls()) == 1
	}, time.Second, 5*time.Millisecond)

	active := h.mgr.ActiveCalls()
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].RetryAttempt)
	assert.Equal(t, resp.CallID, active[0].OriginalCallID)
	assert.NotEqual(t, resp.CallID, active[0].CallID)
}

func TestMachineAnswerNotRetried(t *testing.T) {
	h := newHarness(t)

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)
	h.webhook(t, resp.ExternalCallID, "in-progress", func(cb *telephony.StatusCallback) {
		cb.AnsweredBy = "machine_start"
	})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.provider.initiateCount())
}

func TestRetryChainStopsAtMax(t *testing.T) {
	h := newHarness(t)

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)

	// Fail every attempt; MaxCallRetries is 2 so three total attempts.
	waitForRetry := func() {
		require.Eventually(t, func() bool {
			return len(h.mgr.ActiveCalls()) == 1
		}, time.Second, 5*time.Millisecond)
	}
	h.webhook(t, resp.ExternalCallID, "failed")
	waitForRetry()
	h.webhook(t, "CA0002", "failed")
	waitForRetry()
	h.webhook(t, "CA0003", "failed")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, h.provider.initiateCount())
}

func TestEndCallSurvivesTeardownFailure(t *testing.T) {
	h := newHarness(t)
	h.teardown.err = errors.New("hangup failed")

	resp, err := h.mgr.Initiate(context.Background(), models.InitiateCallRequest{PatientID: "patient-1"})
	require.NoError(t, err)
	h.webhook(t, resp.ExternalCallID, "in-progress")

	require.NoError(t, h.mgr.EndCall(context.Background(), resp.CallID, "operator request"))

	stored, ok := h.store.get(resp.CallID)
	require.True(t, ok)
	assert.Equal(t, models.CallStatusCompleted, stored.Status)
	assert.Equal(t, "operator request", stored.EndReason)
	assert.Empty(t, h.mgr.ActiveCalls())
}

func TestEndCallUnknown(t *testing.T) {
	h := newHarness(t)

	err := h.mgr.EndCall(context.Background(), "no-such-call", "")
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestWebhookForUnknownCall(t *testing.T) {
	h := newHarness(t)

	err := h.mgr.HandleStatusCallback(context.Background(), telephony.StatusCallback{
		CallSid:    "CA9999",
		CallStatus: "completed",
	})
	assert.ErrorIs(t, err, ErrCallNotFound)
}
