package call

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wellness-orchestrator/internal/airealtime"
	"wellness-orchestrator/internal/api/middleware"
	"wellness-orchestrator/internal/config"
	"wellness-orchestrator/internal/models"
	"wellness-orchestrator/internal/ports"
	"wellness-orchestrator/internal/teardown"
	"wellness-orchestrator/internal/telephony"
)

// statusRank orders channel statuses so late-arriving webhooks cannot move
// a session backwards. Terminal statuses always win.
func statusRank(s models.ChannelStatus) int {
	switch s {
	case models.ChannelInitiating:
		return 0
	case models.ChannelRinging:
		return 1
	case models.ChannelAnswered:
		return 2
	case models.ChannelConnected:
		return 3
	default:
		return 4
	}
}

// Manager owns all live call sessions and drives their state machine from
// provider webhooks and API requests.
type Manager struct {
	cfg *config.Config

	mu         sync.RWMutex
	sessions   map[string]*Session // by call id
	byExternal map[string]string   // provider call id -> call id
	byChannel  map[string]string   // media channel id -> call id
	retries    map[string]*time.Timer

	provider    telephony.Provider
	pool        *ports.Manager
	bridge      ChannelBinder
	ai          AIRealtime
	store       Store
	pipeline    TranscriptProcessor
	coordinator Teardowner

	logger *zap.Logger
	now    func() time.Time

	closed bool
}

// NewManager wires the session manager to its resource owners
func NewManager(cfg *config.Config, provider telephony.Provider, pool *ports.Manager, bridge ChannelBinder, ai AIRealtime, store Store, pipeline TranscriptProcessor, coordinator Teardowner, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:         cfg,
		sessions:    make(map[string]*Session),
		byExternal:  make(map[string]string),
		byChannel:   make(map[string]string),
		retries:     make(map[string]*time.Timer),
		provider:    provider,
		pool:        pool,
		bridge:      bridge,
		ai:          ai,
		store:       store,
		pipeline:    pipeline,
		coordinator: coordinator,
		logger:      logger,
		now:         time.Now,
	}
}

// Initiate places an outbound wellness-check call to the patient
func (m *Manager) Initiate(ctx context.Context, req models.InitiateCallRequest) (*models.InitiateCallResponse, error) {
	if req.PatientID == "" {
		return nil, ErrPatientRequired
	}
	return m.initiate(ctx, req.PatientID, req.AgentID, 0, "")
}

func (m *Manager) initiate(ctx context.Context, patientID, agentID string, retryAttempt int, originalCallID string) (*models.InitiateCallResponse, error) {
	externalCallID, err := m.provider.InitiateCall(ctx, patientID)
	if err != nil {
		middleware.CallsInitiatedTotal.WithLabelValues(string(models.DirectionOutbound), "error").Inc()
		m.logger.Error("provider rejected call initiation",
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
		return nil, err
	}

	call := models.Call{
		CallID:         uuid.NewString(),
		ExternalCallID: externalCallID,
		PatientID:      patientID,
		AgentID:        agentID,
		ConversationID: uuid.NewString(),
		Direction:      models.DirectionOutbound,
		Status:         models.CallStatusInitiated,
		ChannelStatus:  models.ChannelInitiating,
		StartTime:      m.now(),
		RetryAttempt:   retryAttempt,
		MaxRetries:     m.cfg.MaxCallRetries,
		OriginalCallID: originalCallID,
	}
	sess := newSession(call)

	m.mu.Lock()
	m.sessions[call.CallID] = sess
	m.byExternal[externalCallID] = call.CallID
	m.mu.Unlock()

	if err := m.store.Save(ctx, &call); err != nil {
		// The in-memory session is authoritative; the mirror catches up
		// on the next transition.
		m.logger.Error("failed to persist call record", zap.String("call_id", call.CallID), zap.Error(err))
	}

	middleware.CallsInitiatedTotal.WithLabelValues(string(models.DirectionOutbound), "ok").Inc()
	middleware.ActiveCalls.Inc()
	m.logger.Info("call initiated",
		zap.String("call_id", call.CallID),
		zap.String("external_call_id", externalCallID),
		zap.String("patient_id", patientID),
		zap.Int("retry_attempt", retryAttempt),
	)

	return &models.InitiateCallResponse{
		CallID:         call.CallID,
		ExternalCallID: externalCallID,
		Status:         string(call.Status),
	}, nil
}

// HandleStatusCallback applies one provider status webhook to its session.
// Duplicate deliveries are dropped, out-of-order deliveries cannot move a
// session backwards, and anything after a terminal status is ignored.
func (m *Manager) HandleStatusCallback(ctx context.Context, cb telephony.StatusCallback) error {
	callID := m.resolveCallID(ctx, cb.CallSid)
	if callID == "" {
		m.logger.Warn("status webhook for unknown call", zap.String("external_call_id", cb.CallSid))
		return ErrCallNotFound
	}

	if fresh, err := m.store.MarkWebhookSeen(ctx, cb.CallSid, cb.CallStatus); err != nil {
		m.logger.Warn("webhook dedup check failed, processing anyway", zap.Error(err))
	} else if !fresh {
		m.logger.Debug("dropping duplicate status webhook",
			zap.String("call_id", callID),
			zap.String("status", cb.CallStatus),
		)
		return nil
	}

	m.mu.RLock()
	sess := m.sessions[callID]
	m.mu.RUnlock()
	if sess == nil {
		return ErrCallNotFound
	}

	machine := cb.MachineAnswered()
	next := telephony.MapProviderStatus(cb.CallStatus)
	if machine && !next.IsTerminal() {
		// Machine pickup ends the attempt even if the channel reports
		// in-progress: there is no one to talk to.
		next = models.ChannelEnded
	}

	sess.mu.Lock()
	current := sess.call.ChannelStatus
	if current.IsTerminal() {
		sess.mu.Unlock()
		return nil
	}
	if statusRank(next) < statusRank(current) {
		sess.mu.Unlock()
		m.logger.Debug("ignoring out-of-order status webhook",
			zap.String("call_id", callID),
			zap.String("current", string(current)),
			zap.String("received", string(next)),
		)
		return nil
	}
	sess.call.ChannelStatus = next
	if next == models.ChannelAnswered || next == models.ChannelConnected {
		sess.call.Status = models.CallStatusInProgress
	}
	snapshot := sess.call
	sess.mu.Unlock()

	switch {
	case next.IsTerminal():
		m.completeCall(ctx, sess, next, machine, parseReportedDuration(cb.CallDuration), "provider:"+cb.CallStatus)
	case next == models.ChannelConnected && current != models.ChannelConnected:
		m.onConnected(ctx, sess)
	default:
		if err := m.store.Save(ctx, &snapshot); err != nil {
			m.logger.Error("failed to persist status transition", zap.String("call_id", callID), zap.Error(err))
		}
	}
	return nil
}

// onConnected acquires the media resources for a live conversation: an RTP
// port, a bridge channel and the AI realtime connection.
func (m *Manager) onConnected(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	sess.call.ChannelID = "media-" + sess.call.CallID
	call := sess.call
	sess.mu.Unlock()

	if _, err := m.pool.Acquire(call.CallID, ports.Metadata{
		ChannelID:      call.ChannelID,
		ExternalCallID: call.ExternalCallID,
		Direction:      string(call.Direction),
	}); err != nil {
		// No port means no media path and no emergency screening. Fail the
		// call instead of carrying a silent conversation; the retry path
		// gets another shot once leases free up.
		m.logger.Error("no media port for connected call",
			zap.String("call_id", call.CallID),
			zap.Error(err),
		)
		m.completeCall(ctx, sess, models.ChannelFailed, false, 0, "port-exhausted")
		return
	}
	m.bridge.BindChannel(call.ChannelID, call.CallID)

	m.mu.Lock()
	m.byChannel[call.ChannelID] = call.CallID
	m.mu.Unlock()

	fragments, err := m.ai.Connect(ctx, call.ConversationID, call.ExternalCallID, call.ChannelID, call.PatientID)
	if err != nil {
		// The call proceeds without live transcript screening. The
		// conversation still happens over the telephony leg.
		m.logger.Error("ai realtime connection failed",
			zap.String("call_id", call.CallID),
			zap.String("conversation_id", call.ConversationID),
			zap.Error(err),
		)
	} else {
		pumpCtx, cancel := context.WithCancel(context.Background())
		sess.mu.Lock()
		sess.cancelPump = cancel
		sess.mu.Unlock()
		go m.pumpTranscripts(pumpCtx, call.CallID, call.PatientID, fragments)
	}

	if err := m.store.Save(ctx, &call); err != nil {
		m.logger.Error("failed to persist connected call", zap.String("call_id", call.CallID), zap.Error(err))
	}
	m.logger.Info("call connected",
		zap.String("call_id", call.CallID),
		zap.String("channel_id", call.ChannelID),
		zap.String("conversation_id", call.ConversationID),
	)
}

// pumpTranscripts feeds patient utterances into the emergency pipeline
// until the fragment stream closes or the session ends
func (m *Manager) pumpTranscripts(ctx context.Context, callID, patientID string, fragments <-chan airealtime.TranscriptFragment) {
	for {
		select {
		case <-ctx.Done():
			return
		case frag, ok := <-fragments:
			if !ok {
				return
			}
			if frag.Role != airealtime.RolePatient || frag.Text == "" {
				continue
			}
			m.pipeline.Process(ctx, callID, patientID, frag.Text)
		}
	}
}

// EndCall ends a call on request. The session always reaches its terminal
// state even when individual teardown steps fail.
func (m *Manager) EndCall(ctx context.Context, callID, reason string) error {
	m.mu.RLock()
	sess := m.sessions[callID]
	m.mu.RUnlock()
	if sess == nil {
		return ErrCallNotFound
	}
	if sess.terminal() {
		return ErrCallAlreadyEnded
	}
	if reason == "" {
		reason = "api-request"
	}
	m.completeCall(ctx, sess, models.ChannelEnded, false, 0, reason)
	return nil
}

// completeCall drives a session to its terminal state: it finalizes the
// record, stops the transcript pump, runs teardown, persists, and schedules
// a retry when the failure mode qualifies.
func (m *Manager) completeCall(ctx context.Context, sess *Session, channelStatus models.ChannelStatus, machine bool, reported time.Duration, reason string) {
	endedAt := m.now()

	sess.mu.Lock()
	if sess.completed {
		sess.mu.Unlock()
		return
	}
	sess.completed = true
	status := terminalStatusFor(channelStatus, machine)
	finalize(&sess.call, status, channelStatus, endedAt, reported, m.cfg.MinBillableDuration)
	sess.call.EndReason = reason
	cancel := sess.cancelPump
	sess.cancelPump = nil
	call := sess.call
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if err := m.coordinator.Teardown(ctx, teardown.Target{
		CallID:         call.CallID,
		ConversationID: call.ConversationID,
		ExternalCallID: call.ExternalCallID,
		ChannelID:      call.ChannelID,
		Reason:         reason,
	}); err != nil {
		// Teardown reports best-effort failures; the session still ends.
		m.logger.Error("teardown finished with failures",
			zap.String("call_id", call.CallID),
			zap.Error(err),
		)
	}

	m.mu.Lock()
	delete(m.sessions, call.CallID)
	delete(m.byExternal, call.ExternalCallID)
	delete(m.byChannel, call.ChannelID)
	m.mu.Unlock()

	if err := m.store.Save(ctx, &call); err != nil {
		m.logger.Error("failed to persist final call record", zap.String("call_id", call.CallID), zap.Error(err))
	}

	middleware.CallsEndedTotal.WithLabelValues(string(status)).Inc()
	middleware.ActiveCalls.Dec()
	m.logger.Info("call ended",
		zap.String("call_id", call.CallID),
		zap.String("status", string(status)),
		zap.String("channel_status", string(channelStatus)),
		zap.Duration("duration", call.Duration),
		zap.String("reason", reason),
	)

	if retryable(channelStatus, machine) && call.RetryAttempt < call.MaxRetries {
		m.scheduleRetry(call)
	}
}

// scheduleRetry queues a fresh call attempt linked to the original record
func (m *Manager) scheduleRetry(prev models.Call) {
	original := prev.OriginalCallID
	if original == "" {
		original = prev.CallID
	}
	attempt := prev.RetryAttempt + 1

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.retries[prev.CallID] = time.AfterFunc(m.cfg.RetryDelay, func() {
		m.mu.Lock()
		delete(m.retries, prev.CallID)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if _, err := m.initiate(context.Background(), prev.PatientID, prev.AgentID, attempt, original); err != nil {
			m.logger.Error("retry attempt failed to start",
				zap.String("original_call_id", original),
				zap.Int("retry_attempt", attempt),
				zap.Error(err),
			)
		}
	})
	m.mu.Unlock()

	m.logger.Info("retry scheduled",
		zap.String("call_id", prev.CallID),
		zap.String("original_call_id", original),
		zap.Int("retry_attempt", attempt),
		zap.Duration("delay", m.cfg.RetryDelay),
	)
}

// GetStatus returns the live view of a session, falling back to the
// durable store for calls that already left memory
func (m *Manager) GetStatus(ctx context.Context, callID string) (*models.CallStatusResponse, error) {
	m.mu.RLock()
	sess := m.sessions[callID]
	m.mu.RUnlock()

	var call models.Call
	if sess != nil {
		call = sess.Snapshot()
	} else {
		stored, err := m.store.Get(ctx, callID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, ErrCallNotFound
		}
		call = *stored
	}

	return &models.CallStatusResponse{
		CallID:        call.CallID,
		Status:        call.Status,
		ChannelStatus: call.ChannelStatus,
		StartTime:     call.StartTime,
		EndTime:       call.EndTime,
		Duration:      call.Duration.Seconds(),
		AISpeaking:    m.ai.Speaking(call.ConversationID),
	}, nil
}

// ActiveCalls lists the sessions that have not reached a terminal state
func (m *Manager) ActiveCalls() []models.Call {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]models.Call, 0, len(m.sessions))
	for _, sess := range m.sessions {
		call := sess.Snapshot()
		if !call.ChannelStatus.IsTerminal() {
			active = append(active, call)
		}
	}
	return active
}

// CallForChannel resolves the call owning a media channel
func (m *Manager) CallForChannel(channelID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byChannel[channelID]
	return id, ok
}

// Close cancels pending retries and transcript pumps. Live calls are not
// torn down; a restart must not hang up patients mid-conversation.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	timers := make([]*time.Timer, 0, len(m.retries))
	for _, t := range m.retries {
		timers = append(timers, t)
	}
	m.retries = make(map[string]*time.Timer)
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, s := range sessions {
		s.mu.Lock()
		cancel := s.cancelPump
		s.cancelPump = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (m *Manager) resolveCallID(ctx context.Context, externalCallID string) string {
	m.mu.RLock()
	id := m.byExternal[externalCallID]
	m.mu.RUnlock()
	if id != "" {
		return id
	}
	id, err := m.store.ResolveExternal(ctx, externalCallID)
	if err != nil {
		m.logger.Warn("external call id lookup failed", zap.String("external_call_id", externalCallID), zap.Error(err))
		return ""
	}
	return id
}

// parseReportedDuration converts the provider's CallDuration form value
// (whole seconds) into a duration, zero when absent or malformed
func parseReportedDuration(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
