// Package ports implements thread-safe leasing of even-numbered UDP ports
// for RTP media. The pool is the one piece of state shared across all
// concurrent call sessions, so every mutation happens under the manager's
// mutex — nothing here is a package-level global.
package ports

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"wellness-orchestrator/internal/api/middleware"
	"wellness-orchestrator/internal/config"
	"wellness-orchestrator/internal/events"
	"wellness-orchestrator/internal/models"
)

// Manager owns the media port pool: total range, available set, lease map.
// One even port conceptually serves one call leg (RTP; the odd sibling is
// reserved for RTCP by convention and never handed out separately).
type Manager struct {
	mu sync.Mutex

	rangeStart int // first leasable port, rounded up to even
	rangeEnd   int
	available  map[int]struct{}
	leases     map[int]*Lease
	byCall     map[string]int // reverse index: call id → port

	maxLeaseAge     time.Duration
	highUtilPct     float64
	maxAttempts     int
	healthInterval  time.Duration

	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time // injectable clock for tests
}

// NewManager builds a pool covering the configured range
func NewManager(cfg *config.Config, bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	start := cfg.PortRangeStart
	if start%2 != 0 {
		start++
	}

	m := &Manager{
		rangeStart:     start,
		rangeEnd:       cfg.PortRangeEnd,
		available:      make(map[int]struct{}),
		leases:         make(map[int]*Lease),
		byCall:         make(map[string]int),
		maxLeaseAge:    cfg.MaxPortLeaseAge,
		highUtilPct:    cfg.HighUtilizationPct,
		maxAttempts:    cfg.MaxAcquireAttempts,
		healthInterval: cfg.PortHealthInterval,
		bus:            bus,
		logger:         logger,
		now:            time.Now,
	}
	m.reinitializeLocked()

	logger.Info("media port pool initialized",
		zap.Int("range_start", m.rangeStart),
		zap.Int("range_end", m.rangeEnd),
		zap.Int("total_ports", len(m.available)),
	)
	return m
}

// Acquire leases one port for the given call.
//
// Idempotent: a call that already holds a lease gets the same port back
// (guards against duplicate acquisition from retried webhooks). Ports pulled
// from the available set are revalidated against range and parity; invalid
// entries are discarded and acquisition retried up to maxAttempts, after
// which the pool is fully reinitialized (self-healing against corruption).
func (m *Manager) Acquire(callID string, meta Metadata) (int, error) {
	if callID == "" {
		return 0, ErrInvalidCallID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if port, ok := m.byCall[callID]; ok {
		m.logger.Warn("call already holds a port lease, returning existing",
			zap.String("call_id", callID),
			zap.Int("port", port),
		)
		return port, nil
	}

	port, ok := m.takeValidPortLocked()
	if !ok {
		// One full reinitialization before giving up — the available set
		// may be corrupt while the range still has free ports.
		m.reinitializeLocked()
		port, ok = m.takeValidPortLocked()
	}
	if !ok {
		m.logger.Error("media port pool exhausted",
			zap.String("call_id", callID),
			zap.Int("leased", len(m.leases)),
		)
		m.publish(events.Event{
			Type:   events.EventPortsExhausted,
			CallID: callID,
			Fields: map[string]interface{}{"leased": len(m.leases)},
		})
		return 0, ErrPoolExhausted
	}

	lease := &Lease{
		Port:     port,
		CallID:   callID,
		LeasedAt: m.now(),
		Meta:     meta,
	}
	m.leases[port] = lease
	m.byCall[callID] = port
	m.updateGaugesLocked()

	m.logger.Info("media port leased",
		zap.Int("port", port),
		zap.String("call_id", callID),
		zap.String("channel_id", meta.ChannelID),
	)
	return port, nil
}

// takeValidPortLocked removes one valid port from the available set.
// Invalid entries (out of range, odd) are dropped as they are found.
func (m *Manager) takeValidPortLocked() (int, bool) {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		port, ok := m.anyAvailableLocked()
		if !ok {
			return 0, false
		}
		delete(m.available, port)
		if m.isValidPort(port) {
			return port, true
		}
		m.logger.Warn("discarding invalid port found in pool",
			zap.Int("port", port),
			zap.Int("attempt", attempt+1),
		)
	}
	return 0, false
}

func (m *Manager) anyAvailableLocked() (int, bool) {
	for port := range m.available {
		return port, true
	}
	return 0, false
}

func (m *Manager) isValidPort(port int) bool {
	return port >= m.rangeStart && port <= m.rangeEnd && port%2 == 0
}

// reinitializeLocked rebuilds the available set from the configured range,
// excluding ports that are currently leased. Active leases survive.
func (m *Manager) reinitializeLocked() {
	m.available = make(map[int]struct{})
	for port := m.rangeStart; port <= m.rangeEnd; port += 2 {
		if _, leased := m.leases[port]; !leased {
			m.available[port] = struct{}{}
		}
	}
	m.logger.Info("port pool reinitialized",
		zap.Int("available", len(m.available)),
		zap.Int("leased", len(m.leases)),
	)
}

// Release returns a port to the available set.
//
// When callID is non-empty the lease ownership is verified; a mismatch is a
// caller bug and the release is rejected. Unknown ports return false rather
// than erroring so the caller can log and continue.
func (m *Manager) Release(port int, callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(port, callID)
}

func (m *Manager) releaseLocked(port int, callID string) bool {
	lease, ok := m.leases[port]
	if !ok {
		m.logger.Warn("release of unleased port ignored", zap.Int("port", port))
		return false
	}
	if callID != "" && lease.CallID != callID {
		m.logger.Error("port release rejected: lease owned by different call",
			zap.Int("port", port),
			zap.String("lease_call_id", lease.CallID),
			zap.String("caller_call_id", callID),
		)
		return false
	}

	delete(m.leases, port)
	delete(m.byCall, lease.CallID)
	if m.isValidPort(port) {
		m.available[port] = struct{}{}
	} else {
		m.logger.Warn("released port failed validity check, not returned to pool",
			zap.Int("port", port))
	}
	m.updateGaugesLocked()

	m.logger.Info("media port released",
		zap.Int("port", port),
		zap.String("call_id", lease.CallID),
		zap.Duration("held_for", lease.Age(m.now())),
	)
	return true
}

// ReleaseByCallID releases the port held by a call, looked up via the
// reverse index. The call-end path often has only the call identifier.
func (m *Manager) ReleaseByCallID(callID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	port, ok := m.byCall[callID]
	if !ok {
		return 0, false
	}
	return port, m.releaseLocked(port, callID)
}

// ReleaseAllForCall releases every lease held by the call and returns the
// number released. Normally one, but the detailed report may have surfaced
// a call erroneously holding several.
func (m *Manager) ReleaseAllForCall(callID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var toRelease []int
	for port, lease := range m.leases {
		if lease.CallID == callID {
			toRelease = append(toRelease, port)
		}
	}
	released := 0
	for _, port := range toRelease {
		if m.releaseLocked(port, callID) {
			released++
		}
	}
	return released
}

// HealthCheck scans all leases once: leases older than maxLeaseAge are
// flagged as stuck via an event but never auto-released — a call
// legitimately lasting over an hour must not lose its media. Also emits
// a high-utilization event above the configured threshold.
func (m *Manager) HealthCheck() []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var stuck []Lease
	for _, lease := range m.leases {
		if lease.Age(now) > m.maxLeaseAge {
			stuck = append(stuck, *lease)
		}
	}

	if len(stuck) > 0 {
		calls := make([]string, 0, len(stuck))
		for _, l := range stuck {
			calls = append(calls, l.CallID)
		}
		m.logger.Warn("stuck port leases detected",
			zap.Int("count", len(stuck)),
			zap.Strings("call_ids", calls),
		)
		m.publish(events.Event{
			Type:   events.EventStuckPortsDetected,
			Fields: map[string]interface{}{"count": len(stuck), "call_ids": calls},
		})
	}

	util := m.utilizationLocked()
	if util > m.highUtilPct {
		m.logger.Warn("port pool utilization high", zap.Float64("utilization_pct", util))
		m.publish(events.Event{
			Type:   events.EventHighUtilization,
			Fields: map[string]interface{}{"utilization_pct": util},
		})
	}

	m.updateGaugesLocked()
	return stuck
}

// RunHealthLoop runs HealthCheck on a fixed interval until ctx is done
func (m *Manager) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	m.logger.Info("port health check started", zap.Duration("interval", m.healthInterval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("port health check stopped")
			return
		case <-ticker.C:
			m.HealthCheck()
		}
	}
}

// Stats returns total/available/leased counts and utilization
func (m *Manager) Stats() models.PortStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() models.PortStats {
	total := len(m.available) + len(m.leases)
	return models.PortStats{
		Total:          total,
		Available:      len(m.available),
		Leased:         len(m.leases),
		UtilizationPct: m.utilizationLocked(),
	}
}

func (m *Manager) utilizationLocked() float64 {
	total := len(m.available) + len(m.leases)
	if total == 0 {
		return 0
	}
	return float64(len(m.leases)) / float64(total) * 100
}

// DetailedReport returns every lease plus per-call port groupings so that
// calls holding more than one port stand out
func (m *Manager) DetailedReport() models.PortReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	report := models.PortReport{
		Stats:       m.statsLocked(),
		Leases:      make([]models.PortLeaseView, 0, len(m.leases)),
		PortsByCall: make(map[string][]int),
	}

	for port, lease := range m.leases {
		report.Leases = append(report.Leases, models.PortLeaseView{
			Port:           port,
			CallID:         lease.CallID,
			LeasedAt:       lease.LeasedAt,
			AgeSeconds:     lease.Age(now).Seconds(),
			ChannelID:      lease.Meta.ChannelID,
			ExternalCallID: lease.Meta.ExternalCallID,
			Direction:      lease.Meta.Direction,
		})
		report.PortsByCall[lease.CallID] = append(report.PortsByCall[lease.CallID], port)
	}

	sort.Slice(report.Leases, func(i, j int) bool {
		return report.Leases[i].Port < report.Leases[j].Port
	})

	for callID, held := range report.PortsByCall {
		sort.Ints(held)
		if len(held) > 1 {
			if report.MultiPort == nil {
				report.MultiPort = make(map[string][]int)
			}
			report.MultiPort[callID] = held
		}
	}
	return report
}

// LeaseFor returns a copy of the lease held by a call, if any
func (m *Manager) LeaseFor(callID string) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	port, ok := m.byCall[callID]
	if !ok {
		return Lease{}, false
	}
	return *m.leases[port], true
}

func (m *Manager) updateGaugesLocked() {
	middleware.PortsAvailable.Set(float64(len(m.available)))
	middleware.PortsLeased.Set(float64(len(m.leases)))
	middleware.PortUtilization.Set(m.utilizationLocked())
}

func (m *Manager) publish(evt events.Event) {
	if m.bus != nil {
		m.bus.Publish(evt)
	}
}
