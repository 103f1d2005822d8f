package ports

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellness-orchestrator/internal/config"
	"wellness-orchestrator/internal/events"
)

func testConfig(start, end int) *config.Config {
	return &config.Config{
		PortRangeStart:     start,
		PortRangeEnd:       end,
		PortHealthInterval: time.Minute,
		MaxPortLeaseAge:    time.Hour,
		HighUtilizationPct: 90,
		MaxAcquireAttempts: 10,
	}
}

func TestAcquireRelease(t *testing.T) {
	m := NewManager(testConfig(20001, 20010), nil, nil)

	port, err := m.Acquire("call-1", Metadata{ChannelID: "chan-1"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 20002)
	assert.LessOrEqual(t, port, 20010)
	assert.Equal(t, 0, port%2, "leased port must be even")

	ok := m.Release(port, "call-1")
	assert.True(t, ok)

	stats := m.Stats()
	assert.Equal(t, 0, stats.Leased)
}

func TestAcquireIsIdempotentPerCall(t *testing.T) {
	m := NewManager(testConfig(20001, 20010), nil, nil)

	first, err := m.Acquire("call-1", Metadata{})
	require.NoError(t, err)
	second, err := m.Acquire("call-1", Metadata{})
	require.NoError(t, err)

	assert.Equal(t, first, second, "same call must get the same port back")
	assert.Equal(t, 1, m.Stats().Leased, "pool must not shrink twice")
}

func TestAcquireRequiresCallID(t *testing.T) {
	m := NewManager(testConfig(20001, 20010), nil, nil)

	_, err := m.Acquire("", Metadata{})
	assert.ErrorIs(t, err, ErrInvalidCallID)
}

func TestPoolExhaustion(t *testing.T) {
	bus := events.NewBus(16, nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(func(evt events.Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})

	// Range 20002..20006 even → 3 ports
	m := NewManager(testConfig(20001, 20006), bus, nil)

	for i := 0; i < 3; i++ {
		_, err := m.Acquire(callID(i), Metadata{})
		require.NoError(t, err)
	}

	_, err := m.Acquire("call-overflow", Metadata{})
	assert.ErrorIs(t, err, ErrPoolExhausted)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, evt := range got {
			if evt.Type == events.EventPortsExhausted {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "exhaustion must emit a signal")
}

func TestPortUniquenessUnderConcurrency(t *testing.T) {
	m := NewManager(testConfig(20001, 21000), nil, nil)

	const callers = 200
	results := make(chan int, callers)
	var wg sync.WaitGroup
	wg.Add(callers)

	for i := 0; i < callers; i++ {
		go func(n int) {
			defer wg.Done()
			port, err := m.Acquire(callID(n), Metadata{})
			if err == nil {
				results <- port
			}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for port := range results {
		assert.False(t, seen[port], "port %d leased twice", port)
		seen[port] = true
	}
	assert.Len(t, seen, callers)
}

func TestReleaseOwnershipCheck(t *testing.T) {
	m := NewManager(testConfig(20001, 20010), nil, nil)

	port, err := m.Acquire("call-1", Metadata{})
	require.NoError(t, err)

	// Wrong owner — rejected, lease untouched
	assert.False(t, m.Release(port, "call-2"))
	assert.Equal(t, 1, m.Stats().Leased)

	// No owner given — allowed (trusted internal path)
	assert.True(t, m.Release(port, ""))
	assert.Equal(t, 0, m.Stats().Leased)
}

func TestReleaseUnknownPort(t *testing.T) {
	m := NewManager(testConfig(20001, 20010), nil, nil)
	assert.False(t, m.Release(20002, "call-1"), "unleased port release must return false, not panic")
}

func TestReleaseByCallID(t *testing.T) {
	m := NewManager(testConfig(20001, 20010), nil, nil)

	port, err := m.Acquire("call-1", Metadata{})
	require.NoError(t, err)

	released, ok := m.ReleaseByCallID("call-1")
	assert.True(t, ok)
	assert.Equal(t, port, released)

	_, ok = m.ReleaseByCallID("call-1")
	assert.False(t, ok, "second release is a no-op")
}

func TestSelfHealOnCorruptPool(t *testing.T) {
	m := NewManager(testConfig(20001, 20010), nil, nil)

	// Corrupt the pool: replace every entry with out-of-range odd ports
	m.mu.Lock()
	m.available = map[int]struct{}{99999: {}, 13: {}, 7: {}}
	m.mu.Unlock()

	port, err := m.Acquire("call-1", Metadata{})
	require.NoError(t, err, "acquire must self-heal via reinitialization")
	assert.True(t, port >= 20002 && port <= 20010 && port%2 == 0)
}

func TestHealthCheckFlagsStuckLeases(t *testing.T) {
	bus := events.NewBus(16, nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(func(evt events.Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})

	m := NewManager(testConfig(20001, 20010), bus, nil)

	now := time.Now()
	m.now = func() time.Time { return now }
	_, err := m.Acquire("call-old", Metadata{})
	require.NoError(t, err)

	// Advance the clock past the stuck threshold
	m.now = func() time.Time { return now.Add(2 * time.Hour) }

	stuck := m.HealthCheck()
	require.Len(t, stuck, 1)
	assert.Equal(t, "call-old", stuck[0].CallID)

	// The stuck lease must NOT be auto-released
	assert.Equal(t, 1, m.Stats().Leased)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, evt := range got {
			if evt.Type == events.EventStuckPortsDetected {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthCheckHighUtilization(t *testing.T) {
	bus := events.NewBus(16, nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(func(evt events.Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})

	// 3 ports, lease all → 100% utilization
	m := NewManager(testConfig(20001, 20006), bus, nil)
	for i := 0; i < 3; i++ {
		_, err := m.Acquire(callID(i), Metadata{})
		require.NoError(t, err)
	}

	m.HealthCheck()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, evt := range got {
			if evt.Type == events.EventHighUtilization {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDetailedReportGroupsPortsByCall(t *testing.T) {
	m := NewManager(testConfig(20001, 20010), nil, nil)

	_, err := m.Acquire("call-1", Metadata{Direction: "outbound"})
	require.NoError(t, err)

	// Force a second lease onto the same call to simulate the bug the
	// report exists to catch
	m.mu.Lock()
	var extra int
	for p := range m.available {
		extra = p
		break
	}
	delete(m.available, extra)
	m.leases[extra] = &Lease{Port: extra, CallID: "call-1", LeasedAt: time.Now()}
	m.mu.Unlock()

	report := m.DetailedReport()
	assert.Len(t, report.Leases, 2)
	assert.Len(t, report.PortsByCall["call-1"], 2)
	require.Contains(t, report.MultiPort, "call-1")

	// ReleaseAllForCall cleans up both
	assert.Equal(t, 2, m.ReleaseAllForCall("call-1"))
	assert.Equal(t, 0, m.Stats().Leased)
}

func callID(n int) string {
	return fmt.Sprintf("call-%d", n)
}
