package monitor

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor() (*Monitor, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(nil, WithClock(clock.Now)), clock
}

func TestMonitor_Lifecycle(t *testing.T) {
	t.Parallel()
	m, clock := newTestMonitor()

	m.StartStream("s1", "t1")
	m.UpdateStep("s1", "Searching for information...")
	m.IncrementTokens("s1", 3)
	m.IncrementTokens("s1", 2)

	conn, ok := m.Connection("s1")
	require.True(t, ok)
	assert.Equal(t, "t1", conn.ThreadID)
	assert.Equal(t, "Searching for information...", conn.CurrentStep)
	assert.Equal(t, 5, conn.TokenCount)
	assert.Equal(t, 1, m.Metrics().Active)

	clock.Advance(2 * time.Second)
	m.CompleteStream("s1")

	metrics := m.Metrics()
	assert.EqualValues(t, 1, metrics.Started)
	assert.EqualValues(t, 1, metrics.Completed)
	assert.Equal(t, 0, metrics.Active)
	assert.InDelta(t, 2000, metrics.AvgDurationMs, 0.001)
	assert.InDelta(t, 5, metrics.AvgTokens, 0.001)

	_, ok = m.Connection("s1")
	assert.False(t, ok)
}

func TestMonitor_TerminalOutcomesAreCountedSeparately(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor()

	m.StartStream("ok", "t")
	m.StartStream("gone", "t")
	m.StartStream("bad", "t")
	m.MarkClientDisconnected("gone")

	conn, _ := m.Connection("gone")
	assert.True(t, conn.ClientDisconnected)

	m.CompleteStream("ok")
	m.CancelStream("gone")
	m.ErrorStream("bad")
	// Finishing twice or finishing an unknown id is ignored.
	m.ErrorStream("ok")
	m.CompleteStream("unknown")

	metrics := m.Metrics()
	assert.EqualValues(t, 3, metrics.Started)
	assert.EqualValues(t, 1, metrics.Completed)
	assert.EqualValues(t, 1, metrics.Cancelled)
	assert.EqualValues(t, 1, metrics.Errored)
	assert.Equal(t, 0, metrics.Active)
}

func TestMonitor_CleanupStale(t *testing.T) {
	t.Parallel()
	m, clock := newTestMonitor()
	maxAge := 5 * time.Minute

	m.StartStream("leaked", "t1")
	clock.Advance(maxAge + time.Millisecond)
	m.StartStream("young", "t2")

	removed := m.CleanupStale(maxAge)
	assert.Equal(t, 1, removed)

	metrics := m.Metrics()
	assert.Equal(t, 1, metrics.Active)
	assert.EqualValues(t, 1, metrics.Stale)
	assert.EqualValues(t, 0, metrics.Completed+metrics.Cancelled+metrics.Errored)

	clock.Advance(maxAge + time.Millisecond)
	assert.Equal(t, 1, m.CleanupStale(maxAge))
	assert.Equal(t, 0, m.Metrics().Active)
}

func TestMonitor_RollingWindowKeepsLatest(t *testing.T) {
	t.Parallel()
	m, clock := newTestMonitor()

	// 150 streams: the first 50 have 1000 tokens, the last 100 have 10.
	for i := 0; i < 150; i++ {
		id := strconv.Itoa(i)
		m.StartStream(id, "t")
		if i < 50 {
			m.IncrementTokens(id, 1000)
		} else {
			m.IncrementTokens(id, 10)
		}
		clock.Advance(time.Second)
		m.CompleteStream(id)
	}

	metrics := m.Metrics()
	assert.InDelta(t, 10, metrics.AvgTokens, 0.001)
	assert.InDelta(t, 1000, metrics.AvgDurationMs, 0.001)
	assert.EqualValues(t, 150, metrics.Completed)
}

func TestMonitor_ActiveConnectionsAndReset(t *testing.T) {
	t.Parallel()
	m, clock := newTestMonitor()

	m.StartStream("b", "t")
	clock.Advance(time.Second)
	m.StartStream("a", "t")

	active := m.ActiveConnections()
	require.Len(t, active, 2)
	assert.Equal(t, "b", active[0].ID)

	m.Reset()
	assert.Empty(t, m.ActiveConnections())
	assert.Zero(t, m.Metrics())
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	m := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "s" + strconv.Itoa(i)
			m.StartStream(id, "t")
			m.IncrementTokens(id, 1)
			m.UpdateStep(id, "working")
			_ = m.Metrics()
			m.CompleteStream(id)
		}(i)
	}
	wg.Wait()

	metrics := m.Metrics()
	assert.EqualValues(t, 100, metrics.Completed)
	assert.Equal(t, 0, metrics.Active)
}
