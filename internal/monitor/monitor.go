// Package monitor tracks the lifecycle of in-flight answer streams for
// health reporting. It has no effect on the chat exchange itself.
package monitor

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/answerstream/internal/domain"
)

const (
	defaultWindowSize = 100

	// DefaultStaleAfter is how long a stream may run before it is reaped as leaked.
	DefaultStaleAfter = 5 * time.Minute
)

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeCancelled
	outcomeErrored
)

func (o outcome) String() string {
	switch o {
	case outcomeCompleted:
		return "completed"
	case outcomeCancelled:
		return "cancelled"
	default:
		return "errored"
	}
}

// Monitor is a registry of active stream connections plus rolling metrics.
type Monitor struct {
	mu          sync.Mutex
	connections map[string]*domain.StreamConnection
	started     int64
	completed   int64
	cancelled   int64
	errored     int64
	stale       int64
	durations   *Ring // milliseconds
	tokens      *Ring
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithWindowSize sets how many terminated streams the averages cover.
func WithWindowSize(n int) Option {
	return func(m *Monitor) {
		m.durations = NewRing(n)
		m.tokens = NewRing(n)
	}
}

// New creates an empty monitor.
func New(logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		connections: make(map[string]*domain.StreamConnection),
		durations:   NewRing(defaultWindowSize),
		tokens:      NewRing(defaultWindowSize),
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartStream registers a new connection.
func (m *Monitor) StartStream(id, threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections[id] = &domain.StreamConnection{
		ID:          id,
		ThreadID:    threadID,
		StartTime:   m.now(),
		CurrentStep: "starting",
	}
	m.started++
	m.logger.Debug("[MONITOR] Stream started", "stream_id", id, "thread_id", threadID, "active", len(m.connections))
}

// UpdateStep records the current phase label of a stream.
func (m *Monitor) UpdateStep(id, step string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connections[id]; ok {
		c.CurrentStep = step
	}
}

// IncrementTokens counts emitted content fragments.
func (m *Monitor) IncrementTokens(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connections[id]; ok {
		c.TokenCount += n
	}
}

// MarkClientDisconnected flags a connection whose client went away.
func (m *Monitor) MarkClientDisconnected(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connections[id]; ok {
		c.ClientDisconnected = true
	}
}

// CompleteStream records a successful stream.
func (m *Monitor) CompleteStream(id string) {
	m.finish(id, outcomeCompleted)
}

// CancelStream records a stream the caller abandoned.
func (m *Monitor) CancelStream(id string) {
	m.finish(id, outcomeCancelled)
}

// ErrorStream records a failed stream.
func (m *Monitor) ErrorStream(id string) {
	m.finish(id, outcomeErrored)
}

func (m *Monitor) finish(id string, o outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[id]
	if !ok {
		return
	}
	duration := m.now().Sub(c.StartTime)
	m.durations.Add(float64(duration.Milliseconds()))
	m.tokens.Add(float64(c.TokenCount))

	switch o {
	case outcomeCompleted:
		m.completed++
	case outcomeCancelled:
		m.cancelled++
	case outcomeErrored:
		m.errored++
	}
	delete(m.connections, id)

	m.logger.Debug("[MONITOR] Stream finished",
		"stream_id", id,
		"thread_id", c.ThreadID,
		"outcome", o.String(),
		"duration", duration,
		"tokens", c.TokenCount,
	)
}

// CleanupStale removes connections started more than maxAge ago without
// counting them as completed, cancelled or errored. It returns the number removed.
func (m *Monitor) CleanupStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultStaleAfter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for id, c := range m.connections {
		if c.StartTime.Before(cutoff) {
			delete(m.connections, id)
			removed++
			m.logger.Warn("[MONITOR] Reaped stale stream",
				"stream_id", id,
				"thread_id", c.ThreadID,
				"step", c.CurrentStep,
				"age", m.now().Sub(c.StartTime),
			)
		}
	}
	m.stale += int64(removed)
	return removed
}

// Metrics returns the current aggregate.
func (m *Monitor) Metrics() domain.StreamMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return domain.StreamMetrics{
		Started:       m.started,
		Completed:     m.completed,
		Cancelled:     m.cancelled,
		Errored:       m.errored,
		Stale:         m.stale,
		Active:        len(m.connections),
		AvgDurationMs: m.durations.Average(),
		AvgTokens:     m.tokens.Average(),
	}
}

// ActiveConnections returns copies of all active connections, oldest first.
func (m *Monitor) ActiveConnections() []domain.StreamConnection {
	m.mu.Lock()
	out := make([]domain.StreamConnection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, *c)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Connection returns a copy of one active connection.
func (m *Monitor) Connection(id string) (domain.StreamConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return domain.StreamConnection{}, false
	}
	return *c, true
}

// Reset drops every connection and zeroes all counters.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections = make(map[string]*domain.StreamConnection)
	m.started, m.completed, m.cancelled, m.errored, m.stale = 0, 0, 0, 0, 0
	m.durations.Reset()
	m.tokens.Reset()
}
