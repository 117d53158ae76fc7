// Package metrics exposes stream and thread figures to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/answerstream/internal/domain"
)

const namespace = "answerstream"

// StreamSource reports stream health aggregates.
type StreamSource interface {
	Metrics() domain.StreamMetrics
}

// ThreadSource reports thread aggregates.
type ThreadSource interface {
	Stats() domain.ThreadStats
}

// Metrics owns a registry with request counters and a collector that reads
// the stream monitor and thread store on every scrape. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry      *prometheus.Registry
	chatRequests  *prometheus.CounterVec
	chatResponses *prometheus.CounterVec
	healthChecks  prometheus.Counter
}

// New creates the registry. Either source may be nil.
func New(streams StreamSource, threads ThreadSource) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Total chat requests by transport.",
		}, []string{"transport"}),
		chatResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_responses_total",
			Help:      "Total chat responses by outcome.",
		}, []string{"outcome"}),
		healthChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total health checks served.",
		}),
	}
	reg.MustRegister(
		m.chatRequests,
		m.chatResponses,
		m.healthChecks,
		newCollector(streams, threads),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveChatRequest counts one chat request on transport (sse, json, ws).
func (m *Metrics) ObserveChatRequest(transport string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(transport).Inc()
}

// ObserveChatResponse counts one finished chat by outcome.
func (m *Metrics) ObserveChatResponse(outcome string) {
	if m == nil {
		return
	}
	m.chatResponses.WithLabelValues(outcome).Inc()
}

// ObserveHealthCheck counts one health probe.
func (m *Metrics) ObserveHealthCheck() {
	if m == nil {
		return
	}
	m.healthChecks.Inc()
}

// InstrumentHealth wraps a health handler with the probe counter.
func (m *Metrics) InstrumentHealth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ObserveHealthCheck()
		next(w, r)
	}
}

type collector struct {
	streams StreamSource
	threads ThreadSource

	streamsTotal  *prometheus.Desc
	streamsActive *prometheus.Desc
	avgDuration   *prometheus.Desc
	avgTokens     *prometheus.Desc
	threadsTotal  *prometheus.Desc
	avgMessages   *prometheus.Desc
}

func newCollector(streams StreamSource, threads ThreadSource) *collector {
	return &collector{
		streams: streams,
		threads: threads,
		streamsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "streams", "total"),
			"Streams by terminal state since start.",
			[]string{"state"}, nil,
		),
		streamsActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "streams", "active"),
			"Streams currently in flight.",
			nil, nil,
		),
		avgDuration: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "streams", "avg_duration_seconds"),
			"Average duration of recently finished streams.",
			nil, nil,
		),
		avgTokens: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "streams", "avg_tokens"),
			"Average token events of recently finished streams.",
			nil, nil,
		),
		threadsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "threads", "total"),
			"Known conversation threads.",
			nil, nil,
		),
		avgMessages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "threads", "avg_messages"),
			"Average message count per thread.",
			nil, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.streamsTotal
	ch <- c.streamsActive
	ch <- c.avgDuration
	ch <- c.avgTokens
	ch <- c.threadsTotal
	ch <- c.avgMessages
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if c.streams != nil {
		sm := c.streams.Metrics()
		for state, v := range map[string]int64{
			"started":   sm.Started,
			"completed": sm.Completed,
			"cancelled": sm.Cancelled,
			"errored":   sm.Errored,
			"stale":     sm.Stale,
		} {
			ch <- prometheus.MustNewConstMetric(c.streamsTotal, prometheus.CounterValue, float64(v), state)
		}
		ch <- prometheus.MustNewConstMetric(c.streamsActive, prometheus.GaugeValue, float64(sm.Active))
		ch <- prometheus.MustNewConstMetric(c.avgDuration, prometheus.GaugeValue, sm.AvgDurationMs/1000)
		ch <- prometheus.MustNewConstMetric(c.avgTokens, prometheus.GaugeValue, sm.AvgTokens)
	}
	if c.threads != nil {
		ts := c.threads.Stats()
		ch <- prometheus.MustNewConstMetric(c.threadsTotal, prometheus.GaugeValue, float64(ts.Total))
		ch <- prometheus.MustNewConstMetric(c.avgMessages, prometheus.GaugeValue, ts.AverageMessages)
	}
}
