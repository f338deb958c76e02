// Package metrics holds the process-wide Prometheus counters of the
// dispatcher. All methods are safe for concurrent use.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
	"github.com/darkden-lab/dispatchd/internal/events"
)

// Registry owns a private prometheus.Registry so tests can create as many as
// they like without duplicate registration panics.
type Registry struct {
	reg *prometheus.Registry

	notifications   *prometheus.CounterVec
	envelopes       *prometheus.CounterVec
	appends         *prometheus.CounterVec
	commits         *prometheus.CounterVec
	fetchErrors     *prometheus.CounterVec
	overflowPending prometheus.Gauge
	inFlight        prometheus.Gauge
}

// ResultMalformed labels envelopes that failed to decode.
const ResultMalformed = "malformed"

// New creates a Registry with Go and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Dispatch attempts by channel and outcome.",
		}, []string{"type", "status"}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_envelopes_total",
			Help: "Consumed envelopes by topic and routing result.",
		}, []string{"topic", "result"}),
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_record_appends_total",
			Help: "Audit appends by result.",
		}, []string{"result"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_offset_commits_total",
			Help: "Offset commits by log topic.",
		}, []string{"topic"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_fetch_errors_total",
			Help: "Failed fetch or commit calls by log topic.",
		}, []string{"topic"}),
		overflowPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_overflow_pending",
			Help: "Records waiting in the local overflow log.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_sends_in_flight",
			Help: "Sends currently holding a worker slot.",
		}),
	}

	r.reg.MustRegister(
		r.notifications,
		r.envelopes,
		r.appends,
		r.commits,
		r.fetchErrors,
		r.overflowPending,
		r.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// NotificationAttempted implements dispatch.ExecutorMetrics.
func (r *Registry) NotificationAttempted(ch dispatch.Channel, status dispatch.Status) {
	r.notifications.WithLabelValues(string(ch), string(status)).Inc()
}

// EnvelopeRouted implements dispatch.RouterMetrics.
func (r *Registry) EnvelopeRouted(topic events.Topic, result string) {
	r.envelopes.WithLabelValues(string(topic), result).Inc()
}

// TopicUnknown labels malformed messages from a log topic that maps to no
// envelope topic.
const TopicUnknown = "unknown"

// EnvelopeMalformed counts a message that failed to decode. The topic label
// uses the envelope topic names, like EnvelopeRouted.
func (r *Registry) EnvelopeMalformed(logTopic string) {
	label := TopicUnknown
	if t, ok := events.ParseTopic(logTopic); ok {
		label = string(t)
	}
	r.envelopes.WithLabelValues(label, ResultMalformed).Inc()
}

// RecordAppended counts one append outcome.
func (r *Registry) RecordAppended(result string) {
	r.appends.WithLabelValues(result).Inc()
}

// OffsetCommitted counts a successful commit.
func (r *Registry) OffsetCommitted(logTopic string) {
	r.commits.WithLabelValues(logTopic).Inc()
}

// FetchFailed counts a failed fetch or commit.
func (r *Registry) FetchFailed(logTopic string) {
	r.fetchErrors.WithLabelValues(logTopic).Inc()
}

// SetOverflowPending reports the overflow log size.
func (r *Registry) SetOverflowPending(n int) {
	r.overflowPending.Set(float64(n))
}

// SendStarted and SendFinished track worker pool occupancy.
func (r *Registry) SendStarted()  { r.inFlight.Inc() }
func (r *Registry) SendFinished() { r.inFlight.Dec() }

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
