// Package metrics holds the bot's Prometheus collectors. Every method is
// safe to call on a nil *Metrics, so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "misskeybot"

type Metrics struct {
	Registry *prometheus.Registry

	EventsReceived   *prometheus.CounterVec
	EventsSkipped    *prometheus.CounterVec
	Dispatches       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	PluginFailures   *prometheus.CounterVec
	Responses        *prometheus.CounterVec
	RetryAttempts    *prometheus.CounterVec
	Autoposts        *prometheus.CounterVec
	PostsToday       prometheus.Gauge
	QueueDepth       prometheus.Gauge
	MaintenanceRuns  *prometheus.CounterVec
}

// New creates the collectors on a private registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound events accepted for dispatch",
		}, []string{"kind", "channel"}),
		EventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Inbound events dropped before dispatch",
		}, []string{"kind", "reason"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Completed chain walks by outcome",
		}, []string{"kind", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent walking the plugin chain",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		PluginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_failures_total",
			Help:      "Plugin hook calls that returned an error or panicked",
		}, []string{"plugin", "hook"}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Outbound replies by channel and result",
		}, []string{"channel", "result"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Outbound call attempts by operation and result",
		}, []string{"op", "result"}),
		Autoposts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autopost_ticks_total",
			Help:      "Autopost scheduler fires by outcome",
		}, []string{"outcome"}),
		PostsToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "autopost_posts_today",
			Help:      "Autonomous posts recorded in the current day window",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbound_queue_depth",
			Help:      "Events waiting for a dispatch worker",
		}),
		MaintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance job runs by job and result",
		}, []string{"job", "result"}),
	}

	reg.MustRegister(
		m.EventsReceived, m.EventsSkipped, m.Dispatches, m.DispatchDuration,
		m.PluginFailures, m.Responses, m.RetryAttempts, m.Autoposts,
		m.PostsToday, m.QueueDepth, m.MaintenanceRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveAttempt implements retry.Observer.
func (m *Metrics) ObserveAttempt(op string, err error) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) EventReceived(kind, channel string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(kind, channel).Inc()
}

func (m *Metrics) EventSkipped(kind, reason string) {
	if m == nil {
		return
	}
	m.EventsSkipped.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) Dispatched(kind string, claimed bool, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "unclaimed"
	if claimed {
		outcome = "claimed"
	}
	m.Dispatches.WithLabelValues(kind, outcome).Inc()
	m.DispatchDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) PluginFailed(plugin, hook string) {
	if m == nil {
		return
	}
	m.PluginFailures.WithLabelValues(plugin, hook).Inc()
}

func (m *Metrics) ResponseSent(channel string, err error) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(channel, result(err)).Inc()
}

func (m *Metrics) AutopostTick(outcome string, postsToday int) {
	if m == nil {
		return
	}
	m.Autoposts.WithLabelValues(outcome).Inc()
	if postsToday >= 0 {
		m.PostsToday.Set(float64(postsToday))
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) MaintenanceRan(job string, err error) {
	if m == nil {
		return
	}
	m.MaintenanceRuns.WithLabelValues(job, result(err)).Inc()
}
