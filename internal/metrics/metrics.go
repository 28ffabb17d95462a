// ============================================================================
// statuscast Metrics - Prometheus sink
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: the counters and gauges the gateways, the bridge and the job
// queue call while they run, exposed in Prometheus text format.
//
// Metric families:
//
//   realtime_connections_opened_total{transport}
//   realtime_connections_closed_total{transport,reason}
//   realtime_connections_rejected_total{transport,reason}
//   realtime_connections_active{transport}
//   realtime_events_published_total{transport}
//   queue_jobs_enqueued_total
//   queue_jobs_completed_total
//   queue_jobs_failed_total{terminal}
//   queue_job_duration_seconds
//   queue_jobs{state}
//
// transport is "socket" or "stream". reason is one of the disconnect reasons
// recorded by the gateways (client_closed, heartbeat_timeout,
// backpressure_drop, send_error, shutdown, catchup_failed, connection_cap).
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the metrics collaborator consumed by the core.
type Sink interface {
	ConnectionOpened(transport string)
	ConnectionClosed(transport, reason string)
	ConnectionRejected(transport, reason string)
	SetActiveConnections(transport string, n int)
	EventsPublished(transport string, n int)

	JobEnqueued()
	JobCompleted(d time.Duration)
	JobFailed(terminal bool)
	SetQueueDepth(waiting, delayed, active int)
}

// Collector is the Prometheus implementation of Sink.
type Collector struct {
	connOpened   *prometheus.CounterVec
	connClosed   *prometheus.CounterVec
	connRejected *prometheus.CounterVec
	connActive   *prometheus.GaugeVec
	published    *prometheus.CounterVec

	jobsEnqueued  prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	jobsByState   *prometheus.GaugeVec
}

// NewCollector registers every metric on prometheus.DefaultRegisterer.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith registers every metric on reg.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_connections_opened_total",
			Help: "Connections registered by a gateway",
		}, []string{"transport"}),
		connClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_connections_closed_total",
			Help: "Connections removed by a gateway, by reason",
		}, []string{"transport", "reason"}),
		connRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_connections_rejected_total",
			Help: "Connection attempts rejected before registration, by reason",
		}, []string{"transport", "reason"}),
		connActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Live connections per transport",
		}, []string{"transport"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_published_total",
			Help: "Frames delivered to live connections",
		}, []string{"transport"}),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Failed job attempts; terminal=true when attempts were exhausted",
		}, []string{"terminal"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Pipeline duration of successful jobs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		jobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_jobs",
			Help: "Current number of jobs per queue state",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.connOpened, c.connClosed, c.connRejected, c.connActive, c.published,
		c.jobsEnqueued, c.jobsCompleted, c.jobsFailed, c.jobDuration, c.jobsByState,
	)
	return c
}

func (c *Collector) ConnectionOpened(transport string) {
	c.connOpened.WithLabelValues(transport).Inc()
}

func (c *Collector) ConnectionClosed(transport, reason string) {
	c.connClosed.WithLabelValues(transport, reason).Inc()
}

func (c *Collector) ConnectionRejected(transport, reason string) {
	c.connRejected.WithLabelValues(transport, reason).Inc()
}

func (c *Collector) SetActiveConnections(transport string, n int) {
	c.connActive.WithLabelValues(transport).Set(float64(n))
}

func (c *Collector) EventsPublished(transport string, n int) {
	c.published.WithLabelValues(transport).Add(float64(n))
}

func (c *Collector) JobEnqueued() {
	c.jobsEnqueued.Inc()
}

func (c *Collector) JobCompleted(d time.Duration) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(d.Seconds())
}

func (c *Collector) JobFailed(terminal bool) {
	c.jobsFailed.WithLabelValues(strconv.FormatBool(terminal)).Inc()
}

func (c *Collector) SetQueueDepth(waiting, delayed, active int) {
	c.jobsByState.WithLabelValues("waiting").Set(float64(waiting))
	c.jobsByState.WithLabelValues("delayed").Set(float64(delayed))
	c.jobsByState.WithLabelValues("active").Set(float64(active))
}

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Nop discards everything.
type Nop struct{}

func (Nop) ConnectionOpened(string) {}
func (Nop) ConnectionClosed(string, string) {}
func (Nop) ConnectionRejected(string, string) {}
func (Nop) SetActiveConnections(string, int) {}
func (Nop) EventsPublished(string, int) {}
func (Nop) JobEnqueued() {}
func (Nop) JobCompleted(time.Duration) {}
func (Nop) JobFailed(bool) {}
func (Nop) SetQueueDepth(int, int, int) {}

var (
	_ Sink = (*Collector)(nil)
	_ Sink = Nop{}
	_ Sink = (*Recorder)(nil)
)
