// Package metrics exposes cupcake's Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	reg *prometheus.Registry

	observers        prometheus.Gauge
	broadcasts       prometheus.Counter
	deliveries       *prometheus.CounterVec
	snapshotDuration prometheus.Histogram
	snapshotErrors   prometheus.Counter
	jobsTotal        prometheus.Gauge
	jobCounter       *prometheus.GaugeVec
	jobLastRun       *prometheus.GaugeVec
	jobNextRun       *prometheus.GaugeVec
	schedulerUp      prometheus.Gauge
	mutations        *prometheus.CounterVec

	prevJobs map[string]struct{}
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cupcake_observers_connected",
			Help: "Number of observers currently receiving state snapshots",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cupcake_broadcasts_total",
			Help: "Snapshots broadcast to the observer set",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cupcake_deliveries_total",
			Help: "Snapshot deliveries by result (delivered, dropped)",
		}, []string{"result"}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cupcake_snapshot_duration_seconds",
			Help:    "Time to build one state snapshot",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		snapshotErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cupcake_snapshot_errors_total",
			Help: "Snapshots that could not be built",
		}),
		jobsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cupcake_jobs_total",
			Help: "Number of scheduled backup jobs",
		}),
		jobCounter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cupcake_job_objects",
			Help: "Per-job counters reported by the backup script",
		}, []string{"job", "kind"}),
		jobLastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cupcake_job_last_run_timestamp_seconds",
			Help: "Timestamp of the last job run",
		}, []string{"job"}),
		jobNextRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cupcake_job_next_run_timestamp_seconds",
			Help: "Timestamp of the next scheduled job run",
		}, []string{"job"}),
		schedulerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cupcake_scheduler_up",
			Help: "Cron daemon liveness (1=running, 0=not running)",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cupcake_mutations_total",
			Help: "Job and profile mutations by action and result",
		}, []string{"action", "result"}),
		prevJobs: map[string]struct{}{},
	}

	reg.MustRegister(
		m.observers,
		m.broadcasts,
		m.deliveries,
		m.snapshotDuration,
		m.snapshotErrors,
		m.jobsTotal,
		m.jobCounter,
		m.jobLastRun,
		m.jobNextRun,
		m.schedulerUp,
		m.mutations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.observers.Set(float64(n))
}

func (m *Metrics) ObserveBroadcast(delivered, dropped int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.deliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.deliveries.WithLabelValues("dropped").Add(float64(dropped))
}

func (m *Metrics) ObserveSnapshot(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.snapshotDuration.Observe(d.Seconds())
	if err != nil {
		m.snapshotErrors.Inc()
	}
}

func (m *Metrics) ObserveMutation(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mutations.WithLabelValues(action, result).Inc()
}

func (m *Metrics) SetSchedulerUp(up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.schedulerUp.Set(v)
}

// JobSample is the per-job view fed by every snapshot.
type JobSample struct {
	Name       string
	Uploaded   int64
	Deleted    int64
	Downloaded int64
	LastRun    int64
	NextRun    int64
}

// SetJobs replaces the per-job gauges. Series of jobs that disappeared are removed.
// Callers serialize SetJobs (the observer hub is its only caller).
func (m *Metrics) SetJobs(samples []JobSample) {
	if m == nil {
		return
	}
	m.jobsTotal.Set(float64(len(samples)))
	current := make(map[string]struct{}, len(samples))
	for _, s := range samples {
		current[s.Name] = struct{}{}
		m.jobCounter.WithLabelValues(s.Name, "uploaded").Set(float64(s.Uploaded))
		m.jobCounter.WithLabelValues(s.Name, "deleted").Set(float64(s.Deleted))
		m.jobCounter.WithLabelValues(s.Name, "downloaded").Set(float64(s.Downloaded))
		if s.LastRun > 0 {
			m.jobLastRun.WithLabelValues(s.Name).Set(float64(s.LastRun))
		}
		if s.NextRun > 0 {
			m.jobNextRun.WithLabelValues(s.Name).Set(float64(s.NextRun))
		}
	}
	for name := range m.prevJobs {
		if _, ok := current[name]; ok {
			continue
		}
		m.jobCounter.DeletePartialMatch(prometheus.Labels{"job": name})
		m.jobLastRun.DeleteLabelValues(name)
		m.jobNextRun.DeleteLabelValues(name)
	}
	m.prevJobs = current
}
