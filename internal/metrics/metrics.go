// Package metrics exports scheduler activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"magnet-queue/internal/scheduler"
)

const namespace = "magnet_queue"

// Collector records scheduler ticks and events.
type Collector struct {
	registry *prometheus.Registry
	logger   *logrus.Logger

	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	running      *prometheus.GaugeVec
	target       *prometheus.GaugeVec
	slow         prometheus.Gauge
	jobs         *prometheus.GaugeVec
	transitions  prometheus.Counter
	failures     prometheus.Counter
	events       *prometheus.CounterVec
	limits       *prometheus.GaugeVec
}

// New registers the collectors on registry; a nil registry gets a fresh one.
func New(registry *prometheus.Registry, logger *logrus.Logger) (*Collector, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = logrus.New()
	}
	c := &Collector{
		registry: registry,
		logger:   logger,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks run.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Time spent in one scheduler tick.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Auto-managed jobs holding a slot at the start of the last tick.",
		}, []string{"pool"}),
		target: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admitted_jobs",
			Help:      "Auto-managed jobs admitted by the last tick.",
		}, []string{"pool"}),
		slow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slow_jobs",
			Help:      "Running jobs below the inactivity threshold past the grace period.",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Registered jobs by activity state.",
		}, []string{"state"}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_transitions_total",
			Help:      "Pause, resume and checking changes applied by the scheduler.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_failures_total",
			Help:      "Job actions that returned an error.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_events_total",
			Help:      "Events published by the scheduler.",
		}, []string{"kind"}),
		limits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limit",
			Help:      "Configured queue limits; -1 is unlimited.",
		}, []string{"name"}),
	}

	for _, col := range []prometheus.Collector{
		c.ticks, c.tickDuration, c.running, c.target, c.slow,
		c.jobs, c.transitions, c.failures, c.events, c.limits,
	} {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordTick implements scheduler.Recorder.
func (c *Collector) RecordTick(r scheduler.Report) {
	c.ticks.Inc()
	c.tickDuration.Observe(r.Duration.Seconds())
	c.transitions.Add(float64(r.Transitions))
	c.failures.Add(float64(r.Failures))

	setPools(c.running, r.Before)
	setPools(c.target, r.Target)
	c.slow.Set(float64(r.Before.Slow))

	c.limits.WithLabelValues("active_downloads").Set(float64(r.Limits.ActiveDownloads))
	c.limits.WithLabelValues("active_seeds").Set(float64(r.Limits.ActiveSeeds))
	c.limits.WithLabelValues("active_checking").Set(float64(r.Limits.ActiveChecking))
	c.limits.WithLabelValues("active_limit").Set(float64(r.Limits.ActiveLimit))

	c.jobs.Reset()
	for _, j := range r.Jobs {
		c.jobs.WithLabelValues(string(j.State)).Inc()
	}
}

func setPools(g *prometheus.GaugeVec, n scheduler.Counts) {
	g.WithLabelValues("checking").Set(float64(n.Checking))
	g.WithLabelValues("downloads").Set(float64(n.Downloads))
	g.WithLabelValues("seeds").Set(float64(n.Seeds))
}

// Observe counts a scheduler event. Subscribe it to the scheduler's bus.
func (c *Collector) Observe(ev scheduler.Event) {
	var kind string
	switch ev.(type) {
	case scheduler.JobResumed:
		kind = "resumed"
	case scheduler.JobPaused:
		kind = "paused"
	case scheduler.CheckingStarted:
		kind = "checking_started"
	case scheduler.CheckingStopped:
		kind = "checking_stopped"
	case scheduler.StateChanged:
		kind = "state_changed"
	default:
		return
	}
	c.events.WithLabelValues(kind).Inc()
}

// Handler serves the registry. A failed gather answers 500 instead of a
// partial scrape.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog:      c.logger,
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

var _ scheduler.Recorder = (*Collector)(nil)
