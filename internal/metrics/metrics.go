// Package metrics exposes scheduler and dispatch telemetry to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wardenprime/internal/model"
)

const namespace = "wardenprime"

// Collector holds every metric of the bot on its own registry.
type Collector struct {
	registry *prometheus.Registry

	passes           *prometheus.CounterVec
	passDuration     *prometheus.HistogramVec
	outcomes         *prometheus.CounterVec
	interval         *prometheus.GaugeVec
	watchdogRestarts *prometheus.CounterVec
	tasks            *prometheus.CounterVec
}

// New creates a Collector with Go runtime and process collectors attached.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Polling passes by service and status.",
		}, []string{"service", "status"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of polling passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Per-subscription dispatch results.",
		}, []string{"service", "result"}),
		interval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_interval_seconds",
			Help:      "Current polling interval after backoff.",
		}, []string{"service"}),
		watchdogRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_restarts_total",
			Help:      "Service loops restarted by the watchdog.",
		}, []string{"service"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_tasks_total",
			Help:      "Executed scheduled tasks by action and status.",
		}, []string{"action", "status"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.passes,
		c.passDuration,
		c.outcomes,
		c.interval,
		c.watchdogRestarts,
		c.tasks,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObservePass(service model.Service, err error, elapsed time.Duration) {
	c.passes.WithLabelValues(string(service), status(err)).Inc()
	c.passDuration.WithLabelValues(string(service)).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveOutcome(service model.Service, result model.DispatchResult) {
	c.outcomes.WithLabelValues(string(service), string(result)).Inc()
}

func (c *Collector) ObserveInterval(service model.Service, d time.Duration) {
	c.interval.WithLabelValues(string(service)).Set(d.Seconds())
}

func (c *Collector) WatchdogRestart(service model.Service) {
	c.watchdogRestarts.WithLabelValues(string(service)).Inc()
}

func (c *Collector) ObserveTask(action model.TaskAction, err error) {
	c.tasks.WithLabelValues(string(action), status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
