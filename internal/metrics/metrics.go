// Package metrics exposes pool and refresh observability as Prometheus
// metrics, served by the ops HTTP server under /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric the keeper emits.
type Collector struct {
	refreshSuccess prometheus.Counter
	refreshFailed  prometheus.Counter
	riskControl    prometheus.Counter

	registerSuccess prometheus.Counter
	registerFailed  prometheus.Counter

	batchDuration prometheus.Histogram

	activeAccounts prometheus.Gauge
	dueAccounts    prometheus.Gauge
}

// NewCollector builds and registers the metric set. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refreshSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolkeeper_refresh_success_total",
			Help: "Total number of accounts refreshed successfully",
		}),
		refreshFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolkeeper_refresh_failed_total",
			Help: "Total number of failed refresh attempts",
		}),
		riskControl: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolkeeper_refresh_risk_control_total",
			Help: "Total number of refresh attempts blocked by risk control",
		}),
		registerSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolkeeper_register_success_total",
			Help: "Total number of accounts registered successfully",
		}),
		registerFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolkeeper_register_failed_total",
			Help: "Total number of failed registration attempts",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "poolkeeper_batch_duration_seconds",
			Help:    "Wall-clock duration of one refresh batch",
			Buckets: prometheus.ExponentialBuckets(15, 2, 10),
		}),
		activeAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poolkeeper_active_accounts",
			Help: "Accounts currently enabled and unexpired",
		}),
		dueAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poolkeeper_due_accounts",
			Help: "Accounts selected for refresh in the last cycle",
		}),
	}

	reg.MustRegister(
		c.refreshSuccess,
		c.refreshFailed,
		c.riskControl,
		c.registerSuccess,
		c.registerFailed,
		c.batchDuration,
		c.activeAccounts,
		c.dueAccounts,
	)
	return c
}

// RecordRefresh counts one refresh attempt. Wire it to the engine's
// OnResult hook.
func (c *Collector) RecordRefresh(success, riskControl bool) {
	if success {
		c.refreshSuccess.Inc()
		return
	}
	c.refreshFailed.Inc()
	if riskControl {
		c.riskControl.Inc()
	}
}

// RecordRegistration counts one registration attempt.
func (c *Collector) RecordRegistration(success bool) {
	if success {
		c.registerSuccess.Inc()
		return
	}
	c.registerFailed.Inc()
}

// ObserveBatch records how long one batch took.
func (c *Collector) ObserveBatch(d time.Duration) {
	c.batchDuration.Observe(d.Seconds())
}

// SetDueAccounts implements the scheduler's gauge hook.
func (c *Collector) SetDueAccounts(n int) {
	c.dueAccounts.Set(float64(n))
}

// SetActiveAccounts implements the scheduler's gauge hook.
func (c *Collector) SetActiveAccounts(n int) {
	c.activeAccounts.Set(float64(n))
}
