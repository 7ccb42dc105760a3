// Package metrics exposes the engine's Prometheus counters/gauges/
// histograms: auth outcomes, session-command reassembly activity, pool
// handoffs, server maintenance flips, and delay-queue depth (spec.md §6b).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the engine registers.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	acquireDuration    *prometheus.HistogramVec

	authOutcomesTotal  *prometheus.CounterVec
	authDuration       *prometheus.HistogramVec
	serverMaintenance  *prometheus.GaugeVec

	reassemblyActiveTotal *prometheus.CounterVec
	reassemblyRestarts    *prometheus.CounterVec

	changeUserTotal  *prometheus.CounterVec
	delayQueueBytes  *prometheus.GaugeVec
}

// New creates and registers every metric on a fresh registry. Safe to call
// multiple times (tests, config reload) since each call owns an independent
// registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlbackend_connections_active",
				Help: "Number of checked-out backend connections per server",
			},
			[]string{"server"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlbackend_connections_idle",
				Help: "Number of idle pooled backend connections per server",
			},
			[]string{"server"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlbackend_connections_total",
				Help: "Total backend connections (idle + active) per server",
			},
			[]string{"server"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlbackend_connections_waiting",
				Help: "Goroutines currently waiting on Acquire per server",
			},
			[]string{"server"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlbackend_pool_exhausted_total",
				Help: "Times Acquire had to wait because the pool was at max per server",
			},
			[]string{"server"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlbackend_acquire_duration_seconds",
				Help:    "Time spent inside IdlePool.Acquire",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"server"},
		),
		authOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlbackend_auth_outcomes_total",
				Help: "Backend authentication attempts by terminal phase",
			},
			[]string{"server", "phase", "failure_reason"},
		),
		authDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlbackend_auth_duration_seconds",
				Help:    "Time from backend connection construction to a terminal auth phase",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"server"},
		),
		serverMaintenance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlbackend_server_maintenance",
				Help: "Whether a server is currently flagged for maintenance (1=yes)",
			},
			[]string{"server"},
		),
		reassemblyActiveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlbackend_session_command_reassembly_total",
				Help: "Session commands reassembled, by command kind",
			},
			[]string{"server", "kind"},
		),
		reassemblyRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlbackend_session_command_restarts_total",
				Help: "Times a session-command reassembly restarted after a partial read",
			},
			[]string{"server"},
		),
		changeUserTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlbackend_change_user_total",
				Help: "COM_CHANGE_USER packets sent, by trigger",
			},
			[]string{"server", "trigger", "result"},
		),
		delayQueueBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlbackend_delay_queue_bytes",
				Help: "Bytes currently buffered in a connection's pre-auth delay queue",
			},
			[]string{"server"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.acquireDuration,
		c.authOutcomesTotal,
		c.authDuration,
		c.serverMaintenance,
		c.reassemblyActiveTotal,
		c.reassemblyRestarts,
		c.changeUserTotal,
		c.delayQueueBytes,
	)

	return c
}

// UpdatePoolStats reflects an IdlePool.Stats snapshot into the gauges.
func (c *Collector) UpdatePoolStats(server string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(server).Set(float64(active))
	c.connectionsIdle.WithLabelValues(server).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(server).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(server).Set(float64(waiting))
}

// PoolExhausted increments the exhaustion counter for server.
func (c *Collector) PoolExhausted(server string) {
	c.poolExhausted.WithLabelValues(server).Inc()
}

// AcquireDuration observes time spent waiting inside Acquire.
func (c *Collector) AcquireDuration(server string, d time.Duration) {
	c.acquireDuration.WithLabelValues(server).Observe(d.Seconds())
}

// AuthOutcome records one terminal auth.Phase, with failureReason empty for
// PhaseComplete.
func (c *Collector) AuthOutcome(server, phase, failureReason string) {
	c.authOutcomesTotal.WithLabelValues(server, phase, failureReason).Inc()
}

// AuthDuration observes the time a connection spent authenticating.
func (c *Collector) AuthDuration(server string, d time.Duration) {
	c.authDuration.WithLabelValues(server).Observe(d.Seconds())
}

// SetMaintenance reflects a server's current maintenance flag.
func (c *Collector) SetMaintenance(server string, on bool) {
	val := 0.0
	if on {
		val = 1.0
	}
	c.serverMaintenance.WithLabelValues(server).Set(val)
}

// SessionCommandReassembled increments the reassembly counter for kind.
func (c *Collector) SessionCommandReassembled(server, kind string) {
	c.reassemblyActiveTotal.WithLabelValues(server, kind).Inc()
}

// SessionCommandRestarted increments the restart-on-partial-read counter.
func (c *Collector) SessionCommandRestarted(server string) {
	c.reassemblyRestarts.WithLabelValues(server).Inc()
}

// ChangeUserSent records a COM_CHANGE_USER send, trigger being "pool_reuse"
// or "client_reauth" and result being "ok" or "failed".
func (c *Collector) ChangeUserSent(server, trigger, result string) {
	c.changeUserTotal.WithLabelValues(server, trigger, result).Inc()
}

// SetDelayQueueBytes reflects the current size of a connection's delay
// queue.
func (c *Collector) SetDelayQueueBytes(server string, n int) {
	c.delayQueueBytes.WithLabelValues(server).Set(float64(n))
}

// RemoveServer drops every metric series labeled for server (e.g. on config
// reload removing a server).
func (c *Collector) RemoveServer(server string) {
	c.connectionsActive.DeleteLabelValues(server)
	c.connectionsIdle.DeleteLabelValues(server)
	c.connectionsTotal.DeleteLabelValues(server)
	c.connectionsWaiting.DeleteLabelValues(server)
	c.poolExhausted.DeleteLabelValues(server)
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"server": server})
	c.authOutcomesTotal.DeletePartialMatch(prometheus.Labels{"server": server})
	c.authDuration.DeletePartialMatch(prometheus.Labels{"server": server})
	c.serverMaintenance.DeleteLabelValues(server)
	c.reassemblyActiveTotal.DeletePartialMatch(prometheus.Labels{"server": server})
	c.reassemblyRestarts.DeleteLabelValues(server)
	c.changeUserTotal.DeletePartialMatch(prometheus.Labels{"server": server})
	c.delayQueueBytes.DeleteLabelValues(server)
}
