// Package metrics provides an optional Prometheus recorder for client
// operations. Wiring one in is opt-in; the client works with a nil
// Recorder by falling back to a no-op.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder observes client-level events. Implementations must be
// concurrency-safe; the client calls these from multiple goroutines
// during multi-key fan-out.
type Recorder interface {
	ObserveOperation(op string, server string, duration time.Duration, err error)
	ObserveDeadServer(server string)
	SetDeadServerCount(n int)
}

// Prometheus is a Recorder backed by client_golang collectors,
// registered against reg (or the default registerer if reg is nil).
type Prometheus struct {
	ops        *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	deadEvents *prometheus.CounterVec
	deadGauge  prometheus.Gauge
}

// NewPrometheus creates and registers the collectors. Call it once per
// process; registering twice against the same registerer panics, as
// with any Prometheus collector.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		ops: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memcache",
			Name:      "operation_duration_seconds",
			Help:      "Latency of client operations by command and server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "server"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memcache",
			Name:      "operation_errors_total",
			Help:      "Count of client operations that returned an error, by command and server.",
		}, []string{"op", "server"}),
		deadEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memcache",
			Name:      "server_marked_dead_total",
			Help:      "Count of times a server connection was marked dead.",
		}, []string{"server"}),
		deadGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memcache",
			Name:      "dead_servers",
			Help:      "Current count of blacklisted server connections.",
		}),
	}
	reg.MustRegister(p.ops, p.errors, p.deadEvents, p.deadGauge)
	return p
}

func (p *Prometheus) ObserveOperation(op string, server string, duration time.Duration, err error) {
	p.ops.WithLabelValues(op, server).Observe(duration.Seconds())
	if err != nil {
		p.errors.WithLabelValues(op, server).Inc()
	}
}

func (p *Prometheus) ObserveDeadServer(server string) {
	p.deadEvents.WithLabelValues(server).Inc()
}

func (p *Prometheus) SetDeadServerCount(n int) {
	p.deadGauge.Set(float64(n))
}

// noop is the Recorder used when the client is not given one.
type noop struct{}

func (noop) ObserveOperation(string, string, time.Duration, error) {}
func (noop) ObserveDeadServer(string)                              {}
func (noop) SetDeadServerCount(int)                                {}

// Noop returns a Recorder that does nothing, for use as a default.
func Noop() Recorder { return noop{} }
