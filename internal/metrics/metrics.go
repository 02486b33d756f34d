// Package metrics exposes bridge instrumentation as prometheus collectors.
// All methods are nil-receiver safe so components can run unmetered.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lumo-launcher/bridge/message"
)

// Metrics holds the collectors shared by the router, channels, and tracker.
type Metrics struct {
	enqueued        *prometheus.CounterVec
	delivered       prometheus.Counter
	dropped         *prometheus.CounterVec
	resolved        prometheus.Counter
	deliveryLatency prometheus.Histogram
	mailboxDepth    prometheus.GaugeFunc
	pendingRequests prometheus.GaugeFunc
	pluginCount     prometheus.GaugeFunc
}

// New creates the bridge collectors and registers them with reg. The depth,
// pending, and plugins callbacks are sampled on scrape.
func New(reg prometheus.Registerer, depth func() int, pending func() int, plugins func() int) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "messages_enqueued_total",
			Help:      "Messages accepted into plugin mailboxes, by priority lane.",
		}, []string{"priority"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "messages_delivered_total",
			Help:      "Messages successfully handed to plugin handlers.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "messages_dropped_total",
			Help:      "Messages discarded without delivery, by reason.",
		}, []string{"reason"}),
		resolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "responses_resolved_total",
			Help:      "Responses that settled an outstanding correlated request.",
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Name:      "delivery_duration_seconds",
			Help:      "Handler invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if depth != nil {
		m.mailboxDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "mailbox_depth",
			Help:      "Messages currently queued across all mailboxes.",
		}, func() float64 { return float64(depth()) })
	}
	if pending != nil {
		m.pendingRequests = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "pending_requests",
			Help:      "Outstanding correlated requests awaiting a response.",
		}, func() float64 { return float64(pending()) })
	}
	if plugins != nil {
		m.pluginCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "registered_plugins",
			Help:      "Plugins currently registered with the bridge.",
		}, func() float64 { return float64(plugins()) })
	}

	if reg != nil {
		reg.MustRegister(m.enqueued, m.delivered, m.dropped, m.resolved, m.deliveryLatency)
		for _, g := range []prometheus.GaugeFunc{m.mailboxDepth, m.pendingRequests, m.pluginCount} {
			if g != nil {
				reg.MustRegister(g)
			}
		}
	}
	return m
}

// IncEnqueued counts an accepted message in its priority lane.
func (m *Metrics) IncEnqueued(p message.Priority) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(p.String()).Inc()
}

// IncDelivered counts one successful handler invocation.
func (m *Metrics) IncDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

// IncDropped counts one discarded message by reason.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// IncResolved counts a response that settled a pending request.
func (m *Metrics) IncResolved() {
	if m == nil {
		return
	}
	m.resolved.Inc()
}

// ObserveDelivery records handler invocation latency.
func (m *Metrics) ObserveDelivery(d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryLatency.Observe(d.Seconds())
}
