// Package metrics exports overlay node activity as Prometheus metrics.
//
// Counters are fed from the node's event buses; link and route gauges are
// read from the node at scrape time. Each Metrics owns its registry so
// several nodes can run in one process.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/events"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/go-overlay/lib/stream"
	"github.com/go-i2p/go-overlay/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logger.GetGoI2PLogger()

// Metrics holds the collectors for one node.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry

	FramesReceived *prometheus.CounterVec
	FrameBytes     prometheus.Counter
	Delivered      prometheus.Counter
	Reachable      prometheus.Counter
	Unreachable    prometheus.Counter

	PublishTotal    *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
}

// New creates and registers the collectors under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Decoded frames received from neighbours",
		}, []string{"kind"}),
		FrameBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_received_total",
			Help:      "Bytes of decoded frames received from neighbours",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_delivered_total",
			Help:      "Messages delivered to the local application",
		}),
		Reachable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_reachable_total",
			Help:      "Destinations that became reachable",
		}),
		Unreachable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_unreachable_total",
			Help:      "Destinations that became unreachable",
		}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Publish calls by requested mode and outcome",
		}, []string{"mode", "result"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time spent in Publish",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"mode"}),
	}
	m.registry.MustRegister(
		m.FramesReceived,
		m.FrameBytes,
		m.Delivered,
		m.Reachable,
		m.Unreachable,
		m.PublishTotal,
		m.PublishDuration,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Attach subscribes to n's events and registers gauges that read its link
// count and relay flag. The returned function undoes both.
func (m *Metrics) Attach(n *stream.Node) (detach func()) {
	unsubs := []func(){
		n.Events().Message.Subscribe(func(msg events.Message) {
			m.FramesReceived.WithLabelValues(KindName(msg.Kind)).Inc()
			m.FrameBytes.Add(float64(len(msg.Body)))
		}),
		n.Events().Data.Subscribe(func(events.Data) { m.Delivered.Inc() }),
		n.Events().Reachable.Subscribe(func(data.Hash) { m.Reachable.Inc() }),
		n.Events().Unreachable.Subscribe(func(data.Hash) { m.Unreachable.Inc() }),
	}

	node := prometheus.Labels{"node": identity.Short(n.Hash())}
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   m.namespace,
			Name:        "links",
			Help:        "Open neighbour links",
			ConstLabels: node,
		}, func() float64 { return float64(n.Connections().Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   m.namespace,
			Name:        "relay_enabled",
			Help:        "1 when the node forwards messages for others",
			ConstLabels: node,
		}, func() float64 {
			if n.CanRelay() {
				return 1
			}
			return 0
		}),
	}
	for _, g := range gauges {
		if err := m.registry.Register(g); err != nil {
			log.WithFields(logger.Fields{
				"at":     "(Metrics) Attach",
				"reason": "register_failed",
			}).WithError(err).Warn("gauge not exported")
		}
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
		for _, g := range gauges {
			m.registry.Unregister(g)
		}
	}
}

// ObservePublish records one Publish call that started at start. A zero
// mode is labelled "auto".
func (m *Metrics) ObservePublish(mode wire.Mode, start time.Time, err error) {
	label := "auto"
	if mode != 0 {
		label = mode.String()
	}
	m.PublishDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	m.PublishTotal.WithLabelValues(label, Result(err)).Inc()
}

// Result maps a Publish error to a low-cardinality label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, stream.ErrTimeout):
		return "timeout"
	case errors.Is(err, stream.ErrNoRoute):
		return "no_route"
	case errors.Is(err, stream.ErrNoValidReceivers):
		return "no_receivers"
	case errors.Is(err, stream.ErrStopped):
		return "stopped"
	}
	return "error"
}

// KindName labels a frame kind.
func KindName(kind byte) string {
	switch kind {
	case wire.KindData:
		return "data"
	case wire.KindAck:
		return "ack"
	}
	return "unknown"
}
