// Package metrics holds the Prometheus collectors for the dispatch node, the
// transports, and the overflow codec. Collectors are updated unconditionally;
// exposing them is up to the embedding process (see Register and Handler).
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "extipc"

var (
	registerOnce sync.Once
	registerErr  error

	Registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "registrations_total",
		Help:      "Topic registrations attempted on the dispatch node",
	}, []string{"mode", "result"})

	Listeners = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "listeners",
		Help:      "Currently registered topics per registry",
	}, []string{"registry"})

	Dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "dispatched_total",
		Help:      "Inbound topic messages delivered to a handler",
	}, []string{"registry"})

	Dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node",
		Name:      "dropped_total",
		Help:      "Inbound messages ignored by the dispatch node",
	}, []string{"reason"})

	Sent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Envelopes handed to the channel",
	}, []string{"kind"})

	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "frames_total",
		Help:      "Frames read from or written to a stream channel",
	}, []string{"direction"})

	FrameBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "frame_bytes_total",
		Help:      "Bytes read from or written to a stream channel",
	}, []string{"direction"})

	Spilled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "overflow",
		Name:      "spilled_total",
		Help:      "Payloads written to a temp file instead of crossing the channel inline",
	}, []string{"content_type"})

	SpilledBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "overflow",
		Name:      "spilled_bytes_total",
		Help:      "Bytes written to overflow temp files",
	})

	Restored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "overflow",
		Name:      "restored_total",
		Help:      "Overflow envelopes read back from their temp file",
	}, []string{"content_type"})
)

// Label values
const (
	ModeOn   = "on"
	ModeOnce = "once"

	ResultOK        = "ok"
	ResultDuplicate = "duplicate"

	RegistryPersistent = "persistent"
	RegistryOnce       = "once"

	ReasonNotNode      = "not_node_message"
	ReasonMalformed    = "malformed_data"
	ReasonUnknownTopic = "unknown_topic"

	KindRenderer = "renderer"
	KindRequest  = "request"
	KindReply    = "reply"

	DirectionIn  = "in"
	DirectionOut = "out"
)

// Collectors returns every collector of this package
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Registrations, Listeners, Dispatched, Dropped, Sent,
		Frames, FrameBytes, Spilled, SpilledBytes, Restored,
	}
}

// Register registers all collectors with reg. Only the first call registers;
// later calls return the first result.
func Register(reg prometheus.Registerer) error {
	registerOnce.Do(func() {
		for _, c := range Collectors() {
			if err := reg.Register(c); err != nil {
				registerErr = err
				return
			}
		}
	})
	return registerErr
}

// Handler returns an HTTP handler serving the collectors registered with gatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
