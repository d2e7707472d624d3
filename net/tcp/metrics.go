package tcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine collectors; NewMetrics(nil) builds unregistered ones.
type Metrics struct {
	Connections      prometheus.Gauge
	ConnectionsTotal *prometheus.CounterVec
	ConnectionsShed  prometheus.Counter
	ConnectFailures  prometheus.Counter
	FramesDecoded    *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	BytesIn          prometheus.Counter
	BytesOut         prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatfusion_connections",
			Help: "Live connections owned by the reactor",
		}),
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatfusion_connections_total",
			Help: "Connections opened, by direction",
		}, []string{"direction"}),
		ConnectionsShed: f.NewCounter(prometheus.CounterOpts{
			Name: "chatfusion_connections_shed_total",
			Help: "Accepted connections closed at once because the event queue was full",
		}),
		ConnectFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chatfusion_connect_failures_total",
			Help: "Outbound connects that failed",
		}),
		FramesDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatfusion_frames_decoded_total",
			Help: "Frames decoded, by opcode",
		}, []string{"opcode"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "chatfusion_decode_errors_total",
			Help: "Connections closed because a frame failed to decode",
		}),
		BytesIn: f.NewCounter(prometheus.CounterOpts{
			Name: "chatfusion_bytes_in_total",
			Help: "Bytes read from sockets",
		}),
		BytesOut: f.NewCounter(prometheus.CounterOpts{
			Name: "chatfusion_bytes_out_total",
			Help: "Bytes written to sockets",
		}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatfusion_packets_dropped_total",
			Help: "Queued packets that were never written, by reason",
		}, []string{"reason"}),
	}
}
