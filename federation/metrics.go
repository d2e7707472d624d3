package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Fusions  *prometheus.CounterVec
	Logins   *prometheus.CounterVec
	Messages *prometheus.CounterVec
	Peers    prometheus.Gauge
	Members  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Fusions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatfusion_fusions_total",
			Help: "Fusion handshakes, by outcome",
		}, []string{"outcome"}),
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatfusion_logins_total",
			Help: "Login attempts, by outcome",
		}, []string{"outcome"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatfusion_messages_total",
			Help: "Public message copies, by route",
		}, []string{"route"}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatfusion_peers",
			Help: "Direct federation members attached to this server",
		}),
		Members: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatfusion_logins",
			Help: "Clients logged in to this server",
		}),
	}
}
