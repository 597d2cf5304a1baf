package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var spikeAlertsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledgerpulse_spike_alerts_total",
		Help: "Total number of spike alerts emitted by rolling-window monitors",
	},
	[]string{"monitor"},
)

func recordAlert(name string) {
	if name == "" {
		name = "unknown"
	}
	spikeAlertsTotal.WithLabelValues(name).Inc()
}
