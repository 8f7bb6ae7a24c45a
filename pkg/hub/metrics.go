package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered once on the default registry, which the
// monitoring endpoint serves.
var metrics = struct {
	senders       prometheus.Gauge
	viewers       prometheus.Gauge
	relays        prometheus.Gauge
	relayFailures prometheus.Counter
	falls         prometheus.Counter
	commands      prometheus.Counter
	poseLabels    *prometheus.CounterVec
}{
	senders: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_senders", Help: "Connected camera senders.",
	}),
	viewers: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_viewers", Help: "Connected dashboard viewers.",
	}),
	relays: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_relay_legs", Help: "Active (viewer, sender) relay legs.",
	}),
	relayFailures: promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_relay_failures_total", Help: "Relay legs that failed to negotiate.",
	}),
	falls: promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_falls_total", Help: "Fall events detected.",
	}),
	commands: promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_commands_total", Help: "Operator commands forwarded to cameras.",
	}),
	poseLabels: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_pose_labels_total", Help: "Pose classifications by label.",
	}, []string{"label"}),
}
