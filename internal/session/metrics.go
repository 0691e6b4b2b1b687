package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobq",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of open runner sessions.",
	})

	ackTimeoutsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobq",
		Subsystem: "session",
		Name:      "ack_timeouts_total",
		Help:      "Number of job assignments rolled back for want of an acknowledgement.",
	})

	reattachedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobq",
		Subsystem: "session",
		Name:      "reattached_total",
		Help:      "Number of runners that reattached to a running job.",
	})
)

func init() {
	prometheus.MustRegister(sessionsGauge, ackTimeoutsCounter, reattachedCounter)
}
