package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	expiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobq",
		Subsystem: "supervisor",
		Name:      "expired_total",
		Help:      "Number of queued jobs expired.",
	})

	forceCanceledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobq",
		Subsystem: "supervisor",
		Name:      "force_canceled_total",
		Help:      "Number of jobs failed after their runner ignored a forced cancelation.",
	})

	lostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobq",
		Subsystem: "supervisor",
		Name:      "runner_lost_total",
		Help:      "Number of running jobs failed after their runner did not reattach.",
	})
)

func init() {
	prometheus.MustRegister(expiredCounter, forceCanceledCounter, lostCounter)
}
