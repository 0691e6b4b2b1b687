package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobq",
		Subsystem: "scheduler",
		Name:      "transitions_total",
		Help:      "Number of job state transitions, by state entered.",
	}, []string{"state"})

	waitingRunnersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobq",
		Subsystem: "scheduler",
		Name:      "waiting_runners",
		Help:      "Number of runners blocked waiting for work.",
	})

	provisionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobq",
		Subsystem: "scheduler",
		Name:      "provisions_total",
		Help:      "Number of on-demand runner provisioning jobs issued.",
	})
)

func init() {
	prometheus.MustRegister(transitionsCounter, waitingRunnersGauge, provisionsCounter)
}
