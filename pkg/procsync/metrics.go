package procsync

import "github.com/prometheus/client_golang/prometheus"

// Counters are per process: each process counts its own calls.
var (
	mutexAcquisitions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procsync",
		Name:      "mutex_acquisitions_total",
		Help:      "Total number of shared mutex acquisitions by this process.",
	})
	mutexContended = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procsync",
		Name:      "mutex_contended_total",
		Help:      "Acquisitions that found the shared mutex held and had to sleep.",
	})
	condWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procsync",
		Name:      "cond_waits_total",
		Help:      "Total number of waits on shared condition variables.",
	})
	condNotifies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procsync",
		Name:      "cond_notifies_total",
		Help:      "Notifications sent on shared condition variables.",
	}, []string{"mode"})
)

// Collectors returns the package's metrics for registration, e.g.
//
//	prometheus.MustRegister(procsync.Collectors()...)
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		mutexAcquisitions,
		mutexContended,
		condWaits,
		condNotifies,
	}
}
