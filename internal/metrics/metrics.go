// Package metrics exposes the broker's operation counters and in-flight
// gauge via prometheus/client_golang, grounded on the teacher's direct
// dependency on the same library for its own operational metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Pushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infinite_queue",
		Name:      "pushed_total",
		Help:      "Messages accepted by Queue.Push, by queue name.",
	}, []string{"queue"})

	Popped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infinite_queue",
		Name:      "popped_total",
		Help:      "Messages delivered by Subscription.Pop, by queue name.",
	}, []string{"queue"})

	Confirmed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infinite_queue",
		Name:      "confirmed_total",
		Help:      "Messages acknowledged by Subscription.Confirm, by queue name.",
	}, []string{"queue"})

	FlushesRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infinite_queue",
		Name:      "flushes_total",
		Help:      "Flush passes completed, by queue name.",
	}, []string{"queue"})

	BlocksWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infinite_queue",
		Name:      "blocks_written_total",
		Help:      "Cold blocks written to the backing store, by queue name.",
	}, []string{"queue"})

	RowsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "infinite_queue",
		Name:      "rows_reclaimed_total",
		Help:      "Hot rows deleted by the sweep's phase 2.",
	})

	InFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "infinite_queue",
		Name:      "unconfirmed_in_flight",
		Help:      "Unconfirmed deliveries outstanding, by queue name.",
	}, []string{"queue"})
)

// Collectors bundles the collectors for registration against a
// prometheus.Registerer (the admin API's /metrics handler, via
// Depado/ginprom).
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Pushed, Popped, Confirmed, FlushesRun, BlocksWritten, RowsReclaimed, InFlight,
	}
}

// MustRegister registers every collector, panicking on a duplicate
// registration (a programmer error, not a runtime condition).
func MustRegister(reg prometheus.Registerer) {
	for _, c := range Collectors() {
		reg.MustRegister(c)
	}
}
