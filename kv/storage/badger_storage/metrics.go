package badger_storage

import "github.com/prometheus/client_golang/prometheus"

var (
	snapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinytask",
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of time (s) spent saving snapshots.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"result"})

	snapshotEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytask",
			Subsystem: "snapshot",
			Name:      "entries_total",
			Help:      "Counter of entries written by snapshots.",
		}, []string{"cf"})

	droppedItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytask",
			Subsystem: "codec",
			Name:      "dropped_items_total",
			Help:      "Counter of optional items dropped because they could not be encoded or decoded.",
		}, []string{"phase"})

	storeSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinytask",
			Subsystem: "store",
			Name:      "size_bytes",
			Help:      "Size of the task cache directory and its ceiling.",
		}, []string{"kind"})

	lookupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytask",
			Subsystem: "lookup",
			Name:      "failures_total",
			Help:      "Counter of lookups that failed and were reported as empty.",
		}, []string{"lookup"})
)

func init() {
	prometheus.MustRegister(snapshotDuration)
	prometheus.MustRegister(snapshotEntries)
	prometheus.MustRegister(droppedItems)
	prometheus.MustRegister(lookupFailures)
	prometheus.MustRegister(storeSize)
}
