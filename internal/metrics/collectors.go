package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "kvsettings"

// Collectors holds the settings store metrics.
type Collectors struct {
	// Saves counts backend saves by backend kind and result ("ok", "error").
	Saves *prometheus.CounterVec
	// BytesWritten counts physical bytes written by backend kind.
	BytesWritten *prometheus.CounterVec
	// Loads counts backend loads by backend kind and result.
	Loads *prometheus.CounterVec
	// Mutations counts map changes by operation ("create", "set", "clear").
	Mutations *prometheus.CounterVec
	// NotificationsDropped counts notifications lost to full subscriber queues.
	NotificationsDropped prometheus.Counter
	// Records tracks the number of records in the map.
	Records prometheus.Gauge
}

// NewCollectors creates the store collectors and registers them on reg.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_saves_total",
			Help:      "Storage saves by backend and result.",
		}, []string{"backend", "result"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_bytes_written_total",
			Help:      "Bytes physically written to storage.",
		}, []string{"backend"}),
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_loads_total",
			Help:      "Storage loads by backend and result.",
		}, []string{"backend", "result"}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Settings map mutations by operation.",
		}, []string{"op"}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Change notifications dropped because a subscriber queue was full.",
		}),
		Records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Records currently held in the settings map.",
		}),
	}
	for _, col := range []prometheus.Collector{c.Saves, c.BytesWritten, c.Loads, c.Mutations, c.NotificationsDropped, c.Records} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}
