package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider defines the interface for accessing the metrics registry
// the settings collectors are registered on. Embedders expose it through
// their chosen method (e.g., a Prometheus HTTP endpoint).
type RegistryProvider interface {
	// Registry returns the Prometheus registry containing settings store metrics.
	Registry() *prometheus.Registry
}
