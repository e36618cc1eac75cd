package metrics

import (
	"net/http"

	kvmetrics "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/metrics"
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRegistryProvider owns the registry the settings store publishes
// on. The store collectors are registered when the provider is created.
type PrometheusRegistryProvider struct {
	registry   *prometheus.Registry
	collectors *Collectors
}

// ProviderOption configures a PrometheusRegistryProvider.
type ProviderOption func(*PrometheusRegistryProvider) error

// WithRuntimeCollectors adds the Go runtime and process collectors, for
// processes that serve the registry themselves.
func WithRuntimeCollectors() ProviderOption {
	return func(p *PrometheusRegistryProvider) error {
		if err := p.registry.Register(promcollectors.NewGoCollector()); err != nil {
			return err
		}
		return p.registry.Register(promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}))
	}
}

// NewPrometheusRegistryProvider creates a fresh registry with the settings
// collectors registered on it.
func NewPrometheusRegistryProvider(opts ...ProviderOption) (*PrometheusRegistryProvider, error) {
	p := &PrometheusRegistryProvider{registry: prometheus.NewRegistry()}
	c, err := NewCollectors(p.registry)
	if err != nil {
		return nil, err
	}
	p.collectors = c
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Registry returns the underlying Prometheus registry.
func (p *PrometheusRegistryProvider) Registry() *prometheus.Registry {
	return p.registry
}

// Collectors returns the settings collectors registered on the registry.
func (p *PrometheusRegistryProvider) Collectors() *Collectors {
	return p.collectors
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRegistryProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

var _ kvmetrics.RegistryProvider = (*PrometheusRegistryProvider)(nil)
