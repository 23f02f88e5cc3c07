package metrics

import (
	"net/http"
	"strings"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusOptions tunes the default backend. A nil Registry gets a
// fresh private one, so two providers in one process never collide on
// the package-global default registry.
type PrometheusOptions struct {
	Registry    *prom.Registry
	SeriesLimit int
}

// PrometheusProvider implements Provider on a private Prometheus
// registry and serves it over the Master's /metrics endpoint.
type PrometheusProvider struct {
	registry    *prom.Registry
	handler     http.Handler
	seriesLimit int

	mu         sync.Mutex
	collectors map[string]prom.Collector
}

func NewPrometheusProvider(opts PrometheusOptions) *PrometheusProvider {
	reg := opts.Registry
	if reg == nil {
		reg = prom.NewRegistry()
	}
	limit := opts.SeriesLimit
	if limit <= 0 {
		limit = DefaultSeriesLimit
	}
	return &PrometheusProvider{
		registry:    reg,
		handler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		seriesLimit: limit,
		collectors:  make(map[string]prom.Collector),
	}
}

// MetricsHandler returns the scrape handler mounted at /metrics.
func (p *PrometheusProvider) MetricsHandler() http.Handler { return p.handler }

// register returns the collector cached under fq, or registers the one
// built by mk. Any registration error (invalid name, duplicate with a
// different shape) yields nil and the caller hands back a no-op
// instrument instead of propagating the failure.
func (p *PrometheusProvider) register(fq string, mk func() prom.Collector) prom.Collector {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.collectors[fq]; ok {
		return c
	}
	c := mk()
	if err := p.registry.Register(c); err != nil {
		return nil
	}
	p.collectors[fq] = c
	return c
}

func (p *PrometheusProvider) Counter(o Opts) Counter {
	fq := promName(o)
	if fq == "" {
		return nopInstrument{}
	}
	c := p.register(fq, func() prom.Collector {
		return prom.NewCounterVec(prom.CounterOpts{Name: fq, Help: o.Help}, o.Labels)
	})
	vec, ok := c.(*prom.CounterVec)
	if !ok {
		return nopInstrument{}
	}
	return &promCounter{vec: vec, guard: newSeriesGuard(p.seriesLimit)}
}

func (p *PrometheusProvider) Gauge(o Opts) Gauge {
	fq := promName(o)
	if fq == "" {
		return nopInstrument{}
	}
	c := p.register(fq, func() prom.Collector {
		return prom.NewGaugeVec(prom.GaugeOpts{Name: fq, Help: o.Help}, o.Labels)
	})
	vec, ok := c.(*prom.GaugeVec)
	if !ok {
		return nopInstrument{}
	}
	return &promGauge{vec: vec, guard: newSeriesGuard(p.seriesLimit)}
}

func (p *PrometheusProvider) Histogram(o Opts) Histogram {
	fq := promName(o)
	if fq == "" {
		return nopInstrument{}
	}
	buckets := o.Buckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}
	c := p.register(fq, func() prom.Collector {
		return prom.NewHistogramVec(prom.HistogramOpts{Name: fq, Help: o.Help, Buckets: buckets}, o.Labels)
	})
	vec, ok := c.(*prom.HistogramVec)
	if !ok {
		return nopInstrument{}
	}
	return &promHistogram{vec: vec, guard: newSeriesGuard(p.seriesLimit)}
}

func promName(o Opts) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{o.Namespace, o.Subsystem, o.Name} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "_")
}

type promCounter struct {
	vec   *prom.CounterVec
	guard *seriesGuard
}

func (c *promCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.vec.WithLabelValues(c.guard.admit(labels)...).Add(delta)
}

type promGauge struct {
	vec   *prom.GaugeVec
	guard *seriesGuard
}

func (g *promGauge) Set(v float64, labels ...string) {
	g.vec.WithLabelValues(g.guard.admit(labels)...).Set(v)
}

type promHistogram struct {
	vec   *prom.HistogramVec
	guard *seriesGuard
}

func (h *promHistogram) Observe(v float64, labels ...string) {
	h.vec.WithLabelValues(h.guard.admit(labels)...).Observe(v)
}
