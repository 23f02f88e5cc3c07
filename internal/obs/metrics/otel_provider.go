package metrics

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// OTelOptions configures the OpenTelemetry bridge backend. ServiceName
// lands on the meter provider's resource so every exported point is
// attributed to the right service.
type OTelOptions struct {
	ServiceName string
	SeriesLimit int
}

// NewOTelProvider builds a Provider over an OTel meter. No reader is
// attached here; a deployment that exports OTel metrics wires its own
// reader onto the SDK out of band, and without one the instruments are
// inert, which is what unit tests want.
func NewOTelProvider(opts OTelOptions) Provider {
	res := resource.Default()
	if opts.ServiceName != "" {
		if merged, err := resource.Merge(res, resource.NewSchemaless(semconv.ServiceName(opts.ServiceName))); err == nil {
			res = merged
		}
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	limit := opts.SeriesLimit
	if limit <= 0 {
		limit = DefaultSeriesLimit
	}
	return &otelProvider{meter: mp.Meter("scadamaster"), seriesLimit: limit}
}

type otelProvider struct {
	meter       metric.Meter
	seriesLimit int
}

func (p *otelProvider) Counter(o Opts) Counter {
	inst, err := p.meter.Float64Counter(otelName(o), metric.WithDescription(o.Help))
	if err != nil {
		return nopInstrument{}
	}
	return &otelCounter{inst: inst, keys: o.Labels, guard: newSeriesGuard(p.seriesLimit)}
}

// Gauge maps onto an observable gauge: Set stores the latest value per
// label combination and the SDK pulls the whole table at collection
// time. That gives Prometheus-style last-value semantics without the
// delta bookkeeping an up-down counter would need.
func (p *otelProvider) Gauge(o Opts) Gauge {
	g := &otelGauge{keys: o.Labels, guard: newSeriesGuard(p.seriesLimit), points: make(map[string]gaugePoint)}
	if _, err := p.meter.Float64ObservableGauge(otelName(o),
		metric.WithDescription(o.Help),
		metric.WithFloat64Callback(g.collect),
	); err != nil {
		return nopInstrument{}
	}
	return g
}

func (p *otelProvider) Histogram(o Opts) Histogram {
	inst, err := p.meter.Float64Histogram(otelName(o), metric.WithDescription(o.Help))
	if err != nil {
		return nopInstrument{}
	}
	return &otelHistogram{inst: inst, keys: o.Labels, guard: newSeriesGuard(p.seriesLimit)}
}

func otelName(o Opts) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{o.Namespace, o.Subsystem, o.Name} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ".")
}

type otelCounter struct {
	inst  metric.Float64Counter
	keys  []string
	guard *seriesGuard
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.inst.Add(context.Background(), delta, metric.WithAttributes(attrPairs(c.keys, c.guard.admit(labels))...))
}

type gaugePoint struct {
	attrs []attribute.KeyValue
	value float64
}

type otelGauge struct {
	keys  []string
	guard *seriesGuard

	mu     sync.Mutex
	points map[string]gaugePoint
}

func (g *otelGauge) Set(v float64, labels ...string) {
	vals := g.guard.admit(labels)
	key := strings.Join(vals, "\x1f")
	g.mu.Lock()
	g.points[key] = gaugePoint{attrs: attrPairs(g.keys, vals), value: v}
	g.mu.Unlock()
}

func (g *otelGauge) collect(_ context.Context, o metric.Float64Observer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, pt := range g.points {
		o.Observe(pt.value, metric.WithAttributes(pt.attrs...))
	}
	return nil
}

type otelHistogram struct {
	inst  metric.Float64Histogram
	keys  []string
	guard *seriesGuard
}

func (h *otelHistogram) Observe(v float64, labels ...string) {
	h.inst.Record(context.Background(), v, metric.WithAttributes(attrPairs(h.keys, h.guard.admit(labels))...))
}

// attrPairs zips declared label keys with observed values; extra values
// without a declared key are dropped rather than invented.
func attrPairs(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	if n == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, attribute.String(keys[i], values[i]))
	}
	return out
}
