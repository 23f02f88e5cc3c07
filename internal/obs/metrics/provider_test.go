package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, p *PrometheusProvider) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestPrometheusCounterAppearsOnScrape(t *testing.T) {
	p := NewPrometheusProvider(PrometheusOptions{})
	c := p.Counter(Opts{
		Namespace: "scadamaster", Subsystem: "fanout", Name: "published_total",
		Help: "messages published", Labels: []string{"kind"},
	})
	c.Inc(3, "telemetry")

	body := scrape(t, p)
	assert.Contains(t, body, "scadamaster_fanout_published_total")
	assert.Contains(t, body, `kind="telemetry"`)
}

func TestPrometheusSameNameSharesOneSeries(t *testing.T) {
	p := NewPrometheusProvider(PrometheusOptions{})
	a := p.Gauge(Opts{Name: "ring_depth", Labels: []string{"node_id"}})
	b := p.Gauge(Opts{Name: "ring_depth", Labels: []string{"node_id"}})
	a.Set(4, "GEN-001")
	b.Set(7, "GEN-001")

	body := scrape(t, p)
	assert.Contains(t, body, `ring_depth{node_id="GEN-001"} 7`)
}

func TestCounterIgnoresNonPositiveDelta(t *testing.T) {
	p := NewPrometheusProvider(PrometheusOptions{})
	c := p.Counter(Opts{Name: "events_total"})
	c.Inc(0)
	c.Inc(-5)
	c.Inc(2)

	body := scrape(t, p)
	assert.Contains(t, body, "events_total 2")
}

func TestSeriesGuardCollapsesBeyondLimit(t *testing.T) {
	p := NewPrometheusProvider(PrometheusOptions{SeriesLimit: 2})
	g := p.Gauge(Opts{Name: "link_state", Labels: []string{"node_id"}})
	g.Set(1, "GEN-001")
	g.Set(1, "GEN-002")
	g.Set(1, "GEN-003") // past the limit: collapsed onto the overflow series

	body := scrape(t, p)
	assert.Contains(t, body, `node_id="GEN-001"`)
	assert.Contains(t, body, `node_id="GEN-002"`)
	assert.NotContains(t, body, `node_id="GEN-003"`)
	assert.Contains(t, body, `node_id="`+overflowLabel+`"`)
}

func TestSeriesGuardKeepsAdmittedSeriesPastLimit(t *testing.T) {
	g := newSeriesGuard(1)
	require.Equal(t, []string{"a"}, g.admit([]string{"a"}))
	require.Equal(t, []string{overflowLabel}, g.admit([]string{"b"}))
	require.Equal(t, []string{"a"}, g.admit([]string{"a"}),
		"an already-admitted series must keep its identity after the limit trips")
}

func TestInvalidMetricNameYieldsNoopInstrument(t *testing.T) {
	p := NewPrometheusProvider(PrometheusOptions{})
	c := p.Counter(Opts{Name: "bad name with spaces"})
	c.Inc(1) // must not panic
	assert.NotContains(t, scrape(t, p), "bad name")
}

func TestNoopProviderDiscardsSafely(t *testing.T) {
	p := Noop()
	p.Counter(Opts{Name: "x"}).Inc(1, "a")
	p.Gauge(Opts{Name: "y"}).Set(2)
	p.Histogram(Opts{Name: "z"}).Observe(3)
}

func TestOTelProviderBuildsWorkingInstruments(t *testing.T) {
	p := NewOTelProvider(OTelOptions{ServiceName: "scadamaster-test"})
	p.Counter(Opts{Namespace: "scadamaster", Name: "c", Labels: []string{"k"}}).Inc(1, "v")
	p.Gauge(Opts{Namespace: "scadamaster", Name: "g", Labels: []string{"k"}}).Set(5, "v")
	p.Histogram(Opts{Namespace: "scadamaster", Name: "h"}).Observe(0.25)
}
