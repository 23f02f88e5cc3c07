// Package master is the Master process's composition root: it
// constructs every subsystem in dependency order, wires the small
// observer adapters between them, starts the background loops and
// HTTP/WebSocket surfaces, and tears everything down in reverse.
// Everything is composed behind one App struct rather than leaving
// main.go to wire globals.
package master

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"scadamaster/internal/alarm"
	"scadamaster/internal/auth"
	"scadamaster/internal/catalogue"
	"scadamaster/internal/clock"
	"scadamaster/internal/control"
	"scadamaster/internal/fanout"
	"scadamaster/internal/historian"
	"scadamaster/internal/httpapi"
	"scadamaster/internal/model"
	"scadamaster/internal/obs/health"
	"scadamaster/internal/obs/logging"
	"scadamaster/internal/obs/metrics"
	"scadamaster/internal/obs/tracing"
	"scadamaster/internal/registry"
	"scadamaster/internal/security"
	"scadamaster/internal/telemetry"
	"scadamaster/internal/wsapi"
)

// HeartbeatInterval is the fan-out bus's keep-alive cadence; the bus has
// no ticker of its own, so the bootstrap drives it.
const HeartbeatInterval = 5 * time.Second

// ShutdownGrace bounds how long the historian gets to flush its pending
// batch once shutdown begins.
const ShutdownGrace = 5 * time.Second

// App owns every Master subsystem and the two external listeners.
type App struct {
	cfg catalogue.MasterConfig
	log logging.Logger

	metricsProvider metrics.Provider
	promProvider    *metrics.PrometheusProvider
	tracerProvider  *sdktrace.TracerProvider

	bus        *fanout.Bus
	auth       *auth.Engine
	store      *telemetry.Store
	registry   *registry.Registry
	historian  *historian.Writer
	security   *security.Engine
	control    *control.Coordinator
	alarms     *alarm.Engine
	aggregator *telemetry.Aggregator
	health     *health.Evaluator

	httpAPI *httpapi.Server
	wsAPI   *wsapi.Server
	httpSrv *http.Server
	wsSrv   *http.Server

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// New builds every subsystem but starts nothing; call Run to start the
// background loops and listeners.
func New(cfg catalogue.MasterConfig, log logging.Logger) (*App, error) {
	if log == nil {
		log = logging.Noop()
	}

	metricsProvider, promProvider := buildMetricsProvider(cfg.Metrics)

	tracerProvider := tracing.NewProvider("scadamaster-master", nil)
	otel.SetTracerProvider(tracerProvider)

	bus := fanout.New(log.With("component", "fanout"), metricsProvider)

	sinkDir := cfg.Historian.DSN
	if sinkDir == "" {
		sinkDir = "./data/historian"
	}
	sink, err := historian.NewFileSink(sinkDir)
	if err != nil {
		return nil, fmt.Errorf("master: build historian sink: %w", err)
	}
	historianWriter := historian.New(sink, bus, historian.Options{
		FlushInterval:   cfg.Historian.FlushInterval,
		FlushRows:       cfg.Historian.FlushRows,
		SpillCapacity:   cfg.Historian.SpillCapacity,
		MaxRetryBackoff: cfg.Historian.MaxRetryBackoff,
	}, metricsProvider, log.With("component", "historian"))

	secProxy := &securityNotifierProxy{}
	authEngine := auth.New(cfg.JWTSecret, cfg.TokenLifetime, secProxy, log.With("component", "auth"))
	for _, u := range cfg.Users {
		authEngine.SeedUser(u.Username, u.PasswordHash, model.Role(u.Role))
	}

	multiAud := &multiAuditor{live: authEngine, historian: historianWriter}

	store := telemetry.NewStore(cfg.RingBufferCapacity, metricsProvider)

	reg := registry.New(cfg.Nodes, registry.NewNetDialer(), log.With("component", "registry"), metricsProvider, clock.Real())

	secEngine := security.New(cfg.AllowList, reg, bus, multiAud, log.With("component", "security"))
	secProxy.eng = secEngine

	alarmEngine := alarm.New(reg, bus, historianWriter, log.With("component", "alarm"))
	ctrl := control.New(reg, reg, bus, multiAud, log.With("component", "control"))
	aggregator := telemetry.NewAggregator(reg, alarmEngine, store, bus, log.With("component", "aggregator"), cfg.AggregatorCadence)

	reg.WithTelemetryObserver(&telemetryRelay{store: store, alarms: alarmEngine, bus: bus}).
		WithEventObserver(alarmEngine).
		WithConnectionObserver(secEngine).
		WithLinkObserver(&linkPublisher{bus: bus})

	var metricsHandler http.Handler
	if promProvider != nil {
		metricsHandler = promProvider.MetricsHandler()
	}

	httpAPI := httpapi.New(reg, store, aggregator, alarmEngine, ctrl, secEngine, authEngine, metricsHandler, log.With("component", "httpapi"))
	wsAPI := wsapi.New(bus, reg, aggregator, alarmEngine, secEngine, authEngine, log.With("component", "wsapi"))

	evaluator := health.NewEvaluator(2*time.Second,
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			if reg.AllConnectedOnce() {
				return health.Healthy("registry")
			}
			return health.Degraded("registry", "not every node has connected yet")
		}),
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			if historianWriter.SpillLoss() > 0 {
				return health.Degraded("historian", "spill buffer has dropped rows")
			}
			return health.Healthy("historian")
		}),
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			return health.Healthy("fanout")
		}),
	)

	return &App{
		cfg:             cfg,
		log:             log,
		metricsProvider: metricsProvider,
		promProvider:    promProvider,
		tracerProvider:  tracerProvider,
		bus:             bus,
		auth:            authEngine,
		store:           store,
		registry:        reg,
		historian:       historianWriter,
		security:        secEngine,
		control:         ctrl,
		alarms:          alarmEngine,
		aggregator:      aggregator,
		health:          evaluator,
		httpAPI:         httpAPI,
		wsAPI:           wsAPI,
	}, nil
}

func buildMetricsProvider(cfg catalogue.MetricsConfig) (metrics.Provider, *metrics.PrometheusProvider) {
	switch cfg.Backend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelOptions{ServiceName: "scadamaster-master"}), nil
	case "noop":
		return metrics.Noop(), nil
	default:
		p := metrics.NewPrometheusProvider(metrics.PrometheusOptions{})
		return p, p
	}
}

// Run starts every background loop and both listeners, blocking until
// ctx is cancelled, then drains: surfaces first, loops second, RTU
// links last.
func (a *App) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	a.loopCancel = cancel

	a.registry.Start(loopCtx)
	a.spawn(func() { a.control.RunExpirySweeper(loopCtx) })
	a.spawn(func() { a.aggregator.Run(loopCtx) })
	a.spawn(func() { a.historian.Run(loopCtx) })
	a.spawn(func() { a.runHeartbeat(loopCtx) })

	errCh := make(chan error, 2)

	a.httpSrv = &http.Server{Addr: a.cfg.HTTPListenAddr, Handler: a.httpAPI.Handler()}
	a.wsSrv = &http.Server{Addr: a.cfg.WSListenAddr, Handler: a.wsHandler()}

	go func() {
		a.log.InfoCtx(ctx, "http api listening", "addr", a.cfg.HTTPListenAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()
	go func() {
		a.log.InfoCtx(ctx, "ws api listening", "addr", a.cfg.WSListenAddr)
		if err := a.wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws api: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown()
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}
}

func (a *App) spawn(fn func()) {
	a.loopWG.Add(1)
	go func() {
		defer a.loopWG.Done()
		fn()
	}()
}

func (a *App) wsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws/grid", a.wsAPI.Handler())
	return mux
}

// runHeartbeat publishes the fan-out bus's periodic keep-alive;
// fanout.Bus carries no ticker of its own.
func (a *App) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.bus.Publish(model.Message{Type: model.MsgHeartbeat, At: now})
		}
	}
}

// Shutdown closes external surfaces first, then cancels the background
// loops — whose ctx.Done branches flush the historian and stop the
// registry's dialers — and waits up to ShutdownGrace for them to finish
// before broadcasting close to every RTU.
func (a *App) Shutdown() error {
	a.httpAPI.SetDraining(true)
	httpCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()

	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(httpCtx)
	}
	if a.wsSrv != nil {
		_ = a.wsSrv.Shutdown(httpCtx)
	}

	if a.loopCancel != nil {
		a.loopCancel()
	}

	done := make(chan struct{})
	go func() {
		a.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		a.log.WarnCtx(context.Background(), "shutdown grace period elapsed before background loops drained")
	}

	a.registry.BroadcastClose()

	if a.tracerProvider != nil {
		_ = a.tracerProvider.Shutdown(context.Background())
	}
	return nil
}

// MetricsProvider exposes the provider for cmd/master diagnostics.
func (a *App) MetricsProvider() metrics.Provider { return a.metricsProvider }

// HealthEvaluator exposes the rolled-up health evaluator.
func (a *App) HealthEvaluator() *health.Evaluator { return a.health }
