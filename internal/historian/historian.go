// Package historian implements the buffered writer that drains the
// fan-out bus into the external time-series sink: rows are batched and
// flushed on a row-count threshold or a ticker, whichever fires first,
// with retry backoff and a bounded spillover on persistent failure.
package historian

import (
	"context"
	"sync"
	"time"

	"scadamaster/internal/clock"
	"scadamaster/internal/fanout"
	"scadamaster/internal/model"
	"scadamaster/internal/obs/logging"
	"scadamaster/internal/obs/metrics"
)

// Batching and retry defaults.
const (
	DefaultFlushInterval  = time.Second
	DefaultFlushRows      = 500
	DefaultSpillCapacity  = 100_000
	DefaultMaxRetryBackoff = 60 * time.Second
	WriteTimeout          = 5 * time.Second
)

// Sink is the external time-series store, one write method per
// historian table. Tests supply an in-memory fake.
type Sink interface {
	WriteTelemetry(ctx context.Context, rows []model.TelemetrySample) error
	WriteGridMetrics(ctx context.Context, rows []model.GridSnapshot) error
	WriteAlarms(ctx context.Context, rows []model.Alarm) error
	WriteAudit(ctx context.Context, rows []model.AuditEntry) error
	WriteSecurityEvents(ctx context.Context, rows []model.SecurityEvent) error
}

// row is a type-erased unit of work queued for the next flush; exactly
// one of its fields is populated, mirroring the five historian tables.
type row struct {
	telemetry *model.TelemetrySample
	grid      *model.GridSnapshot
	alarm     *model.Alarm
	audit     *model.AuditEntry
	security  *model.SecurityEvent
}

// Writer batches rows off the fan-out bus and flushes them to Sink on a
// timer or row-count threshold, whichever comes first.
type Writer struct {
	sink          Sink
	log           logging.Logger
	clock         clock.Clock
	flushInterval time.Duration
	flushRows     int
	spillCapacity int
	maxBackoff    time.Duration

	lossGauge metrics.Gauge

	mu      sync.Mutex
	pending []row
	spilled int

	sub fanout.Subscription
}

// Options configures the writer; zero values fall back to the package
// defaults.
type Options struct {
	FlushInterval  time.Duration
	FlushRows      int
	SpillCapacity  int
	MaxRetryBackoff time.Duration
}

// New builds a Writer subscribed to bus. Call Run to start draining.
func New(sink Sink, bus *fanout.Bus, opts Options, provider metrics.Provider, log logging.Logger) *Writer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.FlushRows <= 0 {
		opts.FlushRows = DefaultFlushRows
	}
	if opts.SpillCapacity <= 0 {
		opts.SpillCapacity = DefaultSpillCapacity
	}
	if opts.MaxRetryBackoff <= 0 {
		opts.MaxRetryBackoff = DefaultMaxRetryBackoff
	}
	w := &Writer{
		sink:          sink,
		log:           log,
		clock:         clock.Real(),
		flushInterval: opts.FlushInterval,
		flushRows:     opts.FlushRows,
		spillCapacity: opts.SpillCapacity,
		maxBackoff:    opts.MaxRetryBackoff,
	}
	if provider != nil {
		w.lossGauge = provider.Gauge(metrics.Opts{
			Namespace: "scadamaster", Subsystem: "historian", Name: "spill_loss_total",
			Help: "rows dropped from the historian spill buffer",
		})
	}
	if bus != nil {
		w.sub = bus.Subscribe(1024)
	}
	return w
}

// WithClock overrides the clock (tests).
func (w *Writer) WithClock(c clock.Clock) *Writer {
	w.clock = c
	return w
}

// WriteAlarm satisfies alarm.Historian directly, bypassing the bus so
// every alarm transition is captured even if no subscriber is attached.
func (w *Writer) WriteAlarm(a model.Alarm) {
	w.enqueue(row{alarm: &a})
}

// RecordAudit satisfies control.Auditor/security.Auditor directly.
func (w *Writer) RecordAudit(entry model.AuditEntry) {
	w.enqueue(row{audit: &entry})
}

// Run drains the bus subscription (if any) and flushes on a ticker
// until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return
		case <-ticker.C:
			w.flush(ctx)
		case msg, ok := <-w.subC():
			if !ok {
				continue
			}
			w.ingestMessage(msg)
		}
	}
}

func (w *Writer) subC() <-chan model.Message {
	if w.sub == nil {
		return nil
	}
	return w.sub.C()
}

func (w *Writer) ingestMessage(msg model.Message) {
	switch msg.Type {
	case model.MsgTelemetryUpdate:
		if s, ok := msg.Data.(model.TelemetrySample); ok {
			w.enqueue(row{telemetry: &s})
		}
	case model.MsgGridOverviewUpdate:
		if s, ok := msg.Data.(model.GridSnapshot); ok {
			w.enqueue(row{grid: &s})
		}
	case model.MsgAlarmRaised, model.MsgAlarmCleared, model.MsgAlarmAcknowledged:
		if a, ok := msg.Data.(model.Alarm); ok {
			w.enqueue(row{alarm: &a})
		}
	case model.MsgSecurityEvent:
		if ev, ok := msg.Data.(model.SecurityEvent); ok {
			w.enqueue(row{security: &ev})
		}
	}
}

func (w *Writer) enqueue(r row) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) >= w.spillCapacity {
		w.pending = w.pending[1:]
		w.spilled++
		if w.lossGauge != nil {
			w.lossGauge.Set(float64(w.spilled))
		}
	}
	w.pending = append(w.pending, r)
	if len(w.pending) >= w.flushRows {
		go w.flush(context.Background())
	}
}

// flush drains the current pending buffer and writes it to the sink,
// retrying with doubling backoff up to maxBackoff; rows that still
// fail after the backoff ceiling are dropped and counted. Historian
// write errors are never surfaced to a caller-facing request.
func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	telemetry, grid, alarms, audit, security := partition(batch)

	attempt := 0
	backoff := time.Second
	for {
		writeCtx, cancel := context.WithTimeout(ctx, WriteTimeout)
		err := w.writeAll(writeCtx, telemetry, grid, alarms, audit, security)
		cancel()
		if err == nil {
			return
		}
		if w.log != nil {
			w.log.WarnCtx(ctx, "historian flush failed, retrying", "attempt", attempt, "error", err.Error())
		}
		if backoff >= w.maxBackoff {
			w.dropBatch(len(batch))
			return
		}
		w.clock.Sleep(backoff)
		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
		attempt++
		select {
		case <-ctx.Done():
			w.dropBatch(len(batch))
			return
		default:
		}
	}
}

func (w *Writer) dropBatch(n int) {
	w.mu.Lock()
	w.spilled += n
	if w.lossGauge != nil {
		w.lossGauge.Set(float64(w.spilled))
	}
	w.mu.Unlock()
}

func (w *Writer) writeAll(ctx context.Context, telemetry []model.TelemetrySample, grid []model.GridSnapshot, alarms []model.Alarm, audit []model.AuditEntry, security []model.SecurityEvent) error {
	if len(telemetry) > 0 {
		if err := w.sink.WriteTelemetry(ctx, telemetry); err != nil {
			return err
		}
	}
	if len(grid) > 0 {
		if err := w.sink.WriteGridMetrics(ctx, grid); err != nil {
			return err
		}
	}
	if len(alarms) > 0 {
		if err := w.sink.WriteAlarms(ctx, alarms); err != nil {
			return err
		}
	}
	if len(audit) > 0 {
		if err := w.sink.WriteAudit(ctx, audit); err != nil {
			return err
		}
	}
	if len(security) > 0 {
		if err := w.sink.WriteSecurityEvents(ctx, security); err != nil {
			return err
		}
	}
	return nil
}

func partition(batch []row) (telemetry []model.TelemetrySample, grid []model.GridSnapshot, alarms []model.Alarm, audit []model.AuditEntry, security []model.SecurityEvent) {
	for _, r := range batch {
		switch {
		case r.telemetry != nil:
			telemetry = append(telemetry, *r.telemetry)
		case r.grid != nil:
			grid = append(grid, *r.grid)
		case r.alarm != nil:
			alarms = append(alarms, *r.alarm)
		case r.audit != nil:
			audit = append(audit, *r.audit)
		case r.security != nil:
			security = append(security, *r.security)
		}
	}
	return
}

// SpillLoss returns the number of rows dropped from the spill buffer
// (exposed on /metrics).
func (w *Writer) SpillLoss() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spilled
}
