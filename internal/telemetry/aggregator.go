package telemetry

import (
	"context"
	"math"
	"sync"
	"time"

	"scadamaster/internal/clock"
	"scadamaster/internal/fanout"
	"scadamaster/internal/model"
	"scadamaster/internal/obs/logging"
)

// Epsilon thresholds below which an unchanged GridSnapshot is not
// republished outside of the keep-alive cadence.
const (
	EpsilonFrequencyHz = 0.005
	EpsilonMW          = 0.5
	KeepAliveInterval  = 5 * time.Second
)

// NodeSource supplies the registry's current view of every node; the
// Registry type satisfies this by structural typing.
type NodeSource interface {
	ListNodes() []model.NodeRuntimeRecord
}

// AlarmCountSource supplies the alarm engine's current active-alarm
// tally by severity; the alarm engine satisfies this.
type AlarmCountSource interface {
	ActiveCounts() model.AlarmCounts
}

// Aggregator computes the rolled-up GridSnapshot once per tick and
// publishes it to the fan-out bus as a GridOverviewUpdate.
type Aggregator struct {
	nodes  NodeSource
	alarms AlarmCountSource
	store  *Store
	bus    *fanout.Bus
	log    logging.Logger
	clock  clock.Clock
	cadence time.Duration

	mu         sync.Mutex
	last       model.GridSnapshot
	lastPublish time.Time
	trace      []model.FreqPoint
}

// NewAggregator builds an Aggregator; cadence defaults to 1s.
func NewAggregator(nodes NodeSource, alarms AlarmCountSource, store *Store, bus *fanout.Bus, log logging.Logger, cadence time.Duration) *Aggregator {
	if cadence <= 0 {
		cadence = time.Second
	}
	return &Aggregator{nodes: nodes, alarms: alarms, store: store, bus: bus, log: log, clock: clock.Real(), cadence: cadence}
}

// Run ticks at the aggregator cadence until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.tick(now)
		}
	}
}

func (a *Aggregator) tick(now time.Time) {
	snap := a.compute(now)

	a.mu.Lock()
	prev := a.last
	sincePublish := now.Sub(a.lastPublish)
	changed := significant(prev, snap)
	a.last = snap
	publish := changed || sincePublish >= KeepAliveInterval
	if publish {
		a.lastPublish = now
	}
	a.mu.Unlock()

	if publish && a.bus != nil {
		a.bus.Publish(model.Message{Type: model.MsgGridOverviewUpdate, At: now, Data: snap})
	}
}

// Latest returns the most recently computed GridSnapshot (used by
// GET /grid/overview and FullStateSnapshot delivery).
func (a *Aggregator) Latest() model.GridSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Aggregator) compute(now time.Time) model.GridSnapshot {
	records := a.nodes.ListNodes()

	var (
		weightedFreqSum, weightSum float64
		totalGen, totalLoad        float64
		online, offline, degraded  int
	)

	for _, rec := range records {
		switch rec.LinkState {
		case model.LinkConnected, model.LinkDegraded:
			online++
		case model.LinkOffline:
			offline++
		}
		if rec.LinkState == model.LinkDegraded {
			degraded++
		}
		if rec.Latest == nil {
			continue
		}
		if rec.Descriptor.Kind == model.NodeGeneration {
			// Offline generators contribute neither frequency weight nor
			// generation; their last sample is stale.
			if rec.LinkState == model.LinkOffline {
				continue
			}
			if rec.Latest.FrequencyHz != nil {
				weightedFreqSum += *rec.Latest.FrequencyHz * rec.Descriptor.CapacityMW
				weightSum += rec.Descriptor.CapacityMW
			}
			if rec.Latest.ActivePowerMW != nil {
				totalGen += *rec.Latest.ActivePowerMW
			}
		} else if rec.Latest.ActivePowerMW != nil {
			totalLoad += *rec.Latest.ActivePowerMW
		}
	}

	sysFreq := 0.0
	if weightSum > 0 {
		sysFreq = weightedFreqSum / weightSum
	}
	losses := totalGen - totalLoad
	if losses < 0 {
		losses = 0
	}

	var counts model.AlarmCounts
	if a.alarms != nil {
		counts = a.alarms.ActiveCounts()
	}

	a.pushTrace(now, sysFreq)

	return model.GridSnapshot{
		GeneratedAt:       now,
		SystemFrequencyHz: sysFreq,
		TotalGenerationMW: totalGen,
		TotalLoadMW:       totalLoad,
		GridLossesMW:      losses,
		NodesOnline:       online,
		NodesOffline:      offline,
		NodesDegraded:     degraded,
		AlarmCounts:       counts,
		FrequencyTrace:    a.traceSnapshot(),
	}
}

const traceWindow = 10 * time.Minute

func (a *Aggregator) pushTrace(at time.Time, hz float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trace = append(a.trace, model.FreqPoint{At: at, Hz: hz})
	cutoff := at.Add(-traceWindow)
	i := 0
	for i < len(a.trace) && a.trace[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.trace = a.trace[i:]
	}
}

func (a *Aggregator) traceSnapshot() []model.FreqPoint {
	out := make([]model.FreqPoint, len(a.trace))
	copy(out, a.trace)
	return out
}

func significant(prev, next model.GridSnapshot) bool {
	if math.Abs(prev.SystemFrequencyHz-next.SystemFrequencyHz) > EpsilonFrequencyHz {
		return true
	}
	if math.Abs(prev.TotalGenerationMW-next.TotalGenerationMW) > EpsilonMW {
		return true
	}
	if math.Abs(prev.TotalLoadMW-next.TotalLoadMW) > EpsilonMW {
		return true
	}
	if prev.NodesOnline != next.NodesOnline || prev.NodesOffline != next.NodesOffline || prev.NodesDegraded != next.NodesDegraded {
		return true
	}
	if prev.AlarmCounts != next.AlarmCounts {
		return true
	}
	return false
}
