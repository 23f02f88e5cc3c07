// Package telemetry implements the telemetry store and grid-wide
// aggregator: a per-node ring buffer of the latest N samples, a "latest
// sample" short-path slot, and a periodic tick that rolls every node's
// latest sample up into a GridSnapshot.
package telemetry

import (
	"sync"
	"time"

	"scadamaster/internal/model"
	"scadamaster/internal/obs/metrics"
)

// DefaultRingCapacity retains ~1h of samples at the default 1Hz sampling
// cadence.
const DefaultRingCapacity = 3600

// Store owns, per node, a ring buffer of the last N samples plus a
// latest-sample slot read by short-path queries. It implements
// registry.TelemetryObserver so the node registry can feed it samples
// directly off the control-channel reader.
type Store struct {
	capacity int
	provider metrics.Provider

	mu    sync.RWMutex
	nodes map[string]*nodeBuffer

	mHighWater metrics.Gauge
}

type nodeBuffer struct {
	mu     sync.RWMutex
	ring   *ring
	latest *model.TelemetrySample
	lastSeq uint64
	hasSeq  bool
}

// NewStore builds a Store with the given per-node ring capacity
// (DefaultRingCapacity if <= 0).
func NewStore(capacity int, provider metrics.Provider) *Store {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	s := &Store{capacity: capacity, provider: provider, nodes: make(map[string]*nodeBuffer)}
	if provider != nil {
		s.mHighWater = provider.Gauge(metrics.Opts{
			Namespace: "scadamaster", Subsystem: "telemetry", Name: "ring_buffer_depth", Help: "samples currently held per node ring buffer",
			Labels: []string{"node_id"},
		})
	}
	return s
}

func (s *Store) bufferFor(nodeID string) *nodeBuffer {
	s.mu.RLock()
	b, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.nodes[nodeID]; ok {
		return b
	}
	b = &nodeBuffer{ring: newRing(s.capacity)}
	s.nodes[nodeID] = b
	return b
}

// OnTelemetry ingests one sample (registry.TelemetryObserver). Sequence
// resets (a lower seq than the last seen one) are tolerated — they mark
// an RTU restart, not corruption — and simply reset the expected
// monotonic baseline.
func (s *Store) OnTelemetry(sample model.TelemetrySample) {
	b := s.bufferFor(sample.NodeID)
	b.mu.Lock()
	b.ring.push(sample)
	cp := sample
	b.latest = &cp
	b.lastSeq = sample.Seq
	b.hasSeq = true
	depth := b.ring.len()
	b.mu.Unlock()
	if s.mHighWater != nil {
		s.mHighWater.Set(float64(depth), sample.NodeID)
	}
}

// Latest returns the most recently ingested sample for a node, if any.
func (s *Store) Latest(nodeID string) (model.TelemetrySample, bool) {
	s.mu.RLock()
	b, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if !ok {
		return model.TelemetrySample{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return model.TelemetrySample{}, false
	}
	return *b.latest, true
}

// Query returns up to limit samples from nodeID's ring buffer,
// optionally bounded by [from, to]; it backs
// GET /nodes/{id}/telemetry.
func (s *Store) Query(nodeID string, from, to time.Time, limit int) ([]model.TelemetrySample, error) {
	s.mu.RLock()
	b, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if !ok {
		return nil, model.ErrNodeNotFound
	}
	b.mu.RLock()
	all := b.ring.snapshot(0)
	b.mu.RUnlock()

	out := make([]model.TelemetrySample, 0, len(all))
	for _, sample := range all {
		if !from.IsZero() && sample.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && sample.Timestamp.After(to) {
			continue
		}
		out = append(out, sample)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ResetSequence forgets the previous sequence baseline for a node so a
// restarted RTU's fresh sequence base is accepted; the registry does not
// call it on reconnect.
func (s *Store) ResetSequence(nodeID string) {
	b := s.bufferFor(nodeID)
	b.mu.Lock()
	b.hasSeq = false
	b.mu.Unlock()
}
