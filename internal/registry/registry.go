// Package registry implements the node registry and connection
// supervisor: it tracks the declared node catalogue, owns one
// supervised dialler per node, and drives each node's link-state
// machine (Connecting -> Connected -> Degraded -> Offline, with
// bounded-backoff Reconnecting in between).
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"scadamaster/internal/clock"
	"scadamaster/internal/model"
	"scadamaster/internal/obs/logging"
	"scadamaster/internal/obs/metrics"
	"scadamaster/internal/protocol"
)

// Supervision tuning.
const (
	HeartbeatInterval = 5 * time.Second
	DegradeAfter      = 15 * time.Second // H
	OfflineAfter      = 60 * time.Second // F
	InitialBackoff    = time.Second
	MaxBackoff        = 60 * time.Second
	HandshakeTimeout  = 5 * time.Second
	CommandTimeout    = 2 * time.Second
)

// TelemetryObserver receives every telemetry sample as it arrives on a
// node's control-channel, in emission order for that node; there is no
// cross-node ordering guarantee.
type TelemetryObserver interface {
	OnTelemetry(sample model.TelemetrySample)
}

// EventObserver receives breaker/alarm event frames pushed by an RTU.
type EventObserver interface {
	OnEvent(nodeID string, kind string, payload []byte)
}

// ConnectionObserver receives connection reports describing inbound
// clients accepted by an RTU's protocol listeners.
type ConnectionObserver interface {
	OnConnectionReport(rec model.ConnectionRecord)
}

// LinkObserver is notified on every link-state transition; bootstrap
// uses it to publish NodeStateChanged on the fan-out bus.
type LinkObserver interface {
	OnLinkChange(nodeID string, state model.LinkState)
}

// Dialer opens the control-channel TCP connection to a node. Production
// code uses net.Dialer; tests substitute an in-process pipe dialer.
type Dialer interface {
	DialContext(ctx context.Context, addr string) (Conn, error)
}

// Registry tracks every declared node's runtime record and supervises
// its connection.
type Registry struct {
	log      logging.Logger
	provider metrics.Provider
	clock    clock.Clock
	dialer   Dialer

	telemetryObs TelemetryObserver
	eventObs     EventObserver
	connObs      ConnectionObserver
	linkObs      LinkObserver

	mu    sync.RWMutex
	nodes map[string]*entry

	mLinkState metrics.Gauge
}

type entry struct {
	mu  sync.RWMutex
	rec model.NodeRuntimeRecord
	sup *supervisor
}

// New builds a Registry over the given node catalogue. Observers may be
// nil; Start wires the supervisors once all are set via the With*
// methods (bootstrap calls these before Start per C12's dependency
// order).
func New(nodes []model.NodeDescriptor, dialer Dialer, log logging.Logger, provider metrics.Provider, c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real()
	}
	r := &Registry{log: log, provider: provider, clock: c, dialer: dialer, nodes: make(map[string]*entry, len(nodes))}
	for _, n := range nodes {
		r.nodes[n.NodeID] = &entry{rec: model.NodeRuntimeRecord{
			Descriptor:    n,
			LinkState:     model.LinkConnecting,
			BreakerStates: make(map[string]model.BreakerState),
		}}
	}
	if provider != nil {
		r.mLinkState = provider.Gauge(metrics.Opts{
			Namespace: "scadamaster", Subsystem: "registry", Name: "node_link_state", Help: "1 if the node is in the labeled link state",
			Labels: []string{"node_id", "state"},
		})
	}
	return r
}

func (r *Registry) WithTelemetryObserver(o TelemetryObserver) *Registry { r.telemetryObs = o; return r }
func (r *Registry) WithEventObserver(o EventObserver) *Registry         { r.eventObs = o; return r }
func (r *Registry) WithConnectionObserver(o ConnectionObserver) *Registry {
	r.connObs = o
	return r
}
func (r *Registry) WithLinkObserver(o LinkObserver) *Registry { r.linkObs = o; return r }

// Start launches one supervisor goroutine per node. It returns once every
// supervisor goroutine has been spawned (not once every node is
// Connected); callers wanting "first pass complete" use AllConnectedOnce
// (the /readyz probe does).
func (r *Registry) Start(ctx context.Context) {
	r.mu.RLock()
	for id, e := range r.nodes {
		sup := newSupervisor(id, r, e)
		e.sup = sup
		go sup.run(ctx)
	}
	r.mu.RUnlock()
	go r.monitorLinkHealth(ctx)
}

// monitorLinkHealth implements the Connected->Degraded->Offline half of
// the link-state machine: it does not dial anything, it only
// watches the heartbeat gap every node's supervisor maintains via
// touchHeartbeat.
func (r *Registry) monitorLinkHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweepLinkHealth(now)
		}
	}
}

func (r *Registry) sweepLinkHealth(now time.Time) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.mu.RLock()
		e := r.nodes[id]
		r.mu.RUnlock()
		e.mu.RLock()
		state := e.rec.LinkState
		gap := now.Sub(e.rec.LastHeartbeat)
		e.mu.RUnlock()

		switch state {
		case model.LinkConnected:
			if gap > DegradeAfter {
				r.setLinkState(id, model.LinkDegraded)
			}
		case model.LinkDegraded:
			if gap > OfflineAfter {
				r.setLinkState(id, model.LinkOffline)
			} else if gap <= DegradeAfter {
				r.setLinkState(id, model.LinkConnected)
			}
		}
	}
}

// ListNodes returns a snapshot of every node's runtime record.
func (r *Registry) ListNodes() []model.NodeRuntimeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.NodeRuntimeRecord, 0, len(r.nodes))
	for _, e := range r.nodes {
		e.mu.RLock()
		out = append(out, e.rec)
		e.mu.RUnlock()
	}
	return out
}

// GetNode returns one node's runtime record, or ErrNodeNotFound.
func (r *Registry) GetNode(id string) (model.NodeRuntimeRecord, error) {
	r.mu.RLock()
	e, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return model.NodeRuntimeRecord{}, model.ErrNodeNotFound
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec, nil
}

// SendCommand dispatches a Command frame to nodeID's active control-
// channel and waits (bounded by ctx) for the correlated Reply.
func (r *Registry) SendCommand(ctx context.Context, nodeID string, payload protocol.CommandPayload) (protocol.ReplyPayload, error) {
	r.mu.RLock()
	e, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return protocol.ReplyPayload{}, model.ErrNodeNotFound
	}
	e.mu.RLock()
	sup := e.sup
	e.mu.RUnlock()
	if sup == nil {
		return protocol.ReplyPayload{}, model.NewError(model.KindUnavailable, "node has no active supervisor", nil)
	}
	return sup.sendCommand(ctx, payload)
}

// BroadcastClose closes every node's active control-channel, used during
// shutdown (C12) once downstream consumers have drained.
func (r *Registry) BroadcastClose() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.nodes {
		e.mu.RLock()
		sup := e.sup
		e.mu.RUnlock()
		if sup != nil {
			sup.closeActive()
		}
	}
}

// AllConnectedOnce reports whether every node has reached Connected at
// least once since Start — used by the /readyz probe.
func (r *Registry) AllConnectedOnce() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.nodes {
		e.mu.RLock()
		seen := e.rec.LastHeartbeat.After(time.Time{})
		e.mu.RUnlock()
		if !seen {
			return false
		}
	}
	return true
}

func (r *Registry) setLinkState(id string, st model.LinkState) {
	r.mu.RLock()
	e, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	prev := e.rec.LinkState
	e.rec.LinkState = st
	e.mu.Unlock()
	if prev == st {
		return
	}
	if r.mLinkState != nil {
		for _, s := range []model.LinkState{model.LinkConnecting, model.LinkConnected, model.LinkReconnecting, model.LinkDegraded, model.LinkOffline} {
			v := 0.0
			if s == st {
				v = 1.0
			}
			r.mLinkState.Set(v, id, string(s))
		}
	}
	if r.log != nil {
		r.log.InfoCtx(context.Background(), "node link state changed", "node_id", id, "state", string(st))
	}
	if r.linkObs != nil {
		r.linkObs.OnLinkChange(id, st)
	}
}

func (r *Registry) touchHeartbeat(id string, at time.Time) {
	r.mu.RLock()
	e, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.rec.LastHeartbeat = at
	e.mu.Unlock()
}

func (r *Registry) setReconnectAttempt(id string, n int) {
	r.mu.RLock()
	e, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.rec.ReconnectAttempt = n
	e.mu.Unlock()
}

func (r *Registry) setLatestSample(id string, s model.TelemetrySample) {
	r.mu.RLock()
	e, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.rec.Latest = &s
	if s.BreakerState != "" {
		if e.rec.BreakerStates == nil {
			e.rec.BreakerStates = make(map[string]model.BreakerState)
		}
		e.rec.BreakerStates["BRK-01"] = s.BreakerState
	}
	e.mu.Unlock()
}

// describeNode fetches the static descriptor for a node id.
func (r *Registry) describeNode(id string) (model.NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[id]
	if !ok {
		return model.NodeDescriptor{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec.Descriptor, true
}

func controlAddr(d model.NodeDescriptor) string {
	return fmt.Sprintf("%s:%d", d.NodeIP, d.ControlPort)
}
