// Package security implements the security engine: the shared
// allow-list, per-connection classification, and
// UnknownConnection/BlockIssued event emission.
package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"scadamaster/internal/catalogue"
	"scadamaster/internal/clock"
	"scadamaster/internal/fanout"
	"scadamaster/internal/model"
	"scadamaster/internal/obs/logging"
	"scadamaster/internal/protocol"
)

// RetentionWindow bounds how long a connection record is kept in the
// security console's view.
const RetentionWindow = 24 * time.Hour

// Broadcaster sends a Command to every node's control-channel; the
// Registry satisfies this by iterating its node list.
type Broadcaster interface {
	SendCommand(ctx context.Context, nodeID string, payload protocol.CommandPayload) (protocol.ReplyPayload, error)
	ListNodes() []model.NodeRuntimeRecord
}

// Auditor records one audit entry per admin action (block).
type Auditor interface {
	RecordAudit(entry model.AuditEntry)
}

// Engine owns the allow-list and the bounded connections view.
type Engine struct {
	dispatch Broadcaster
	bus      *fanout.Bus
	auditor  Auditor
	log      logging.Logger
	clock    clock.Clock

	mu        sync.Mutex
	allowList map[allowKey]struct{}
	conns     map[connKey]*model.ConnectionRecord
	blocked   map[string]struct{}
	reported  map[connKey]struct{} // dedup: one UnknownConnection event per connection
}

type allowKey struct {
	ip       string
	protocol model.Protocol
}

type connKey struct {
	nodeID, ip   string
	port         int
	protocol     model.Protocol
	connectedAt  time.Time
}

// New builds an Engine with the allow-list seeded from the catalogue's
// entries; no address is authorised unless it is listed there.
func New(entries []catalogue.AllowEntry, dispatch Broadcaster, bus *fanout.Bus, auditor Auditor, log logging.Logger) *Engine {
	e := &Engine{
		dispatch:  dispatch,
		bus:       bus,
		auditor:   auditor,
		log:       log,
		clock:     clock.Real(),
		allowList: make(map[allowKey]struct{}, len(entries)),
		conns:     make(map[connKey]*model.ConnectionRecord),
		blocked:   make(map[string]struct{}),
		reported:  make(map[connKey]struct{}),
	}
	for _, en := range entries {
		e.allowList[allowKey{ip: en.ClientIP, protocol: model.Protocol(en.Protocol)}] = struct{}{}
	}
	return e
}

// Allow adds an (ip, protocol) pair to the allow-list at runtime.
func (e *Engine) Allow(ip string, protocol model.Protocol) {
	e.mu.Lock()
	e.allowList[allowKey{ip: ip, protocol: protocol}] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) classify(ip string, protocol model.Protocol) model.ConnectionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, blocked := e.blocked[ip]; blocked {
		return model.StatusUnknown
	}
	if _, ok := e.allowList[allowKey{ip: ip, protocol: protocol}]; ok {
		return model.StatusAuthorised
	}
	return model.StatusUnknown
}

// OnConnectionReport ingests one connection report from an RTU
// (registry.ConnectionObserver). Classification is computed here rather
// than trusted from the report, so an allow-list change is honored
// immediately for any connection reported after the change.
func (e *Engine) OnConnectionReport(rec model.ConnectionRecord) {
	rec.Status = e.classify(rec.ClientIP, rec.Protocol)

	k := connKey{nodeID: rec.NodeID, ip: rec.ClientIP, port: rec.ClientPort, protocol: rec.Protocol, connectedAt: rec.ConnectedAt}
	e.mu.Lock()
	cp := rec
	e.conns[k] = &cp
	_, alreadyReported := e.reported[k]
	if rec.Status == model.StatusUnknown && !alreadyReported {
		e.reported[k] = struct{}{}
	}
	e.mu.Unlock()

	if rec.Status == model.StatusUnknown && !alreadyReported {
		e.emitUnknownConnection(rec)
	}
}

func (e *Engine) emitUnknownConnection(rec model.ConnectionRecord) {
	ev := model.SecurityEvent{
		EventID:     uuid.NewString(),
		Type:        model.EventUnknownConnection,
		Severity:    model.SeverityWarning,
		NodeID:      rec.NodeID,
		ClientIP:    rec.ClientIP,
		Description: fmt.Sprintf("unauthorised %s connection from %s to %s", rec.Protocol, rec.ClientIP, rec.NodeID),
		RaisedAt:    e.clock.Now(),
		Metadata:    map[string]any{"client_port": rec.ClientPort},
	}
	if e.bus != nil {
		e.bus.Publish(model.Message{Type: model.MsgUnknownConnection, At: ev.RaisedAt, Data: map[string]any{"connection": rec}})
		e.bus.Publish(model.Message{Type: model.MsgSecurityEvent, At: ev.RaisedAt, Data: ev})
	}
	if e.log != nil {
		e.log.WarnCtx(context.Background(), "unknown connection", "node_id", rec.NodeID, "client_ip", rec.ClientIP, "protocol", string(rec.Protocol))
	}
}

// EmitPermissionDenied is called by the auth gate on a 403.
func (e *Engine) EmitPermissionDenied(operator, action string) {
	ev := model.SecurityEvent{
		EventID:     uuid.NewString(),
		Type:        model.EventPermissionDenied,
		Severity:    model.SeverityWarning,
		Description: fmt.Sprintf("%s denied permission for %s", operator, action),
		RaisedAt:    e.clock.Now(),
	}
	if e.bus != nil {
		e.bus.Publish(model.Message{Type: model.MsgSecurityEvent, At: ev.RaisedAt, Data: ev})
	}
}

// EmitAuthFailure is called by the auth gate on a failed login.
func (e *Engine) EmitAuthFailure(username string) {
	ev := model.SecurityEvent{
		EventID:     uuid.NewString(),
		Type:        model.EventAuthFailure,
		Severity:    model.SeverityWarning,
		Description: fmt.Sprintf("authentication failure for %s", username),
		RaisedAt:    e.clock.Now(),
	}
	if e.bus != nil {
		e.bus.Publish(model.Message{Type: model.MsgSecurityEvent, At: ev.RaisedAt, Data: ev})
	}
}

// Block instructs every node to drop and refuse further connections
// from clientIP. Idempotent: a repeated block for an already
// blocked IP is a no-op.
func (e *Engine) Block(ctx context.Context, clientIP, operator string) error {
	e.mu.Lock()
	if _, already := e.blocked[clientIP]; already {
		e.mu.Unlock()
		return nil
	}
	e.blocked[clientIP] = struct{}{}
	e.mu.Unlock()

	if e.dispatch != nil {
		for _, rec := range e.dispatch.ListNodes() {
			if rec.LinkState != model.LinkConnected && rec.LinkState != model.LinkDegraded {
				continue
			}
			_, _ = e.dispatch.SendCommand(ctx, rec.Descriptor.NodeID, protocol.CommandPayload{
				Name: protocol.CommandBlock, NodeID: rec.Descriptor.NodeID, ClientIP: clientIP,
			})
		}
	}

	ev := model.SecurityEvent{
		EventID:     uuid.NewString(),
		Type:        model.EventBlockIssued,
		Severity:    model.SeverityWarning,
		ClientIP:    clientIP,
		Description: fmt.Sprintf("%s blocked %s", operator, clientIP),
		RaisedAt:    e.clock.Now(),
	}
	if e.bus != nil {
		e.bus.Publish(model.Message{Type: model.MsgSecurityEvent, At: ev.RaisedAt, Data: ev})
	}
	if e.auditor != nil {
		e.auditor.RecordAudit(model.AuditEntry{
			LogID: uuid.NewString(), Operator: operator, Action: "security.block",
			Resource: clientIP, Result: model.AuditSuccess, Timestamp: e.clock.Now(),
		})
	}
	return nil
}

// Summary returns the security console's rolled-up counters
// (GET /security/connections, FullStateSnapshot).
func (e *Engine) Summary() model.SecuritySummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	summary := model.SecuritySummary{ByNode: make(map[string]int)}
	now := e.clock.Now()
	for k, rec := range e.conns {
		if now.Sub(k.connectedAt) > RetentionWindow {
			continue
		}
		if rec.Status == model.StatusAuthorised {
			summary.Authorised++
		} else {
			summary.Unknown++
			summary.ByNode[rec.NodeID]++
		}
	}
	return summary
}

// Connections returns every tracked connection record within the
// retention window.
func (e *Engine) Connections() []model.ConnectionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	out := make([]model.ConnectionRecord, 0, len(e.conns))
	for k, rec := range e.conns {
		if now.Sub(k.connectedAt) > RetentionWindow {
			continue
		}
		out = append(out, *rec)
	}
	return out
}
