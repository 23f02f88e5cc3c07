package master

import (
	"scadamaster/internal/fanout"
	"scadamaster/internal/model"
)

// telemetryRelay is registry.TelemetryObserver: it fans one incoming
// sample out to the ring-buffer store, the alarm engine's threshold
// evaluators, and the fan-out bus, so the historian and any dashboard
// subscriber see the same TelemetryUpdate the store just ingested.
type telemetryRelay struct {
	store  telemetrySink
	alarms telemetrySink
	bus    *fanout.Bus
}

type telemetrySink interface {
	OnTelemetry(sample model.TelemetrySample)
}

func (r *telemetryRelay) OnTelemetry(sample model.TelemetrySample) {
	r.store.OnTelemetry(sample)
	if r.alarms != nil {
		r.alarms.OnTelemetry(sample)
	}
	if r.bus != nil {
		r.bus.Publish(model.Message{Type: model.MsgTelemetryUpdate, At: sample.Timestamp, Data: sample})
	}
}

// linkPublisher is registry.LinkObserver: it turns every link-state
// transition into a NodeStateChanged message on the fan-out bus.
type linkPublisher struct {
	bus *fanout.Bus
}

func (p *linkPublisher) OnLinkChange(nodeID string, state model.LinkState) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(model.Message{
		Type: model.MsgNodeStateChanged,
		Data: model.NodeStateChangedPayload{NodeID: nodeID, LinkState: state},
	})
}

// auditor is the narrow interface both control.Auditor and
// security.Auditor reduce to.
type auditor interface {
	RecordAudit(entry model.AuditEntry)
}

// multiAuditor forwards one RecordAudit call to both the auth engine's
// in-memory log (backing GET /security/audit) and the historian (durable
// persistence), so an SBO or security action shows up on the live audit
// endpoint and in the historian's audit_log table.
type multiAuditor struct {
	live      auditor
	historian auditor
}

func (m *multiAuditor) RecordAudit(entry model.AuditEntry) {
	if m.live != nil {
		m.live.RecordAudit(entry)
	}
	if m.historian != nil {
		m.historian.RecordAudit(entry)
	}
}

// securityNotifierProxy breaks the auth<->security construction cycle:
// auth.Engine needs a SecurityNotifier at construction time, but the
// security.Engine it would point to needs an Auditor that is itself
// partly backed by auth.Engine. The proxy is built first, handed to
// auth.New, and pointed at the real engine once security.New returns.
type securityNotifierProxy struct {
	eng securityNotifier
}

type securityNotifier interface {
	EmitAuthFailure(username string)
	EmitPermissionDenied(operator, action string)
}

func (p *securityNotifierProxy) EmitAuthFailure(username string) {
	if p.eng != nil {
		p.eng.EmitAuthFailure(username)
	}
}

func (p *securityNotifierProxy) EmitPermissionDenied(operator, action string) {
	if p.eng != nil {
		p.eng.EmitPermissionDenied(operator, action)
	}
}

