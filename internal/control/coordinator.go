// Package control implements the Select-Before-Operate breaker-command
// coordinator: a two-phase protocol serialized per (node_id,
// breaker_id) by a sharded lock-map, the same pattern the alarm engine
// uses for its (node_id, code) table.
package control

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"scadamaster/internal/clock"
	"scadamaster/internal/fanout"
	"scadamaster/internal/model"
	"scadamaster/internal/obs/logging"
	"scadamaster/internal/protocol"
)

// ArmingWindow is the default SBO deadline.
const ArmingWindow = 10 * time.Second

// SweepInterval is the expiry sweeper's cadence.
const SweepInterval = time.Second

const shardCount = 16

// NodeInfo resolves link state for the Select connectivity check.
type NodeInfo interface {
	GetNode(id string) (model.NodeRuntimeRecord, error)
}

// Dispatcher sends a Command to a node's control-channel and awaits the
// correlated Reply, bounded by ctx; the Registry satisfies this.
type Dispatcher interface {
	SendCommand(ctx context.Context, nodeID string, payload protocol.CommandPayload) (protocol.ReplyPayload, error)
}

// Auditor records one audit entry per mutating call.
type Auditor interface {
	RecordAudit(entry model.AuditEntry)
}

// Coordinator owns the SBO session table.
type Coordinator struct {
	nodes     NodeInfo
	dispatch  Dispatcher
	bus       *fanout.Bus
	auditor   Auditor
	log       logging.Logger
	clock     clock.Clock

	shards []*shard
	mask   uint64

	mu   sync.RWMutex
	byID map[string]*entry
}

type shard struct {
	mu    sync.Mutex
	armed map[nodeBreaker]string // -> session_id of the currently armed session
}

type nodeBreaker struct {
	nodeID, breakerID string
}

type entry struct {
	mu      sync.Mutex
	session model.SBOSession
}

// New builds a Coordinator.
func New(nodes NodeInfo, dispatch Dispatcher, bus *fanout.Bus, auditor Auditor, log logging.Logger) *Coordinator {
	c := &Coordinator{nodes: nodes, dispatch: dispatch, bus: bus, auditor: auditor, log: log, clock: clock.Real(), byID: make(map[string]*entry)}
	c.shards = make([]*shard, shardCount)
	for i := range c.shards {
		c.shards[i] = &shard{armed: make(map[nodeBreaker]string)}
	}
	c.mask = uint64(shardCount - 1)
	return c
}

func (c *Coordinator) WithClock(cl clock.Clock) *Coordinator {
	if cl != nil {
		c.clock = cl
	}
	return c
}

func (c *Coordinator) shardFor(nodeID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return c.shards[uint64(h.Sum32())&c.mask]
}

// Select arms a new SBO session. Permission checking
// (control.breaker) is performed by the HTTP layer's auth gate before
// Select is called; Select itself enforces only the domain invariants:
// node connectivity and single-armed-session-per-breaker.
func (c *Coordinator) Select(ctx context.Context, nodeID, breakerID string, action model.BreakerAction, operator, reason string) (model.SBOSession, error) {
	rec, err := c.nodes.GetNode(nodeID)
	if err != nil {
		return model.SBOSession{}, model.NewError(model.KindValidation, "unknown node", err)
	}
	if rec.LinkState != model.LinkConnected {
		return model.SBOSession{}, model.NewError(model.KindUnavailable, "target node is not connected", model.ErrNodeNotConnected)
	}

	nb := nodeBreaker{nodeID, breakerID}
	sh := c.shardFor(nodeID)

	sh.mu.Lock()
	for {
		existingID, armed := sh.armed[nb]
		if !armed {
			break
		}
		// Recheck after retiring: a concurrent Select may have armed a
		// fresh session while the shard lock was released.
		sh.mu.Unlock()
		if !c.expireIfPast(existingID) {
			return model.SBOSession{}, model.NewError(model.KindConflict, "a session is already armed for this breaker", model.ErrAlreadyArmed)
		}
		sh.mu.Lock()
	}

	now := c.clock.Now()
	session := model.SBOSession{
		SessionID: uuid.NewString(),
		Operator:  operator,
		NodeID:    nodeID,
		BreakerID: breakerID,
		Action:    action,
		Reason:    reason,
		State:     model.SBOArmed,
		ArmedAt:   now,
		Deadline:  now.Add(ArmingWindow),
	}
	sh.armed[nb] = session.SessionID
	sh.mu.Unlock()

	e := &entry{session: session}
	c.mu.Lock()
	c.byID[session.SessionID] = e
	c.mu.Unlock()

	c.audit(operator, "sbo.select", fmt.Sprintf("%s/%s", nodeID, breakerID), model.AuditSuccess, map[string]any{"action": string(action), "reason": reason})
	return session, nil
}

// expireIfPast checks whether the currently-armed session for a key has
// already passed its deadline and, if so, retires it so Select can
// proceed. Returns true if it retired a stale entry.
func (c *Coordinator) expireIfPast(sessionID string) bool {
	c.mu.RLock()
	e, ok := c.byID[sessionID]
	c.mu.RUnlock()
	if !ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.State != model.SBOArmed {
		return true
	}
	if c.clock.Now().Before(e.session.Deadline) {
		return false
	}
	e.session.State = model.SBOExpired
	c.retireArmed(e.session.NodeID, e.session.BreakerID, sessionID)
	c.audit(e.session.Operator, "sbo.expire", fmt.Sprintf("%s/%s", e.session.NodeID, e.session.BreakerID), model.AuditSuccess, nil)
	return true
}

func (c *Coordinator) retireArmed(nodeID, breakerID, sessionID string) {
	sh := c.shardFor(nodeID)
	sh.mu.Lock()
	nb := nodeBreaker{nodeID, breakerID}
	if sh.armed[nb] == sessionID {
		delete(sh.armed, nb)
	}
	sh.mu.Unlock()
}

// Operate executes phase 2. The RTU receives at most one SboOperate per
// session because the session is flipped out of Armed under the entry's
// lock before the RTU dispatch happens; a concurrent duplicate Operate
// call observes the non-Armed state and is rejected without ever
// reaching the dispatcher.
func (c *Coordinator) Operate(ctx context.Context, sessionID, operator string) (model.SBOSession, error) {
	c.mu.RLock()
	e, ok := c.byID[sessionID]
	c.mu.RUnlock()
	if !ok {
		return model.SBOSession{}, model.NewError(model.KindValidation, "unknown session", model.ErrSessionNotFound)
	}

	e.mu.Lock()
	if e.session.State != model.SBOArmed {
		state := e.session.State
		session := e.session
		e.mu.Unlock()
		if state == model.SBOExpired {
			// The background sweeper retired the session first; the
			// caller's failed operate still gets its own audit trail.
			c.audit(operator, "sbo.operate", fmt.Sprintf("%s/%s", session.NodeID, session.BreakerID), model.AuditFailure, map[string]any{"reason": "expired"})
			return model.SBOSession{}, model.NewError(model.KindConflict, "session expired", model.ErrSessionExpired)
		}
		return model.SBOSession{}, model.NewError(model.KindConflict, "session is not armed", model.ErrSessionNotArmed)
	}
	if c.clock.Now().After(e.session.Deadline) {
		e.session.State = model.SBOExpired
		session := e.session
		e.mu.Unlock()
		c.retireArmed(session.NodeID, session.BreakerID, sessionID)
		c.audit(operator, "sbo.operate", fmt.Sprintf("%s/%s", session.NodeID, session.BreakerID), model.AuditFailure, map[string]any{"reason": "expired"})
		return model.SBOSession{}, model.NewError(model.KindConflict, "session expired", model.ErrSessionExpired)
	}
	if e.session.Operator != operator {
		e.mu.Unlock()
		return model.SBOSession{}, model.NewError(model.KindConflict, "session armed by a different operator", model.ErrSessionOperatorMismatch)
	}
	session := e.session
	e.session.State = model.SBOOperated
	e.mu.Unlock()
	c.retireArmed(session.NodeID, session.BreakerID, sessionID)

	start := c.clock.Now()
	reply, dispatchErr := c.dispatch.SendCommand(ctx, session.NodeID, protocol.CommandPayload{
		Name: protocol.CommandSboOperate, NodeID: session.NodeID, BreakerID: session.BreakerID, Action: string(session.Action),
	})
	elapsedMS := c.clock.Now().Sub(start).Milliseconds()

	e.mu.Lock()
	if dispatchErr != nil || !reply.OK {
		e.session.Result = model.ResultFailure
		e.session.ResponseMS = elapsedMS
		final := e.session
		e.mu.Unlock()
		c.audit(operator, "sbo.operate", fmt.Sprintf("%s/%s", session.NodeID, session.BreakerID), model.AuditFailure, map[string]any{"error": errString(dispatchErr)})
		if dispatchErr != nil {
			return final, dispatchErr
		}
		return final, model.NewError(model.KindInternal, "rtu rejected operate", nil)
	}
	e.session.Result = model.ResultSuccess
	e.session.NewBreaker = model.BreakerState(reply.NewBreakerState)
	e.session.ResponseMS = elapsedMS
	final := e.session
	e.mu.Unlock()

	c.audit(operator, "sbo.operate", fmt.Sprintf("%s/%s", session.NodeID, session.BreakerID), model.AuditSuccess, map[string]any{"new_breaker_state": final.NewBreaker})
	return final, nil
}

// Cancel flips Armed -> Cancelled; a no-op in terminal states.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, operator string) error {
	c.mu.RLock()
	e, ok := c.byID[sessionID]
	c.mu.RUnlock()
	if !ok {
		return model.NewError(model.KindValidation, "unknown session", model.ErrSessionNotFound)
	}
	e.mu.Lock()
	if e.session.State != model.SBOArmed {
		e.mu.Unlock()
		return nil
	}
	e.session.State = model.SBOCancelled
	session := e.session
	e.mu.Unlock()
	c.retireArmed(session.NodeID, session.BreakerID, sessionID)
	c.audit(operator, "sbo.cancel", fmt.Sprintf("%s/%s", session.NodeID, session.BreakerID), model.AuditSuccess, nil)
	return nil
}

// Session returns a session by id.
func (c *Coordinator) Session(sessionID string) (model.SBOSession, error) {
	c.mu.RLock()
	e, ok := c.byID[sessionID]
	c.mu.RUnlock()
	if !ok {
		return model.SBOSession{}, model.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, nil
}

// RunExpirySweeper transitions any Armed session past its deadline to
// Expired every SweepInterval, until ctx is cancelled.
func (c *Coordinator) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Coordinator) sweepExpired() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	now := c.clock.Now()
	for _, id := range ids {
		c.mu.RLock()
		e := c.byID[id]
		c.mu.RUnlock()
		e.mu.Lock()
		if e.session.State == model.SBOArmed && now.After(e.session.Deadline) {
			e.session.State = model.SBOExpired
			session := e.session
			e.mu.Unlock()
			c.retireArmed(session.NodeID, session.BreakerID, id)
			c.audit(session.Operator, "sbo.expire", fmt.Sprintf("%s/%s", session.NodeID, session.BreakerID), model.AuditSuccess, nil)
			continue
		}
		e.mu.Unlock()
	}
}

func (c *Coordinator) audit(operator, action, resource string, result model.AuditResult, details map[string]any) {
	if c.auditor == nil {
		return
	}
	c.auditor.RecordAudit(model.AuditEntry{
		LogID:     uuid.NewString(),
		Operator:  operator,
		Action:    action,
		Resource:  resource,
		After:     details,
		Result:    result,
		Timestamp: c.clock.Now(),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
