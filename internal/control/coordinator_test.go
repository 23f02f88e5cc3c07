package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scadamaster/internal/clock"
	"scadamaster/internal/model"
	"scadamaster/internal/protocol"
)

type fakeNodes struct{ state model.LinkState }

func (f *fakeNodes) GetNode(id string) (model.NodeRuntimeRecord, error) {
	return model.NodeRuntimeRecord{Descriptor: model.NodeDescriptor{NodeID: id}, LinkState: f.state}, nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	reply protocol.ReplyPayload
	err   error
}

func (d *fakeDispatcher) SendCommand(ctx context.Context, nodeID string, payload protocol.CommandPayload) (protocol.ReplyPayload, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.reply, d.err
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestSelectThenOperateHappyPath(t *testing.T) {
	dispatcher := &fakeDispatcher{reply: protocol.ReplyPayload{OK: true, NewBreakerState: "Open"}}
	c := New(&fakeNodes{state: model.LinkConnected}, dispatcher, nil, nil, nil)

	session, err := c.Select(context.Background(), "SUB-001", "BRK-01", model.ActionOpen, "operator", "maintenance")
	require.NoError(t, err)
	assert.Equal(t, model.SBOArmed, session.State)

	result, err := c.Operate(context.Background(), session.SessionID, "operator")
	require.NoError(t, err)
	assert.Equal(t, model.SBOOperated, result.State)
	assert.Equal(t, model.ResultSuccess, result.Result)
	assert.Equal(t, model.BreakerState("Open"), result.NewBreaker)
	assert.Equal(t, 1, dispatcher.count())
}

func TestSBOUniquenessRejectsSecondSelect(t *testing.T) {
	c := New(&fakeNodes{state: model.LinkConnected}, &fakeDispatcher{}, nil, nil, nil)
	_, err := c.Select(context.Background(), "SUB-001", "BRK-01", model.ActionOpen, "alice", "r1")
	require.NoError(t, err)

	_, err = c.Select(context.Background(), "SUB-001", "BRK-01", model.ActionOpen, "bob", "r2")
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestOperateAfterDeadlineReturnsConflictAndNeverDispatches(t *testing.T) {
	fc := clock.NewFake(time.Now())
	dispatcher := &fakeDispatcher{reply: protocol.ReplyPayload{OK: true}}
	c := New(&fakeNodes{state: model.LinkConnected}, dispatcher, nil, nil, nil).WithClock(fc)

	session, err := c.Select(context.Background(), "SUB-001", "BRK-01", model.ActionOpen, "operator", "r")
	require.NoError(t, err)

	fc.Advance(ArmingWindow + time.Millisecond)
	_, err = c.Operate(context.Background(), session.SessionID, "operator")
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
	assert.Equal(t, 0, dispatcher.count(), "an expired session must never reach the RTU dispatcher")
}

func TestOperateJustBeforeDeadlineSucceeds(t *testing.T) {
	fc := clock.NewFake(time.Now())
	dispatcher := &fakeDispatcher{reply: protocol.ReplyPayload{OK: true, NewBreakerState: "Open"}}
	c := New(&fakeNodes{state: model.LinkConnected}, dispatcher, nil, nil, nil).WithClock(fc)

	session, err := c.Select(context.Background(), "SUB-001", "BRK-01", model.ActionOpen, "operator", "r")
	require.NoError(t, err)

	fc.Advance(ArmingWindow - time.Millisecond)
	result, err := c.Operate(context.Background(), session.SessionID, "operator")
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result.Result)
}

func TestDuplicateOperateIsRejectedLocallyAndNotForwarded(t *testing.T) {
	dispatcher := &fakeDispatcher{reply: protocol.ReplyPayload{OK: true, NewBreakerState: "Open"}}
	c := New(&fakeNodes{state: model.LinkConnected}, dispatcher, nil, nil, nil)

	session, err := c.Select(context.Background(), "SUB-001", "BRK-01", model.ActionOpen, "operator", "r")
	require.NoError(t, err)

	_, err = c.Operate(context.Background(), session.SessionID, "operator")
	require.NoError(t, err)
	assert.Equal(t, 1, dispatcher.count())

	_, err = c.Operate(context.Background(), session.SessionID, "operator")
	require.Error(t, err)
	assert.Equal(t, 1, dispatcher.count(), "a second Operate on an already-Operated session must not reach the RTU")
}

func TestOperateRejectsOperatorMismatch(t *testing.T) {
	c := New(&fakeNodes{state: model.LinkConnected}, &fakeDispatcher{}, nil, nil, nil)
	session, err := c.Select(context.Background(), "SUB-001", "BRK-01", model.ActionOpen, "alice", "r")
	require.NoError(t, err)

	_, err = c.Operate(context.Background(), session.SessionID, "mallory")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSessionOperatorMismatch)
}

func TestCancelIsNoOpInTerminalState(t *testing.T) {
	dispatcher := &fakeDispatcher{reply: protocol.ReplyPayload{OK: true}}
	c := New(&fakeNodes{state: model.LinkConnected}, dispatcher, nil, nil, nil)
	session, err := c.Select(context.Background(), "SUB-001", "BRK-01", model.ActionOpen, "operator", "r")
	require.NoError(t, err)
	_, err = c.Operate(context.Background(), session.SessionID, "operator")
	require.NoError(t, err)

	require.NoError(t, c.Cancel(context.Background(), session.SessionID, "operator"))
	final, err := c.Session(session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SBOOperated, final.State, "cancel must not override a terminal state")
}

func TestSelectRejectsWhenNodeNotConnected(t *testing.T) {
	c := New(&fakeNodes{state: model.LinkOffline}, &fakeDispatcher{}, nil, nil, nil)
	_, err := c.Select(context.Background(), "SUB-001", "BRK-01", model.ActionOpen, "operator", "r")
	require.Error(t, err)
	assert.Equal(t, model.KindUnavailable, model.KindOf(err))
}

func TestExpirySweeperTransitionsArmedPastDeadline(t *testing.T) {
	fc := clock.NewFake(time.Now())
	auditor := &recordingAuditor{}
	c := New(&fakeNodes{state: model.LinkConnected}, &fakeDispatcher{}, nil, auditor, nil).WithClock(fc)
	session, err := c.Select(context.Background(), "SUB-001", "BRK-01", model.ActionOpen, "operator", "r")
	require.NoError(t, err)

	fc.Advance(ArmingWindow + time.Second)
	c.sweepExpired()

	final, err := c.Session(session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SBOExpired, final.State)
}

func TestOperateAfterSweeperExpiryAuditsOperateFailure(t *testing.T) {
	fc := clock.NewFake(time.Now())
	auditor := &recordingAuditor{}
	dispatcher := &fakeDispatcher{}
	c := New(&fakeNodes{state: model.LinkConnected}, dispatcher, nil, auditor, nil).WithClock(fc)

	session, err := c.Select(context.Background(), "SUB-001", "BRK-01", model.ActionOpen, "operator", "r")
	require.NoError(t, err)

	// the background sweeper retires the session before the operator's
	// call arrives.
	fc.Advance(ArmingWindow + time.Second)
	c.sweepExpired()

	_, err = c.Operate(context.Background(), session.SessionID, "operator")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSessionExpired)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
	assert.Equal(t, 0, dispatcher.count())

	auditor.mu.Lock()
	defer auditor.mu.Unlock()
	found := false
	for _, entry := range auditor.entries {
		if entry.Action == "sbo.operate" && entry.Result == model.AuditFailure {
			found = true
		}
	}
	assert.True(t, found, "operate on a sweeper-expired session must leave an sbo.operate failure audit entry")
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (r *recordingAuditor) RecordAudit(e model.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}
