package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scadamaster/internal/catalogue"
	"scadamaster/internal/fanout"
	"scadamaster/internal/model"
	"scadamaster/internal/protocol"
)

type fakeBroadcaster struct{ commands int }

func (f *fakeBroadcaster) SendCommand(ctx context.Context, nodeID string, payload protocol.CommandPayload) (protocol.ReplyPayload, error) {
	f.commands++
	return protocol.ReplyPayload{OK: true}, nil
}
func (f *fakeBroadcaster) ListNodes() []model.NodeRuntimeRecord {
	return []model.NodeRuntimeRecord{{Descriptor: model.NodeDescriptor{NodeID: "GEN-001"}, LinkState: model.LinkConnected}}
}

func TestUnknownConnectionClassification(t *testing.T) {
	bus := fanout.New(nil, nil)
	sub := bus.Subscribe(8)
	e := New([]catalogue.AllowEntry{{ClientIP: "10.0.0.1", Protocol: "Modbus"}}, &fakeBroadcaster{}, bus, nil, nil)

	e.OnConnectionReport(model.ConnectionRecord{NodeID: "GEN-001", ClientIP: "203.0.113.9", Protocol: model.ProtoModbus, ConnectedAt: time.Now()})

	summary := e.Summary()
	assert.Equal(t, 1, summary.Unknown)
	assert.Equal(t, 0, summary.Authorised)

	select {
	case msg := <-sub.C():
		assert.Equal(t, model.MsgUnknownConnection, msg.Type)
	default:
		t.Fatal("expected an UnknownConnection message on the bus")
	}
}

func TestAuthorisedConnectionFromAllowList(t *testing.T) {
	e := New([]catalogue.AllowEntry{{ClientIP: "10.0.0.1", Protocol: "Modbus"}}, &fakeBroadcaster{}, nil, nil, nil)
	e.OnConnectionReport(model.ConnectionRecord{NodeID: "GEN-001", ClientIP: "10.0.0.1", Protocol: model.ProtoModbus, ConnectedAt: time.Now()})
	summary := e.Summary()
	assert.Equal(t, 1, summary.Authorised)
	assert.Equal(t, 0, summary.Unknown)
}

func TestUnknownConnectionReportedOnce(t *testing.T) {
	bus := fanout.New(nil, nil)
	sub := bus.Subscribe(8)
	e := New(nil, &fakeBroadcaster{}, bus, nil, nil)

	rec := model.ConnectionRecord{NodeID: "GEN-001", ClientIP: "203.0.113.9", Protocol: model.ProtoModbus, ConnectedAt: time.Now()}
	e.OnConnectionReport(rec)
	e.OnConnectionReport(rec)

	count := 0
	for {
		select {
		case <-sub.C():
			count++
		default:
			assert.Equal(t, 2, count, "one UnknownConnection + one SecurityEvent, not duplicated on the second identical report")
			return
		}
	}
}

func TestBlockIsIdempotent(t *testing.T) {
	broadcaster := &fakeBroadcaster{}
	e := New(nil, broadcaster, nil, nil, nil)
	require.NoError(t, e.Block(context.Background(), "203.0.113.9", "admin"))
	require.NoError(t, e.Block(context.Background(), "203.0.113.9", "admin"))
	assert.Equal(t, 1, broadcaster.commands, "a repeated block must not re-dispatch to every node")
}
