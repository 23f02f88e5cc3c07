package rtu

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scadamaster/internal/catalogue"
	"scadamaster/internal/clock"
	"scadamaster/internal/model"
	"scadamaster/internal/protocol"
)

func testConfig() catalogue.RTUConfig {
	return catalogue.RTUConfig{
		Descriptor: model.NodeDescriptor{
			NodeID: "GEN-001", Kind: model.NodeGeneration,
			CapacityMW: 500, NominalVoltageKV: 230,
			ControlPort: 0, ModbusPort: 0, IEC104Port: 0,
		},
		SamplingCadence: 10 * time.Millisecond,
		LocalBufferCap:  100,
	}
}

func startRuntime(t *testing.T, cfg catalogue.RTUConfig) (*Runtime, context.Context) {
	t.Helper()
	rt := New(cfg, nil, clock.Real())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rt.Run(ctx)
	return rt, ctx
}

func dialControl(t *testing.T, rt *Runtime, ctx context.Context) net.Conn {
	t.Helper()
	addrCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	addr, err := rt.Addr(addrCtx)
	require.NoError(t, err)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return conn
}

func TestControlChannelHandshakeSendsHello(t *testing.T) {
	rt, ctx := startRuntime(t, testConfig())
	conn := dialControl(t, rt, ctx)
	defer conn.Close()

	r := protocol.NewReader(conn)
	f, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.KindHello, f.Kind)

	var hello protocol.HelloPayload
	require.NoError(t, protocol.Decode(f, &hello))
	require.Equal(t, "GEN-001", hello.NodeID)
	require.Equal(t, protocol.ProtocolVersion, hello.ProtoVer)
}

func TestSboOperateCommandRepliesWithNewBreakerState(t *testing.T) {
	rt, ctx := startRuntime(t, testConfig())
	conn := dialControl(t, rt, ctx)
	defer conn.Close()

	r := protocol.NewReader(conn)
	_, err := r.ReadFrame() // Hello
	require.NoError(t, err)

	w := protocol.NewWriter(conn)
	cmd := protocol.CommandPayload{Name: protocol.CommandSboOperate, NodeID: "GEN-001", BreakerID: "BRK-01", Action: "open"}
	frame, err := protocol.Encode(protocol.KindCommand, "req-1", cmd)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(frame))

	// The BreakerChanged Event frame precedes the Reply.
	ev, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.KindEvent, ev.Kind)

	reply, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.KindReply, reply.Kind)
	require.Equal(t, "req-1", reply.RequestID)

	var payload protocol.ReplyPayload
	require.NoError(t, protocol.Decode(reply, &payload))
	require.True(t, payload.OK)
	require.Equal(t, "Open", payload.NewBreakerState)
}

func TestIsolateCommandOpensAllBreakers(t *testing.T) {
	rt, ctx := startRuntime(t, testConfig())
	conn := dialControl(t, rt, ctx)
	defer conn.Close()

	r := protocol.NewReader(conn)
	_, err := r.ReadFrame() // Hello
	require.NoError(t, err)

	w := protocol.NewWriter(conn)
	cmd := protocol.CommandPayload{Name: protocol.CommandIsolate, NodeID: "GEN-001", Action: "maintenance"}
	frame, err := protocol.Encode(protocol.KindCommand, "req-2", cmd)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(frame))

	// An Event frame (breaker change) should precede the Reply.
	f, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.KindEvent, f.Kind)

	reply, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.KindReply, reply.Kind)
	require.Equal(t, "req-2", reply.RequestID)
}

func TestSecondControlConnectionSupersedesFirst(t *testing.T) {
	rt, ctx := startRuntime(t, testConfig())

	first := dialControl(t, rt, ctx)
	defer first.Close()
	r1 := protocol.NewReader(first)
	_, err := r1.ReadFrame() // Hello
	require.NoError(t, err)

	second := dialControl(t, rt, ctx)
	defer second.Close()
	r2 := protocol.NewReader(second)
	_, err = r2.ReadFrame() // Hello
	require.NoError(t, err)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = r1.ReadFrame()
	require.Error(t, err)
}

func TestBufferedSamplesDrainOnConnect(t *testing.T) {
	cfg := testConfig()
	cfg.SamplingCadence = 5 * time.Millisecond
	rt, ctx := startRuntime(t, cfg)

	time.Sleep(60 * time.Millisecond) // accumulate samples with nobody connected

	conn := dialControl(t, rt, ctx)
	defer conn.Close()

	r := protocol.NewReader(conn)
	seenTelemetry := false
	for i := 0; i < 5; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := r.ReadFrame()
		require.NoError(t, err)
		if f.Kind == protocol.KindTelemetry || f.Kind == protocol.KindSnapshot {
			seenTelemetry = true
			break
		}
	}
	require.True(t, seenTelemetry, "expected a buffered sample to drain after connect")
}

func TestLocalBufferDropsOldestBeyondCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.LocalBufferCap = 3
	rt := New(cfg, nil, clock.Real())

	for i := 0; i < 5; i++ {
		rt.sampleOnce()
	}

	rt.bufMu.Lock()
	defer rt.bufMu.Unlock()
	require.Len(t, rt.buffer, 3)
	require.EqualValues(t, 2, rt.buffer[0].Seq)
	require.EqualValues(t, 4, rt.buffer[2].Seq)
}

func TestNaNReadingSubstitutesLastGoodAndMarksSuspect(t *testing.T) {
	rt := New(testConfig(), nil, clock.Real())

	good := 50.0
	rt.last = model.TelemetrySample{FrequencyHz: &good}
	rt.haveLast = true

	nan := math.NaN()
	sample := model.TelemetrySample{FrequencyHz: &nan, Quality: model.QualityGood}
	fixed := rt.substituteNaN(sample)

	require.Equal(t, model.QualitySuspect, fixed.Quality)
	require.Equal(t, 50.0, *fixed.FrequencyHz)
}

func TestNaNWithNoPriorSampleSubstitutesZero(t *testing.T) {
	rt := New(testConfig(), nil, clock.Real())

	nan := math.NaN()
	sample := model.TelemetrySample{VoltageKV: &nan}
	fixed := rt.substituteNaN(sample)

	require.Equal(t, model.QualitySuspect, fixed.Quality)
	require.Equal(t, 0.0, *fixed.VoltageKV)
}
