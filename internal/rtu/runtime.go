package rtu

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"scadamaster/internal/catalogue"
	"scadamaster/internal/clock"
	"scadamaster/internal/model"
	"scadamaster/internal/obs/logging"
	"scadamaster/internal/protocol"
)

// HeartbeatInterval is the RTU-initiated heartbeat cadence on the
// control-channel; either direction may send one.
const HeartbeatInterval = 5 * time.Second

// drainInterval is how often the writer checks the local buffer for
// samples to push once a control-channel is active.
const drainInterval = 50 * time.Millisecond

// Runtime simulates one RTU: a physics walk, a telemetry sampler
// feeding a bounded local buffer, a server for the Master's inbound
// control-channel (exactly one long-lived bidirectional channel at a
// time), and decorative Modbus/IEC-104 listeners.
type Runtime struct {
	cfg   catalogue.RTUConfig
	log   logging.Logger
	clock clock.Clock
	sim   *Simulator

	primaryBreaker string
	breakerMu      sync.Mutex
	breakers       map[string]model.BreakerState

	blockMu    sync.Mutex
	blockedIPs map[string]struct{}

	bufMu    sync.Mutex
	buffer   []model.TelemetrySample
	seq      uint64
	last     model.TelemetrySample
	haveLast bool

	connMu sync.Mutex
	conn   *rtuConn

	addrMu sync.Mutex
	addr   string
	addrCh chan struct{}
}

// New builds a Runtime. clk defaults to the real wall clock if nil.
func New(cfg catalogue.RTUConfig, log logging.Logger, clk clock.Clock) *Runtime {
	if clk == nil {
		clk = clock.Real()
	}
	seed := clk.Now().UnixNano()
	for _, c := range cfg.Descriptor.NodeID {
		seed += int64(c)
	}
	return &Runtime{
		cfg:            cfg,
		log:            log,
		clock:          clk,
		sim:            NewSimulator(cfg.Descriptor, rand.New(rand.NewSource(seed))),
		primaryBreaker: "BRK-01",
		breakers:       map[string]model.BreakerState{"BRK-01": model.BreakerClosed},
		blockedIPs:     make(map[string]struct{}),
		addrCh:         make(chan struct{}),
	}
}

// Run starts the control-channel server, the decorative protocol
// listeners, and the telemetry sampler. It blocks until ctx is
// cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- rt.runControlListener(ctx) }()
	go rt.runSampler(ctx)

	modbus := newProtocolListener(rt.cfg, model.ProtoModbus, rt.cfg.Descriptor.ModbusPort, rt, rt.log)
	iec := newProtocolListener(rt.cfg, model.ProtoIEC104, rt.cfg.Descriptor.IEC104Port, rt, rt.log)
	go modbus.run(ctx)
	go iec.run(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Addr blocks until the control-channel listener has bound and returns
// its address. Production callers never need this (the listen address
// is fixed by the descriptor); it exists so tests can bind an ephemeral
// port and still dial it.
func (rt *Runtime) Addr(ctx context.Context) (string, error) {
	select {
	case <-rt.addrCh:
		rt.addrMu.Lock()
		defer rt.addrMu.Unlock()
		return rt.addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (rt *Runtime) runControlListener(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rt.cfg.Descriptor.ControlPort))
	if err != nil {
		return fmt.Errorf("rtu: listen control channel: %w", err)
	}
	rt.addrMu.Lock()
	rt.addr = ln.Addr().String()
	rt.addrMu.Unlock()
	close(rt.addrCh)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		go rt.acceptControlConn(ctx, conn)
	}
}

// acceptControlConn installs conn as the active control-channel,
// superseding whatever was active before it: the older connection is
// closed; no close code is sent on it.
func (rt *Runtime) acceptControlConn(ctx context.Context, conn net.Conn) {
	rc := &rtuConn{conn: conn, w: protocol.NewWriter(conn), closed: make(chan struct{})}

	rt.connMu.Lock()
	old := rt.conn
	rt.conn = rc
	rt.connMu.Unlock()
	if old != nil {
		old.close()
		if rt.log != nil {
			rt.log.InfoCtx(ctx, "control channel superseded", "node_id", rt.cfg.Descriptor.NodeID)
		}
	}

	hello, err := protocol.Encode(protocol.KindHello, "", protocol.HelloPayload{
		NodeID: rt.cfg.Descriptor.NodeID, Kind: string(rt.cfg.Descriptor.Kind), ProtoVer: protocol.ProtocolVersion,
	})
	if err == nil {
		rc.write(hello)
	}
	if snap, ok := rt.snapshotFrame(); ok {
		rc.write(snap)
	}

	connCtx, cancel := context.WithCancel(ctx)
	go rt.runWriter(connCtx, rc)

	rt.runReader(connCtx, rc)

	cancel()
	rc.close()
	rt.connMu.Lock()
	if rt.conn == rc {
		rt.conn = nil
	}
	rt.connMu.Unlock()
}

// snapshotFrame is the post-accept resync push the registry's supervisor
// expects (see registry's handshake comment): a Snapshot frame carrying
// the most recent sample, so the Master resets its sequence expectation
// for this node.
func (rt *Runtime) snapshotFrame() (protocol.Frame, bool) {
	rt.bufMu.Lock()
	last := rt.last
	have := rt.haveLast
	rt.bufMu.Unlock()
	if !have {
		return protocol.Frame{}, false
	}
	last.NodeID = rt.cfg.Descriptor.NodeID
	f, err := protocol.Encode(protocol.KindSnapshot, "", last)
	if err != nil {
		return protocol.Frame{}, false
	}
	return f, true
}

func (rt *Runtime) runReader(ctx context.Context, rc *rtuConn) {
	r := protocol.NewReader(rc.conn)
	for {
		if ctx.Err() != nil {
			return
		}
		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		if f.Kind == protocol.KindCommand {
			rt.handleCommand(rc, f)
		}
	}
}

func (rt *Runtime) handleCommand(rc *rtuConn, f protocol.Frame) {
	var cmd protocol.CommandPayload
	if err := protocol.Decode(f, &cmd); err != nil {
		return
	}
	start := rt.clock.Now()
	reply := protocol.ReplyPayload{OK: true}

	switch cmd.Name {
	case protocol.CommandSboOperate:
		reply.NewBreakerState = string(rt.operate(cmd.BreakerID, cmd.Action))
	case protocol.CommandIsolate:
		rt.isolateAll()
	case protocol.CommandBlock:
		rt.blockIP(cmd.ClientIP)
	case protocol.CommandPing:
		// no state change; OK reply is enough.
	default:
		reply.OK = false
		reply.Error = fmt.Sprintf("rtu: unsupported command %s", cmd.Name)
	}
	reply.ResponseTimeMS = rt.clock.Now().Sub(start).Milliseconds()

	frame, err := protocol.Encode(protocol.KindReply, f.RequestID, reply)
	if err != nil {
		return
	}
	rc.write(frame)
}

func (rt *Runtime) operate(breakerID, action string) model.BreakerState {
	state := model.BreakerClosed
	if model.BreakerAction(action) == model.ActionOpen {
		state = model.BreakerOpen
	}
	rt.breakerMu.Lock()
	if breakerID == "" {
		breakerID = rt.primaryBreaker
	}
	rt.breakers[breakerID] = state
	rt.breakerMu.Unlock()
	rt.emitBreakerEvent(breakerID, state)
	return state
}

func (rt *Runtime) isolateAll() {
	rt.breakerMu.Lock()
	ids := make([]string, 0, len(rt.breakers))
	for id := range rt.breakers {
		rt.breakers[id] = model.BreakerOpen
		ids = append(ids, id)
	}
	rt.breakerMu.Unlock()
	for _, id := range ids {
		rt.emitBreakerEvent(id, model.BreakerOpen)
	}
}

func (rt *Runtime) emitBreakerEvent(breakerID string, state model.BreakerState) {
	rt.connMu.Lock()
	rc := rt.conn
	rt.connMu.Unlock()
	if rc == nil {
		return
	}
	payload := protocol.EventPayload{
		NodeID: rt.cfg.Descriptor.NodeID, Kind: "BreakerChanged",
		BreakerID: breakerID, State: string(state), At: rt.clock.Now(),
	}
	frame, err := protocol.Encode(protocol.KindEvent, "", payload)
	if err != nil {
		return
	}
	rc.write(frame)
}

// blockIP adds ip to the refuse list consulted by every protocol
// listener: the Master's block command makes the RTU drop and refuse
// further connections from that IP.
func (rt *Runtime) blockIP(ip string) {
	if ip == "" {
		return
	}
	rt.blockMu.Lock()
	rt.blockedIPs[ip] = struct{}{}
	rt.blockMu.Unlock()
}

func (rt *Runtime) isBlocked(ip string) bool {
	rt.blockMu.Lock()
	defer rt.blockMu.Unlock()
	_, blocked := rt.blockedIPs[ip]
	return blocked
}

// reportConnection satisfies the reporter interface for the decorative
// protocol listeners: every accept and close becomes a ConnectionReport
// frame pushed over the active control-channel, if any.
func (rt *Runtime) reportConnection(rec model.ConnectionRecord) {
	rec.NodeID = rt.cfg.Descriptor.NodeID
	rt.connMu.Lock()
	rc := rt.conn
	rt.connMu.Unlock()
	if rc == nil {
		return
	}
	frame, err := protocol.Encode(protocol.KindConnectionReport, "", rec)
	if err != nil {
		return
	}
	rc.write(frame)
}

func (rt *Runtime) runWriter(ctx context.Context, rc *rtuConn) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()
	drain := time.NewTicker(drainInterval)
	defer drain.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rc.closed:
			return
		case <-heartbeat.C:
			frame, err := protocol.Encode(protocol.KindHeartbeat, "", struct{}{})
			if err == nil {
				rc.write(frame)
			}
		case <-drain.C:
			for rt.drainOne(rc) {
			}
		}
	}
}

// drainOne pops and sends the oldest buffered sample. The timestamp was
// already stamped at sample time, so a reconnect drain delivers each
// sample with its original timestamp in FIFO order. Returns false once
// the buffer is empty or a write fails.
func (rt *Runtime) drainOne(rc *rtuConn) bool {
	rt.bufMu.Lock()
	if len(rt.buffer) == 0 {
		rt.bufMu.Unlock()
		return false
	}
	sample := rt.buffer[0]
	rt.buffer = rt.buffer[1:]
	rt.bufMu.Unlock()

	frame, err := protocol.Encode(protocol.KindTelemetry, "", sample)
	if err != nil {
		return false
	}
	return rc.write(frame)
}

func (rt *Runtime) runSampler(ctx context.Context) {
	cadence := rt.cfg.SamplingCadence
	if cadence <= 0 {
		cadence = time.Second
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.sampleOnce()
		}
	}
}

// sampleOnce advances the physics walk, substitutes any NaN reading,
// and appends the result to the bounded local buffer, dropping oldest
// on overflow.
func (rt *Runtime) sampleOnce() {
	rt.bufMu.Lock()
	seq := rt.seq
	rt.seq++
	rt.bufMu.Unlock()

	sample := rt.sim.Next(rt.clock.Now())
	sample = rt.substituteNaN(sample)
	sample.NodeID = rt.cfg.Descriptor.NodeID
	sample.Seq = seq
	sample.Timestamp = rt.clock.Now()

	rt.breakerMu.Lock()
	sample.BreakerState = rt.breakers[rt.primaryBreaker]
	rt.breakerMu.Unlock()

	capacity := rt.cfg.LocalBufferCap
	if capacity <= 0 {
		capacity = 3600
	}
	rt.bufMu.Lock()
	rt.last = sample
	rt.haveLast = true
	rt.buffer = append(rt.buffer, sample)
	if len(rt.buffer) > capacity {
		rt.buffer = rt.buffer[len(rt.buffer)-capacity:]
	}
	rt.bufMu.Unlock()
}

// substituteNaN replaces any NaN numeric field with the corresponding
// field from the last good sample (zero if there isn't one yet) and
// flags the result Suspect.
func (rt *Runtime) substituteNaN(s model.TelemetrySample) model.TelemetrySample {
	rt.bufMu.Lock()
	last := rt.last
	haveLast := rt.haveLast
	rt.bufMu.Unlock()

	suspect := false
	fix := func(v, prior *float64) *float64 {
		if v == nil || !math.IsNaN(*v) {
			return v
		}
		suspect = true
		if haveLast && prior != nil {
			cp := *prior
			return &cp
		}
		return ptr(0)
	}

	s.VoltageKV = fix(s.VoltageKV, last.VoltageKV)
	s.CurrentA = fix(s.CurrentA, last.CurrentA)
	s.ActivePowerMW = fix(s.ActivePowerMW, last.ActivePowerMW)
	s.ReactivePowerMVAr = fix(s.ReactivePowerMVAr, last.ReactivePowerMVAr)
	s.PowerFactor = fix(s.PowerFactor, last.PowerFactor)
	s.FrequencyHz = fix(s.FrequencyHz, last.FrequencyHz)
	s.TemperatureC = fix(s.TemperatureC, last.TemperatureC)
	s.EnergyDeliveredMWh = fix(s.EnergyDeliveredMWh, last.EnergyDeliveredMWh)

	if suspect {
		s.Quality = model.QualitySuspect
	}
	return s
}

// rtuConn is the RTU side of the active control-channel: a single
// writer lock guarding frame writes from every goroutine that sends on
// it, mirroring the registry supervisor's own activeConn.
type rtuConn struct {
	conn      net.Conn
	w         *protocol.Writer
	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (rc *rtuConn) write(f protocol.Frame) bool {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	select {
	case <-rc.closed:
		return false
	default:
	}
	if err := rc.w.WriteFrame(f); err != nil {
		rc.close()
		return false
	}
	return true
}

func (rc *rtuConn) close() {
	rc.closeOnce.Do(func() {
		rc.conn.Close()
		close(rc.closed)
	})
}
