package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"scadamaster/internal/model"
	"scadamaster/internal/protocol"
)

// supervisor owns the bidirectional control-channel to exactly one
// node: one reader task per connection, with commands written by their
// callers under the connection's write lock.
type supervisor struct {
	nodeID string
	reg    *Registry
	rng    *rand.Rand

	mu     sync.Mutex
	active *activeConn
}

// activeConn is the live connection state: the request/reply
// correlation table and a write lock so concurrent commands never
// interleave their frame bytes.
type activeConn struct {
	conn     Conn
	w        *protocol.Writer
	writeMu  sync.Mutex
	pending  sync.Map // request_id -> chan protocol.ReplyPayload
	closed   chan struct{}
	closeErr sync.Once
}

func newSupervisor(id string, r *Registry, _ *entry) *supervisor {
	seed := time.Now().UnixNano()
	for _, c := range id {
		seed += int64(c)
	}
	return &supervisor{nodeID: id, reg: r, rng: rand.New(rand.NewSource(seed))}
}

// run is the supervised dial loop; it returns only when ctx is
// cancelled.
func (s *supervisor) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		s.reg.setLinkState(s.nodeID, model.LinkConnecting)
		desc, ok := s.reg.describeNode(s.nodeID)
		if !ok {
			return
		}
		conn, err := s.reg.dialer.DialContext(ctx, controlAddr(desc))
		if err != nil {
			attempt = s.backoffAndWait(ctx, attempt)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		// One buffered reader for the connection's whole lifetime: frames
		// the RTU pushes right behind its Hello must not be stranded in a
		// handshake-only buffer.
		fr := protocol.NewReader(conn)
		if err := s.handshake(conn, fr, desc); err != nil {
			conn.Close()
			attempt = s.backoffAndWait(ctx, attempt)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		attempt = 0
		s.reg.setReconnectAttempt(s.nodeID, 0)
		s.reg.touchHeartbeat(s.nodeID, time.Now())

		// Install the active connection before announcing Connected so a
		// command issued on seeing the transition cannot race the attach.
		ac := &activeConn{conn: conn, w: protocol.NewWriter(conn), closed: make(chan struct{})}
		s.mu.Lock()
		s.active = ac
		s.mu.Unlock()
		s.reg.setLinkState(s.nodeID, model.LinkConnected)

		s.runConnection(ctx, ac, fr)

		if ctx.Err() != nil {
			return
		}
		s.reg.setLinkState(s.nodeID, model.LinkReconnecting)
	}
}

func (s *supervisor) backoffAndWait(ctx context.Context, attempt int) int {
	attempt++
	s.reg.setReconnectAttempt(s.nodeID, attempt)
	s.reg.setLinkState(s.nodeID, model.LinkReconnecting)
	wait := fullJitter(attempt, InitialBackoff, MaxBackoff, func(n int64) int64 {
		if n <= 0 {
			return 0
		}
		return s.rng.Int63n(n)
	})
	select {
	case <-s.reg.clock.After(wait):
	case <-ctx.Done():
	}
	return attempt
}

// handshake reads the RTU's Hello frame and validates its protocol
// version. The RTU is expected to follow with a Snapshot frame, which
// runConnection treats as the post-reconnect resync — the full-snapshot
// request is implicit in the handshake itself, since every accept on
// the RTU side pushes one once the RTU has taken its first sample.
func (s *supervisor) handshake(conn Conn, r *protocol.Reader, desc model.NodeDescriptor) error {
	conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	f, err := r.ReadFrame()
	if err != nil {
		return fmt.Errorf("registry: handshake read: %w", err)
	}
	if f.Kind != protocol.KindHello {
		return fmt.Errorf("registry: expected Hello, got %s", f.Kind)
	}
	var hello protocol.HelloPayload
	if err := protocol.Decode(f, &hello); err != nil {
		return fmt.Errorf("registry: decode hello: %w", err)
	}
	if hello.NodeID != desc.NodeID {
		return fmt.Errorf("registry: hello node_id mismatch: want %s got %s", desc.NodeID, hello.NodeID)
	}
	if hello.ProtoVer != protocol.ProtocolVersion {
		return fmt.Errorf("registry: unsupported protocol version %d", hello.ProtoVer)
	}
	return nil
}

// runConnection reads frames until the connection closes or ctx is
// cancelled, dispatching each to the relevant observer in arrival order.
func (s *supervisor) runConnection(ctx context.Context, ac *activeConn, r *protocol.Reader) {
	go func() {
		select {
		case <-ctx.Done():
			ac.close()
		case <-ac.closed:
		}
	}()

	defer func() {
		s.mu.Lock()
		if s.active == ac {
			s.active = nil
		}
		s.mu.Unlock()
		ac.close()
	}()

	for {
		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		s.reg.touchHeartbeat(s.nodeID, time.Now())
		s.dispatch(f)
	}
}

func (s *supervisor) dispatch(f protocol.Frame) {
	switch f.Kind {
	case protocol.KindHeartbeat:
		// heartbeat touch already recorded by the caller.
	case protocol.KindSnapshot, protocol.KindTelemetry:
		var sample model.TelemetrySample
		if err := protocol.Decode(f, &sample); err != nil {
			return
		}
		s.reg.setLatestSample(s.nodeID, sample)
		if s.reg.telemetryObs != nil {
			s.reg.telemetryObs.OnTelemetry(sample)
		}
	case protocol.KindEvent:
		if s.reg.eventObs != nil {
			s.reg.eventObs.OnEvent(s.nodeID, string(f.Kind), f.Payload)
		}
	case protocol.KindConnectionReport:
		var rec model.ConnectionRecord
		if err := protocol.Decode(f, &rec); err != nil {
			return
		}
		if s.reg.connObs != nil {
			s.reg.connObs.OnConnectionReport(rec)
		}
	case protocol.KindReply:
		s.mu.Lock()
		ac := s.active
		s.mu.Unlock()
		if ac == nil {
			return
		}
		if ch, ok := ac.pending.LoadAndDelete(f.RequestID); ok {
			var reply protocol.ReplyPayload
			_ = protocol.Decode(f, &reply)
			ch.(chan protocol.ReplyPayload) <- reply
		}
	}
}

// sendCommand writes a Command frame and blocks for its correlated Reply,
// bounded by ctx and CommandTimeout.
func (s *supervisor) sendCommand(ctx context.Context, payload protocol.CommandPayload) (protocol.ReplyPayload, error) {
	s.mu.Lock()
	ac := s.active
	s.mu.Unlock()
	if ac == nil {
		return protocol.ReplyPayload{}, model.NewError(model.KindUnavailable, "target node is not connected", model.ErrNodeNotConnected)
	}

	requestID := uuid.NewString()
	frame, err := protocol.Encode(protocol.KindCommand, requestID, payload)
	if err != nil {
		return protocol.ReplyPayload{}, model.NewError(model.KindInternal, "encode command", err)
	}
	replyCh := make(chan protocol.ReplyPayload, 1)
	ac.pending.Store(requestID, replyCh)
	defer ac.pending.Delete(requestID)

	ac.writeMu.Lock()
	err = ac.w.WriteFrame(frame)
	ac.writeMu.Unlock()
	if err != nil {
		return protocol.ReplyPayload{}, model.NewError(model.KindUnavailable, "write command", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timeoutCtx.Done():
		return protocol.ReplyPayload{}, model.NewError(model.KindTimeout, "rtu did not reply within the command deadline", timeoutCtx.Err())
	}
}

func (s *supervisor) closeActive() {
	s.mu.Lock()
	ac := s.active
	s.mu.Unlock()
	if ac != nil {
		ac.close()
	}
}

func (ac *activeConn) close() {
	ac.closeErr.Do(func() {
		ac.conn.Close()
		close(ac.closed)
	})
}
