// Package wsapi implements the dashboard WebSocket surface. Each client
// subscribes directly to the fan-out bus's own bounded,
// slow-consumer-aware Subscription rather than re-implementing a hub;
// the write pump and control-frame handling follow the usual
// gorilla/websocket client-pump shape.
package wsapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"scadamaster/internal/alarm"
	"scadamaster/internal/auth"
	"scadamaster/internal/fanout"
	"scadamaster/internal/model"
	"scadamaster/internal/obs/logging"
	"scadamaster/internal/registry"
	"scadamaster/internal/security"
	"scadamaster/internal/telemetry"
)

// A client that cannot absorb a write within WriteDeadline is treated
// as a slow consumer and disconnected; HeartbeatInterval matches the
// 5 s heartbeat the Master publishes on the bus.
const (
	WriteDeadline     = 10 * time.Second
	HeartbeatInterval = 5 * time.Second
	QueueSize         = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts WebSocket connections at /ws/grid.
type Server struct {
	bus        *fanout.Bus
	nodes      *registry.Registry
	aggregator *telemetry.Aggregator
	alarms     *alarm.Engine
	security   *security.Engine
	auth       *auth.Engine
	log        logging.Logger
}

// New builds a Server.
func New(bus *fanout.Bus, nodes *registry.Registry, aggregator *telemetry.Aggregator, alarms *alarm.Engine, sec *security.Engine, authEngine *auth.Engine, log logging.Logger) *Server {
	return &Server{bus: bus, nodes: nodes, aggregator: aggregator, alarms: alarms, security: sec, auth: authEngine, log: log}
}

// Handler returns the /ws/grid http.Handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if _, err := s.auth.VerifyToken(token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.WarnCtx(r.Context(), "ws upgrade failed", "error", err.Error())
		}
		return
	}

	sub := s.bus.Subscribe(QueueSize)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer s.bus.Unsubscribe(sub)
	defer conn.Close()

	if err := s.sendFullStateSnapshot(conn); err != nil {
		return
	}

	go readPump(conn, cancel)
	s.writePump(ctx, conn, sub)
}

func (s *Server) sendFullStateSnapshot(conn *websocket.Conn) error {
	nodeMap := make(map[string]model.NodeRuntimeRecord)
	for _, n := range s.nodes.ListNodes() {
		nodeMap[n.Descriptor.NodeID] = n
	}
	snapshot := model.FullStateSnapshot{
		Grid:       s.aggregator.Latest(),
		Nodes:      nodeMap,
		OpenAlarms: s.alarms.ActiveAlarms(),
	}
	if s.security != nil {
		snapshot.SecuritySummary = s.security.Summary()
	}
	msg := model.Message{Type: model.MsgFullStateSnapshot, At: time.Now(), Data: snapshot}
	_ = conn.SetWriteDeadline(time.Now().Add(WriteDeadline))
	return conn.WriteJSON(msg)
}

// readPump exists only to process control frames (pong, close); the
// client never sends application data. It exits (and cancels ctx) on
// any read error, which is how a client-initiated close is detected.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, sub fanout.Subscription) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.write(conn, model.Message{Type: model.MsgHeartbeat, At: time.Now()}) {
				return
			}
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if !s.write(conn, msg) {
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msg model.Message) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(WriteDeadline))
	if err := conn.WriteJSON(msg); err != nil {
		if s.log != nil {
			s.log.WarnCtx(context.Background(), "ws write failed, closing", "error", err.Error())
		}
		return false
	}
	return true
}
