// Package httpapi implements the Master's REST surface on a bare
// http.ServeMux with Go 1.22 pattern routing; a surface this size does
// not need a router framework.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"scadamaster/internal/alarm"
	"scadamaster/internal/auth"
	"scadamaster/internal/control"
	"scadamaster/internal/model"
	"scadamaster/internal/obs/logging"
	"scadamaster/internal/protocol"
	"scadamaster/internal/registry"
	"scadamaster/internal/security"
	"scadamaster/internal/telemetry"
)

// contextKey avoids collisions on the request context.
type contextKey string

const claimsContextKey contextKey = "claims"

// Server wires every REST endpoint onto one *http.ServeMux.
type Server struct {
	mux *http.ServeMux

	nodes      *registry.Registry
	store      *telemetry.Store
	aggregator *telemetry.Aggregator
	alarms     *alarm.Engine
	control    *control.Coordinator
	security   *security.Engine
	auth       *auth.Engine
	log        logging.Logger

	metricsHandler http.Handler
	draining       atomic.Bool
}

// New builds a Server and registers every route.
func New(nodes *registry.Registry, store *telemetry.Store, aggregator *telemetry.Aggregator, alarms *alarm.Engine, ctrl *control.Coordinator, sec *security.Engine, authEngine *auth.Engine, metricsHandler http.Handler, log logging.Logger) *Server {
	s := &Server{
		mux: http.NewServeMux(), nodes: nodes, store: store, aggregator: aggregator,
		alarms: alarms, control: ctrl, security: sec, auth: authEngine, log: log,
		metricsHandler: metricsHandler,
	}
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

// SetDraining forces /readyz to report unready, used by the bootstrap's
// shutdown sequence so load balancers stop routing new requests before
// the registry and historian actually tear down.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if s.metricsHandler != nil {
		s.mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)

	s.mux.HandleFunc("GET /grid/overview", s.guard(auth.PermReadGrid, s.handleGridOverview))
	s.mux.HandleFunc("GET /nodes", s.guard(auth.PermReadNodes, s.handleListNodes))
	s.mux.HandleFunc("GET /nodes/{id}", s.guard(auth.PermReadNodes, s.handleGetNode))
	s.mux.HandleFunc("GET /nodes/{id}/telemetry", s.guard(auth.PermReadNodes, s.handleNodeTelemetry))

	s.mux.HandleFunc("GET /alarms/active", s.guard(auth.PermReadAlarms, s.handleActiveAlarms))
	s.mux.HandleFunc("POST /alarms/{id}/acknowledge", s.guard(auth.PermAcknowledge, s.handleAcknowledge))

	s.mux.HandleFunc("POST /control/breaker/select", s.guard(auth.PermSBOSelect, s.handleSelect))
	s.mux.HandleFunc("POST /control/breaker/operate", s.guard(auth.PermSBOOperate, s.handleOperate))
	s.mux.HandleFunc("POST /control/breaker/cancel", s.guard(auth.PermSBOCancel, s.handleCancel))
	s.mux.HandleFunc("POST /control/isolation/{node_id}", s.guard(auth.PermIsolateNode, s.handleIsolate))

	s.mux.HandleFunc("GET /security/connections", s.guard(auth.PermViewSecurity, s.handleSecurityConnections))
	s.mux.HandleFunc("POST /security/block", s.guard(auth.PermBlockIP, s.handleSecurityBlock))
	s.mux.HandleFunc("GET /security/audit", s.guard(auth.PermViewAudit, s.handleAudit))
}

// ---- envelope helpers ----

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}
type errorBody struct {
	Kind    model.ErrorKind `json:"kind"`
	Message string          `json:"message"`
	Details map[string]any  `json:"details,omitempty"`
}

func statusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.KindAuthFailure:
		return http.StatusUnauthorized
	case model.KindPermissionDenied:
		return http.StatusForbidden
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindConflict:
		return http.StatusConflict
	case model.KindUnavailable:
		return http.StatusServiceUnavailable
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	writeJSON(w, statusForKind(kind), errorEnvelope{Error: errorBody{Kind: kind, Message: err.Error()}})
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{Kind: model.KindValidation, Message: message}})
}

// recoverMiddleware traps a panicking handler so one bad request never
// takes down the process; the caller sees a plain 500.
func (s *Server) recoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if s.log != nil {
					s.log.ErrorCtx(r.Context(), "panic in handler", "recovered", rec, "path", r.URL.Path)
				}
				writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{Kind: model.KindInternal, Message: "internal error"}})
			}
		}()
		next(w, r)
	}
}

// guard wraps a handler with bearer-token authorisation, requiring
// permission, and recovers from panics.
func (s *Server) guard(permission auth.Permission, next func(http.ResponseWriter, *http.Request, auth.Claims)) http.HandlerFunc {
	return s.recoverMiddleware(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, model.NewError(model.KindAuthFailure, "missing bearer token", nil))
			return
		}
		claims, err := s.auth.Authorise(r.Context(), token, permission, r.Method+" "+r.URL.Path, r.URL.Path)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, claims)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// ---- handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected, offline := 0, 0
	for _, n := range s.nodes.ListNodes() {
		switch n.LinkState {
		case model.LinkConnected:
			connected++
		case model.LinkOffline:
			offline++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy", "nodes_connected": connected, "nodes_offline": offline,
	})
}

// handleReady reports 503 until the registry has completed its first
// connection pass over every node, and again once the bootstrap starts
// draining for shutdown.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() || !s.nodes.AllConnectedOnce() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeStrict(r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeValidationError(w, "username and password are required")
		return
	}
	token, expires, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token, "token_type": "bearer", "expires_in": expires,
	})
}

func (s *Server) handleGridOverview(w http.ResponseWriter, r *http.Request, _ auth.Claims) {
	writeJSON(w, http.StatusOK, s.aggregator.Latest())
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request, _ auth.Claims) {
	nodes := s.nodes.ListNodes()
	for i := range nodes {
		nodes[i].Latest = nil
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request, _ auth.Claims) {
	id := r.PathValue("id")
	rec, err := s.nodes.GetNode(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleNodeTelemetry(w http.ResponseWriter, r *http.Request, _ auth.Claims) {
	id := r.PathValue("id")
	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var from, to time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeValidationError(w, "from must be RFC3339")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeValidationError(w, "to must be RFC3339")
			return
		}
		to = t
	}
	samples, err := s.store.Query(id, from, to, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleActiveAlarms(w http.ResponseWriter, r *http.Request, _ auth.Claims) {
	writeJSON(w, http.StatusOK, s.alarms.ActiveAlarms())
}

type acknowledgeRequest struct {
	OperatorID string `json:"operator_id"`
	Comment    string `json:"comment"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	id := r.PathValue("id")
	var req acknowledgeRequest
	if err := decodeStrict(r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	operator := req.OperatorID
	if operator == "" {
		operator = claims.Subject
	}
	if _, err := s.alarms.Acknowledge(id, operator, req.Comment); err != nil {
		writeError(w, err)
		return
	}
	s.auth.RecordAudit(model.AuditEntry{Operator: operator, Action: "alarm.acknowledge", Resource: id, Result: model.AuditSuccess})
	w.WriteHeader(http.StatusNoContent)
}

type selectRequest struct {
	NodeID     string `json:"node_id"`
	BreakerID  string `json:"breaker_id"`
	Action     string `json:"action"`
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var req selectRequest
	if err := decodeStrict(r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	if req.NodeID == "" || req.BreakerID == "" || req.Action == "" {
		writeValidationError(w, "node_id, breaker_id, and action are required")
		return
	}
	operator := req.OperatorID
	if operator == "" {
		operator = claims.Subject
	}
	session, err := s.control.Select(r.Context(), req.NodeID, req.BreakerID, model.BreakerAction(req.Action), operator, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.SessionID, "expires_at": session.Deadline,
		"time_remaining_s": time.Until(session.Deadline).Seconds(),
	})
}

type operateRequest struct {
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
}

func (s *Server) handleOperate(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var req operateRequest
	if err := decodeStrict(r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	if req.SessionID == "" {
		writeValidationError(w, "session_id is required")
		return
	}
	operator := req.OperatorID
	if operator == "" {
		operator = claims.Subject
	}
	session, err := s.control.Operate(r.Context(), req.SessionID, operator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": session.Result, "new_breaker_state": session.NewBreaker, "response_time_ms": session.ResponseMS,
	})
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var req cancelRequest
	if err := decodeStrict(r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	if req.SessionID == "" {
		writeValidationError(w, "session_id is required")
		return
	}
	if err := s.control.Cancel(r.Context(), req.SessionID, claims.Subject); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type isolateRequest struct {
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
}

func (s *Server) handleIsolate(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	nodeID := r.PathValue("node_id")
	var req isolateRequest
	if err := decodeStrict(r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	operator := req.OperatorID
	if operator == "" {
		operator = claims.Subject
	}
	if _, err := s.nodes.GetNode(nodeID); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), registry.CommandTimeout)
	defer cancel()
	if _, err := s.nodes.SendCommand(ctx, nodeID, isolateCommand(nodeID, operator, req.Reason)); err != nil {
		writeError(w, err)
		return
	}
	s.auth.RecordAudit(model.AuditEntry{Operator: operator, Action: "node.isolate", Resource: nodeID, Result: model.AuditSuccess})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSecurityConnections(w http.ResponseWriter, r *http.Request, _ auth.Claims) {
	writeJSON(w, http.StatusOK, s.security.Summary())
}

type blockRequest struct {
	ClientIP string `json:"client_ip"`
}

func (s *Server) handleSecurityBlock(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var req blockRequest
	if err := decodeStrict(r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	if req.ClientIP == "" {
		writeValidationError(w, "client_ip is required")
		return
	}
	if err := s.security.Block(r.Context(), req.ClientIP, claims.Subject); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, _ auth.Claims) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.auth.AuditLog(limit))
}

func isolateCommand(nodeID, operator, reason string) protocol.CommandPayload {
	return protocol.CommandPayload{Name: protocol.CommandIsolate, NodeID: nodeID, Action: reason}
}

// decodeStrict rejects request bodies carrying unknown JSON fields.
func decodeStrict(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}
