// Package server exposes the HTTP control surface and the bidirectional
// /ws stream endpoint on top of the session registry and dispatcher.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bifrost-sync/bifrost/internal/dispatch"
	"github.com/bifrost-sync/bifrost/internal/ir"
	"github.com/bifrost-sync/bifrost/internal/metrics"
	"github.com/bifrost-sync/bifrost/internal/protocol"
	"github.com/bifrost-sync/bifrost/internal/resolver"
	"github.com/bifrost-sync/bifrost/internal/session"
	"github.com/gorilla/websocket"
)

// ConnectGraceWindow bounds how long a freshly upgraded stream has to send
// its first connect frame before the server gives up and closes it.
const ConnectGraceWindow = 5 * time.Second

// Server wires the session registry and dispatcher to HTTP.
type Server struct {
	registry       *session.Registry
	dispatcher     *dispatch.Dispatcher
	allowedOrigins map[string]bool

	resolver *resolver.Resolver
	metrics  *metrics.Metrics
}

// New builds a Server. allowedOrigins may be empty, in which case only
// same-host and loopback origins are accepted, matching the teacher's
// default-deny-cross-origin posture.
func New(registry *session.Registry, dispatcher *dispatch.Dispatcher, allowedOrigins []string) *Server {
	s := &Server{registry: registry, dispatcher: dispatcher, allowedOrigins: make(map[string]bool)}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			s.allowedOrigins[trimmed] = true
		}
	}
	return s
}

// SetResolver attaches the conflict resolver backing /conflicts. Without
// one, the conflict routes report 503.
func (s *Server) SetResolver(r *resolver.Resolver) {
	s.resolver = r
}

// SetMetrics attaches a metrics collector. m may be nil, in which case
// observations are no-ops.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetupRoutes registers every control-surface and stream route on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/session/new", s.handleSessionNew)
	mux.HandleFunc("/session/", s.handleSessionRoutes)
	mux.HandleFunc("/send/", s.handleSend)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/conflicts", s.handleConflictsList)
	mux.HandleFunc("/conflicts/", s.handleConflictResolve)
	mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"sessions":     stats.SessionCount,
		"totalDevices": stats.TotalDevices,
	})
}

func (s *Server) handleSessionNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := s.registry.CreateSession()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"sessionId": sess.ID,
		"wsUrl":     "/ws?session=" + url.QueryEscape(sess.ID),
		"expiresAt": sess.ExpiresAt(),
	})
}

// handleSessionRoutes dispatches /session/{id}, /session/{id}/health and
// /session/{id}/extend.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/session/")
	parts := strings.SplitN(path, "/", 2)
	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleSessionSummary(w, id)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleSessionDelete(w, id)
	case len(parts) == 2 && parts[1] == "health" && r.Method == http.MethodGet:
		s.handleSessionHealth(w, id)
	case len(parts) == 2 && parts[1] == "extend" && r.Method == http.MethodPost:
		s.handleSessionExtend(w, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, id string) {
	summary, err := s.registry.SessionSummary(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSessionHealth(w http.ResponseWriter, id string) {
	summary, err := s.registry.SessionSummary(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	healthy, unhealthy := 0, 0
	for _, d := range summary.Devices {
		if d.Healthy {
			healthy++
		} else {
			unhealthy++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":   healthy,
		"unhealthy": unhealthy,
		"devices":   summary.Devices,
	})
}

func (s *Server) handleSessionExtend(w http.ResponseWriter, id string) {
	if err := s.registry.ExtendSession(id); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	sess, _ := s.registry.GetSession(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"expiresAt": sess.ExpiresAt()})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, id string) {
	if ok := s.registry.DeleteSession(id); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/send/"))
	if err != nil || id == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if _, ok := s.registry.GetSession(id); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var body ir.Document
	if err := json.Unmarshal(data, &body); err != nil {
		http.Error(w, "malformed ir document", http.StatusBadRequest)
		return
	}

	s.dispatcher.PushUpdateImmediate(id, body, false)

	sess, _ := s.registry.GetSession(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"clientsUpdated": sess.DeviceCount(),
		"updateType":     "full",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

// handleConflictsList returns every conflict still awaiting a resolution
// choice.
func (s *Server) handleConflictsList(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		http.Error(w, "conflict resolution not configured", http.StatusServiceUnavailable)
		return
	}
	unresolved, err := s.resolver.Unresolved()
	if err != nil {
		http.Error(w, "read conflicts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, unresolved)
}

// resolveRequest is the body of a POST /conflicts/{id}/resolve call.
type resolveRequest struct {
	Choice string `json:"choice"`
}

// handleConflictResolve applies an operator's resolution choice
// (use-A/use-B/manual-merge/skip) to a pending conflict.
func (s *Server) handleConflictResolve(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		http.Error(w, "conflict resolution not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/conflicts/")
	parts := strings.SplitN(path, "/", 2)
	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" || len(parts) != 2 || parts[1] != "resolve" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	rec, ok, err := s.resolver.Get(id)
	if err != nil {
		http.Error(w, "read conflict", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "conflict not found", http.StatusNotFound)
		return
	}

	choice := resolver.Choice(req.Choice)
	if err := s.resolver.Resolve(r.Context(), rec, choice); err != nil {
		if errors.Is(err, resolver.ErrUnknownChoice) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "resolve conflict", http.StatusInternalServerError)
		return
	}

	s.metrics.RecordConflictResolved(string(choice))
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "choice": choice})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	sess, ok := s.registry.GetSession(sessionID)

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: ws upgrade: %v", err)
		return
	}

	if sessionID == "" {
		closeRaw(conn, protocol.CloseSessionMismatch, "missing session id")
		return
	}
	if !ok {
		closeRaw(conn, protocol.CloseUnknownSession, "unknown session")
		return
	}
	if sess.Expired() {
		closeRaw(conn, protocol.CloseSessionExpired, "session expired")
		return
	}

	s.serveStream(sessionID, conn)
}

// serveStream runs the connect handshake and then pumps incoming frames
// for the life of the connection.
func (s *Server) serveStream(sessionID string, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(ConnectGraceWindow))
	_, data, err := conn.ReadMessage()
	if err != nil {
		closeRaw(conn, protocol.CloseNotAuthenticated, "no connect frame")
		return
	}
	conn.SetReadDeadline(time.Time{})

	frame, err := protocol.Decode(data)
	if err != nil || frame.Type != protocol.MsgConnect {
		closeRaw(conn, protocol.ClosePolicyViolation, "expected connect frame")
		return
	}
	if frame.SessionID != "" && frame.SessionID != sessionID {
		closeRaw(conn, protocol.CloseSessionMismatch, "session id mismatch")
		return
	}

	var payload protocol.ConnectPayload
	if err := protocol.DecodePayload(frame, &payload); err != nil {
		closeRaw(conn, protocol.ClosePolicyViolation, "malformed connect payload")
		return
	}

	if !protocol.CompatibleVersion(payload.ClientVersion) {
		errData, _ := protocol.Encode(protocol.MsgError, sessionID, protocol.ErrorPayload{
			Code:     "unsupported-version",
			Message:  fmt.Sprintf("server protocol version %s incompatible with client %s", protocol.ProtocolVersion, payload.ClientVersion),
			Severity: protocol.SeverityFatal,
		})
		conn.WriteMessage(websocket.TextMessage, errData)
		closeRaw(conn, protocol.CloseUnsupportedVersion, "unsupported protocol version")
		return
	}

	sess, dc, err := s.registry.AdmitDevice(sessionID, conn, session.ConnectInfo{
		DeviceID:      payload.DeviceID,
		Platform:      payload.Platform,
		DeviceName:    payload.DeviceName,
		ClientVersion: payload.ClientVersion,
	})
	if err != nil {
		switch err {
		case session.ErrSessionExpired:
			closeRaw(conn, protocol.CloseSessionExpired, "session expired")
		default:
			closeRaw(conn, protocol.CloseUnknownSession, "unknown session")
		}
		return
	}

	connectedData, err := protocol.Encode(protocol.MsgConnected, sessionID, protocol.ConnectedPayload{
		ConnectionID:  dc.ConnectionID,
		InitialSchema: sess.CurrentIR(),
	})
	if err == nil {
		dc.Enqueue(connectedData)
	}

	if sess.CurrentIR() != nil {
		if err := s.dispatcher.SendReconnectSnapshot(sessionID, dc.ConnectionID); err != nil {
			log.Printf("server: reconnect snapshot for %s/%s: %v", sessionID, dc.ConnectionID, err)
		}
	}

	s.readLoop(sessionID, dc, conn)
}

// readLoop handles ping/ack frames from an admitted device until the
// stream closes.
func (s *Server) readLoop(sessionID string, dc *session.DeviceConnection, conn *websocket.Conn) {
	defer s.registry.RemoveDevice(sessionID, dc.ConnectionID, 0, "")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch frame.Type {
		case protocol.MsgPing:
			s.registry.RecordPing(sessionID, dc.ConnectionID)
			pongData, err := protocol.Encode(protocol.MsgPong, sessionID, protocol.PongPayload{ServerTime: time.Now()})
			if err == nil {
				dc.Enqueue(pongData)
			}
		case protocol.MsgAck:
			var ack protocol.AckPayload
			if err := protocol.DecodePayload(frame, &ack); err == nil {
				s.registry.RecordAck(sessionID, dc.ConnectionID, ack.SequenceNumber)
			}
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) > 0 {
		return s.allowedOrigins[origin]
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	return host == "" || host == r.Host || strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1")
}

func closeRaw(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the HTTP server on addr, matching the teacher's
// top-level entry point shape.
func ListenAndServe(addr string, mux *http.ServeMux) error {
	log.Printf("server: listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
