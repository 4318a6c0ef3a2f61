// Package router coordinates UI client connections: admission, the
// per-connection event state machine, and fan-out through rooms.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/amurg-ai/collab/hub/internal/auth"
	"github.com/amurg-ai/collab/hub/internal/health"
	"github.com/amurg-ai/collab/hub/internal/presence"
	"github.com/amurg-ai/collab/hub/internal/quota"
	"github.com/amurg-ai/collab/hub/internal/ratelimit"
	"github.com/amurg-ai/collab/hub/internal/room"
	"github.com/amurg-ai/collab/hub/internal/store"
	"github.com/amurg-ai/collab/hub/internal/validate"
	"github.com/amurg-ai/collab/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Components are the gates and state holders the router coordinates.
type Components struct {
	Quota     *quota.Tracker
	Limiter   *ratelimit.Limiter
	Validator *validate.Validator
	Presence  *presence.Tracker
}

// Options configures the Router.
type Options struct {
	AllowedOrigins      []string // for WebSocket origin check
	MaxFrameBytes       int64    // max WebSocket message size from clients (default 64KB)
	SendQueueSize       int      // outbound frames buffered per connection (default 256)
	PersistMessages     bool     // append admitted client messages to history
	HistoryDefaultLimit int      // default 50
	HistoryMaxLimit     int      // default 200
}

// Router owns every live client connection and runs the session state
// machine for each of them.
type Router struct {
	store        store.Store
	authProvider auth.Provider
	access       auth.AccessChecker
	history      History
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	quota     *quota.Tracker
	limiter   *ratelimit.Limiter
	validator *validate.Validator
	presence  *presence.Tracker
	rooms     *room.Registry

	maxFrameBytes  int64
	sendQueueSize  int
	persist        bool
	historyDefault int
	historyMax     int

	mu      sync.RWMutex
	clients map[string]*clientConn // conn_id -> conn

	// leaveMu orders room release against presence handoff.
	leaveMu sync.Mutex

	streamMu sync.Mutex
	streams  map[string]*agentStream // message_id -> accumulated output
}

// New creates a new Router. The store backs audit events, history and
// agent status; it may be nil in which case those are skipped.
func New(s store.Store, ap auth.Provider, access auth.AccessChecker, c Components, logger *slog.Logger, opts Options) *Router {
	if opts.MaxFrameBytes == 0 {
		opts.MaxFrameBytes = 64 * 1024 // 64KB default
	}
	if opts.SendQueueSize == 0 {
		opts.SendQueueSize = 256
	}
	if opts.HistoryDefaultLimit == 0 {
		opts.HistoryDefaultLimit = 50
	}
	if opts.HistoryMaxLimit == 0 {
		opts.HistoryMaxLimit = 200
	}

	r := &Router{
		store:          s,
		authProvider:   ap,
		access:         access,
		logger:         logger.With("component", "router"),
		upgrader:       makeUpgrader(opts.AllowedOrigins),
		quota:          c.Quota,
		limiter:        c.Limiter,
		validator:      c.Validator,
		presence:       c.Presence,
		maxFrameBytes:  opts.MaxFrameBytes,
		sendQueueSize:  opts.SendQueueSize,
		persist:        opts.PersistMessages,
		historyDefault: opts.HistoryDefaultLimit,
		historyMax:     opts.HistoryMaxLimit,
		clients:        make(map[string]*clientConn),
		streams:        make(map[string]*agentStream),
	}
	if s != nil {
		r.history = NewStoreHistory(s)
	}
	r.rooms = room.New(r, logger)
	return r
}

// Rooms exposes the room registry for diagnostics.
func (r *Router) Rooms() *room.Registry { return r.rooms }

// bearerToken extracts a token from the query string or Authorization header.
func bearerToken(req *http.Request) string {
	// Browsers cannot set headers on the WebSocket handshake, so the token
	// may arrive as a query parameter. Keep query strings out of access logs.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}
	return tokenStr
}

// HandleClientWS authenticates, admits and upgrades a UI client connection,
// then runs its read loop until the transport fails.
func (r *Router) HandleClientWS(w http.ResponseWriter, req *http.Request) {
	identity, err := r.authProvider.ValidateToken(req.Context(), bearerToken(req))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	connID := uuid.New().String()
	if err := r.admit(req.Context(), identity, connID); err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.quota.ReleaseConnection(identity.UserID, connID)
		r.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}

	cc := newClientConn(connID, identity, conn, r.sendQueueSize)
	conn.SetReadLimit(r.maxFrameBytes)

	r.mu.Lock()
	r.clients[connID] = cc
	r.mu.Unlock()
	connectionsActive.Inc()

	r.logger.Info("client connected", "user", identity.Username, "conn_id", connID)

	stopKeepalive := startWSKeepalive(conn, &cc.wmu, cc.resolveProbe)
	go cc.writePump(r.logger)

	defer func() {
		stopKeepalive()
		r.disconnect(cc, "transport closed")
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("client read error", "conn_id", connID, "error", err)
			return
		}
		cc.touch()

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Warn("invalid message from client", "conn_id", connID, "error", err)
			r.sendToClient(cc, protocol.TypeErrorResponse, "", "", protocol.ErrorResponse{
				Code:    protocol.CodeValidationFailed,
				Message: "malformed envelope",
			})
			continue
		}

		r.dispatch(cc, env)
	}
}

// admit runs the connection-level gates. Either denial is terminal for the
// handshake.
func (r *Router) admit(ctx context.Context, identity *auth.Identity, connID string) error {
	err := r.quota.RecordAttempt(identity.UserID)
	if err == nil {
		err = r.quota.AdmitConnection(identity.UserID, connID)
	}
	if err == nil {
		return nil
	}

	reason := "connection_limit"
	if errors.Is(err, quota.ErrAttemptLimit) {
		reason = "attempt_limit"
	}
	admissionsDenied.WithLabelValues(reason).Inc()
	r.logger.Warn("connection admission denied", "security", true,
		"user_id", identity.UserID, "user", identity.Username, "reason", reason)
	r.audit(ctx, &store.AuditEvent{
		Action: "connection.denied",
		UserID: identity.UserID,
		Detail: auditDetail(map[string]string{"reason": reason}),
	})
	return fmt.Errorf("%s: %w", protocol.CodeAdmissionDenied, err)
}

// Deliver implements room.Sink by queueing data on the connection's write
// pump. A connection whose queue is full is dropped.
func (r *Router) Deliver(connID string, data []byte) error {
	r.mu.RLock()
	cc, ok := r.clients[connID]
	r.mu.RUnlock()
	if !ok {
		return errConnClosed
	}
	if err := cc.enqueue(data); err != nil {
		if errors.Is(err, errSlowConsumer) {
			slowConsumers.Inc()
			r.logger.Warn("dropping slow client", "conn_id", connID, "user_id", cc.userID)
		}
		return err
	}
	return nil
}

func (r *Router) client(connID string) (*clientConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.clients[connID]
	return cc, ok
}

// disconnect tears a connection down: every session it still holds is left
// with full cleanup, then its quota slot is released. Safe to call more
// than once.
func (r *Router) disconnect(cc *clientConn, reason string) {
	cc.opMu.Lock()
	if cc.closed {
		cc.opMu.Unlock()
		return
	}
	cc.closed = true
	sessions := make([]string, 0, len(cc.sessions))
	for sid := range cc.sessions {
		sessions = append(sessions, sid)
	}
	sort.Strings(sessions)
	for _, sid := range sessions {
		r.leaveSession(cc, sid)
	}
	cc.opMu.Unlock()

	r.mu.Lock()
	delete(r.clients, cc.id)
	r.mu.Unlock()

	r.quota.ReleaseConnection(cc.userID, cc.id)
	cc.close()
	connectionsActive.Dec()

	r.logger.Info("client disconnected", "user", cc.username, "conn_id", cc.id, "reason", reason)
}

// CloseAll disconnects every client, running the full leave cleanup for
// each. Used on shutdown.
func (r *Router) CloseAll() {
	r.mu.RLock()
	clients := make([]*clientConn, 0, len(r.clients))
	for _, cc := range r.clients {
		clients = append(clients, cc)
	}
	r.mu.RUnlock()

	for _, cc := range clients {
		r.disconnect(cc, "server shutting down")
	}
}

// Targets implements health.Source over the live connections.
func (r *Router) Targets() []health.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]health.Target, 0, len(r.clients))
	for _, cc := range r.clients {
		targets = append(targets, cc)
	}
	return targets
}

// Stats is a point-in-time view of coordinator state.
type Stats struct {
	Connections      int `json:"connections"`
	Users            int `json:"users"`
	Rooms            int `json:"rooms"`
	Memberships      int `json:"memberships"`
	PresenceSessions int `json:"presence_sessions"`
	PresenceRecords  int `json:"presence_records"`
	RateBuckets      int `json:"rate_buckets"`
}

// Stats reports the current sizes of every shared structure.
func (r *Router) Stats() Stats {
	var st Stats
	st.Users, st.Connections = r.quota.Stats()
	st.Rooms, st.Memberships = r.rooms.Stats()
	st.PresenceSessions, st.PresenceRecords = r.presence.Stats()
	st.RateBuckets = r.limiter.Len()
	return st
}

// SweepIdle marks participants without recent activity idle and announces
// each change to its session room.
func (r *Router) SweepIdle(idleAfter time.Duration) int {
	events := r.presence.MarkIdle(idleAfter)
	for _, ev := range events {
		r.broadcast(room.SessionRoom(ev.SessionID), protocol.TypePresenceUpdated, ev.SessionID, ev, "")
	}
	return len(events)
}

// audit writes an audit event, logging rather than returning failures.
func (r *Router) audit(ctx context.Context, ev *store.AuditEvent) {
	if r.store == nil {
		return
	}
	ev.ID = uuid.New().String()
	ev.CreatedAt = time.Now()
	if err := r.store.LogAuditEvent(ctx, ev); err != nil {
		r.logger.Warn("failed to write audit event", "action", ev.Action, "error", err)
	}
}

func auditDetail(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// ConnInfo describes one live connection for diagnostics.
type ConnInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Connections lists live connections, oldest first.
func (r *Router) Connections() []ConnInfo {
	r.mu.RLock()
	out := make([]ConnInfo, 0, len(r.clients))
	for _, cc := range r.clients {
		out = append(out, ConnInfo{
			ID:           cc.id,
			UserID:       cc.userID,
			Username:     cc.username,
			ConnectedAt:  cc.createdAt,
			LastActivity: time.Unix(0, cc.lastActivity.Load()),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
