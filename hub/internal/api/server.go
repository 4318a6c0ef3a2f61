// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amurg-ai/collab/hub/internal/auth"
	"github.com/amurg-ai/collab/hub/internal/config"
	"github.com/amurg-ai/collab/hub/internal/health"
	"github.com/amurg-ai/collab/hub/internal/router"
	"github.com/amurg-ai/collab/hub/internal/store"
	"github.com/amurg-ai/collab/hub/internal/validate"
	"github.com/amurg-ai/collab/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	router        *router.Router
	monitor       *health.Monitor
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *ipLimiter
	upgradeRL     *ipLimiter
}

// NewServer creates a new API server. lp may be nil when the identity
// provider does not support password login; mon may be nil in tests.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, rt *router.Router, mon *health.Monitor, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		router:        rt,
		monitor:       mon,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		upgradeRL:     newIPLimiter(cfg.Server.UpgradePerMinute),
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Get("/api/health", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newIPLimiter(cfg.Server.LoginPerMinute)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket route (auth handled inside)
	mux.With(ipRateLimitMiddleware(srv.upgradeRL)).Get("/ws/client", rt.HandleClientWS)

	// Authenticated API routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Get("/api/me", srv.handleGetMe)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/admin/stats", srv.handleAdminStats)
			r.Get("/api/admin/connections", srv.handleAdminListConnections)
			r.Get("/api/admin/rooms/{roomID}/members", srv.handleAdminRoomMembers)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
			r.Get("/api/admin/users", srv.handleListUsers)
			// User management only available with builtin auth.
			if lp != nil {
				r.Post("/api/admin/users", srv.handleCreateUser)
			}
			r.Get("/api/admin/workspaces", srv.handleListWorkspaces)
			r.Post("/api/admin/workspaces", srv.handleCreateWorkspace)
			r.Post("/api/admin/workspaces/{workspaceID}/members", srv.handleAddMember)
			r.Delete("/api/admin/workspaces/{workspaceID}/members/{userID}", srv.handleRemoveMember)
			r.Get("/api/admin/workspaces/{workspaceID}/agents", srv.handleListAgents)
			r.Post("/api/admin/workspaces/{workspaceID}/agents", srv.handleUpsertAgent)
			r.Get("/api/admin/workspaces/{workspaceID}/sessions", srv.handleListSessions)
			r.Post("/api/admin/agents/{agentID}/status", srv.handleAgentStatus)
			r.Post("/api/admin/agent-chunks", srv.handleAgentChunk)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.startCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	s.upgradeRL.startCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": s.authProvider.Name(),
		"login":    s.loginProvider != nil,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Error("login failed", "username", req.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "login failed")
			return
		}
		s.logger.Warn("login rejected", "security", true, "username", req.Username, "remote", clientIP(r))
		s.audit(r.Context(), &store.AuditEvent{
			Action: "login.failed",
			Detail: detail(map[string]string{"username": req.Username, "remote": clientIP(r)}),
		})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	userID := ""
	if user, _ := s.store.GetUser(r.Context(), req.Username); user != nil {
		userID = user.ID
	}
	s.audit(r.Context(), &store.AuditEvent{Action: "login.success", UserID: userID})

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":  identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Health handlers ---

func (s *Server) poolStatus() (health.Status, health.Snapshot) {
	if s.monitor == nil {
		return health.StatusUnknown, health.Snapshot{}
	}
	return s.monitor.Status(), s.monitor.Snapshot()
}

// handleHealthz reports 503 only when the connection pool is classified
// unhealthy; an unprobed pool is still serving.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status, _ := s.poolStatus()
	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status": string(status),
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthReport is the body of GET /api/health.
type HealthReport struct {
	Status   health.Status   `json:"status"`
	Snapshot health.Snapshot `json:"snapshot"`
	Stats    router.Stats    `json:"stats"`
	Uptime   string          `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, snap := s.poolStatus()
	writeJSON(w, http.StatusOK, HealthReport{
		Status:   status,
		Snapshot: snap,
		Stats:    s.router.Stats(),
		Uptime:   time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

// --- Admin diagnostics ---

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Stats())
}

func (s *Server) handleAdminListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Connections())
}

func (s *Server) handleAdminRoomMembers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id": roomID,
		"members": s.router.Rooms().MembersOf(roomID),
	})
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(r, 50, 500)
	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		Action:      q.Get("action"),
		UserID:      q.Get("user_id"),
		SessionID:   q.Get("session_id"),
		WorkspaceID: q.Get("workspace_id"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Directory management (admin only) ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}
	if req.Role != "" && req.Role != "user" && req.Role != "admin" {
		writeError(w, http.StatusBadRequest, "role must be user or admin")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	s.audit(r.Context(), &store.AuditEvent{
		Action: "user.create", UserID: getIdentityFromContext(r.Context()).UserID,
		Detail: detail(map[string]string{"user_id": user.ID, "username": user.Username, "role": user.Role}),
	})
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListWorkspaces(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}
	if list == nil {
		list = []store.Workspace{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if !validate.ValidID(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid workspace id")
		return
	}
	if req.Name == "" || len(req.Name) > 128 {
		writeError(w, http.StatusBadRequest, "name must be 1-128 characters")
		return
	}
	if existing, err := s.store.GetWorkspace(r.Context(), req.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create workspace")
		return
	} else if existing != nil {
		writeError(w, http.StatusConflict, "workspace already exists")
		return
	}

	identity := getIdentityFromContext(r.Context())
	ws := &store.Workspace{
		ID:        req.ID,
		Name:      validate.SanitizeString(req.Name),
		CreatedBy: identity.UserID,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateWorkspace(r.Context(), ws); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create workspace")
		return
	}
	s.audit(r.Context(), &store.AuditEvent{Action: "workspace.create", UserID: identity.UserID, WorkspaceID: ws.ID})
	writeJSON(w, http.StatusCreated, ws)
}

// workspace loads the {workspaceID} path parameter, writing 404 when it
// does not exist.
func (s *Server) workspace(w http.ResponseWriter, r *http.Request) (*store.Workspace, bool) {
	ws, err := s.store.GetWorkspace(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get workspace")
		return nil, false
	}
	if ws == nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return nil, false
	}
	return ws, true
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	user, err := s.store.GetUserByID(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if req.Role == "" {
		req.Role = "member"
	}
	if err := s.store.AddWorkspaceMember(r.Context(), ws.ID, user.ID, req.Role); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add member")
		return
	}
	s.audit(r.Context(), &store.AuditEvent{
		Action: "workspace.member_add", UserID: getIdentityFromContext(r.Context()).UserID, WorkspaceID: ws.ID,
		Detail: detail(map[string]string{"member_id": user.ID, "role": req.Role}),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := s.store.RemoveWorkspaceMember(r.Context(), ws.ID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove member")
		return
	}
	s.audit(r.Context(), &store.AuditEvent{
		Action: "workspace.member_remove", UserID: getIdentityFromContext(r.Context()).UserID, WorkspaceID: ws.ID,
		Detail: detail(map[string]string{"member_id": userID}),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	agents, err := s.store.ListAgents(r.Context(), ws.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []store.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !validate.ValidID(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	if existing, err := s.store.GetAgent(r.Context(), req.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get agent")
		return
	} else if existing != nil && existing.WorkspaceID != ws.ID {
		writeError(w, http.StatusConflict, "agent belongs to another workspace")
		return
	}
	now := time.Now()
	agent := &store.Agent{
		ID:          req.ID,
		WorkspaceID: ws.ID,
		Name:        validate.SanitizeString(req.Name),
		Status:      "offline",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.UpsertAgent(r.Context(), agent); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save agent")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), ws.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// --- Agent fan-out (admin only) ---

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Detail string `json:"detail"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	switch req.Status {
	case "online", "offline", "busy":
	default:
		writeError(w, http.StatusBadRequest, "status must be online, offline or busy")
		return
	}
	n, err := s.router.PublishAgentStatus(r.Context(), protocol.AgentStatus{
		AgentID: chi.URLParam(r, "agentID"),
		Status:  req.Status,
		Detail:  req.Detail,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (s *Server) handleAgentChunk(w http.ResponseWriter, r *http.Request) {
	var chunk protocol.AgentChunk
	if !s.decodeBody(w, r, &chunk) {
		return
	}
	msg, err := s.router.PublishAgentChunk(r.Context(), chunk)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// --- Helpers ---

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) audit(ctx context.Context, ev *store.AuditEvent) {
	ev.ID = uuid.New().String()
	ev.CreatedAt = time.Now()
	if err := s.store.LogAuditEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", ev.Action, "error", err)
	}
}

func detail(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// pagination parses limit and offset query parameters.
func pagination(r *http.Request, defLimit, maxLimit int) (limit, offset int) {
	limit = defLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
