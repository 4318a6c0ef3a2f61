package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/amurg-ai/collab/hub/internal/auth"
	"github.com/amurg-ai/collab/hub/internal/config"
	"github.com/amurg-ai/collab/hub/internal/health"
	"github.com/amurg-ai/collab/hub/internal/presence"
	"github.com/amurg-ai/collab/hub/internal/quota"
	"github.com/amurg-ai/collab/hub/internal/ratelimit"
	"github.com/amurg-ai/collab/hub/internal/router"
	"github.com/amurg-ai/collab/hub/internal/store"
	"github.com/amurg-ai/collab/hub/internal/validate"
	"github.com/amurg-ai/collab/pkg/protocol"
)

type fakeTarget struct {
	id  string
	err error
}

func (f fakeTarget) ID() string { return f.id }

func (f fakeTarget) Ping(ctx context.Context) (time.Duration, error) {
	return time.Millisecond, f.err
}

type fakeSource []health.Target

func (f fakeSource) Targets() []health.Target { return f }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:             ":0",
			AllowedOrigins:   []string{"*"},
			MaxBodyBytes:     1024 * 1024,
			LoginPerMinute:   100,
			UpgradePerMinute: 100,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: time.Hour},
		},
	}
}

func newTestRouter(s store.Store, authSvc *auth.Service) *router.Router {
	logger := slog.Default()
	return router.New(s, authSvc, auth.NewStoreAccess(s), router.Components{
		Quota:     quota.New(quota.Options{}, logger),
		Limiter:   ratelimit.New(ratelimit.DefaultRules()),
		Validator: validate.New(validate.Limits{}),
		Presence:  presence.New(logger),
	}, logger, router.Options{})
}

func setupTestServerWith(t *testing.T, cfg *config.Config, src health.Source) (*Server, *auth.Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	authSvc := auth.NewService(s, cfg.Auth)
	rt := newTestRouter(s, authSvc)
	t.Cleanup(rt.CloseAll)
	if src == nil {
		src = rt
	}
	mon := health.New(src, health.Options{}, slog.Default())
	srv := NewServer(s, authSvc, authSvc, rt, mon, cfg, slog.Default())
	return srv, authSvc, s
}

func setupTestServer(t *testing.T) (*Server, *auth.Service, store.Store) {
	t.Helper()
	return setupTestServerWith(t, testConfig(), nil)
}

func createUserAndGetToken(t *testing.T, authSvc *auth.Service, username, role string) (string, string) {
	t.Helper()
	ctx := context.Background()
	user, err := authSvc.Register(ctx, username, "testpassword123", role)
	if err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, username, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return user.ID, token
}

func doRequest(srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse response: %v; body: %s", err, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doRequest(srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != string(health.StatusUnknown) {
		t.Errorf("before first sweep: expected status unknown, got %q", resp["status"])
	}
	if _, ok := resp["uptime"]; !ok {
		t.Error("expected uptime field in response")
	}

	srv.monitor.Sweep(context.Background())
	w = doRequest(srv, http.MethodGet, "/healthz", "", nil)
	parseJSONResponse(t, w, &resp)
	if w.Code != http.StatusOK || resp["status"] != string(health.StatusHealthy) {
		t.Errorf("empty pool: got %d %q, want 200 healthy", w.Code, resp["status"])
	}
}

func TestHealthz_UnhealthyPool(t *testing.T) {
	src := fakeSource{
		fakeTarget{id: "a"},
		fakeTarget{id: "b", err: errors.New("gone")},
		fakeTarget{id: "c", err: errors.New("gone")},
	}
	srv, _, _ := setupTestServerWith(t, testConfig(), src)
	srv.monitor.Sweep(context.Background())

	w := doRequest(srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodGet, "/api/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var report HealthReport
	parseJSONResponse(t, w, &report)
	if report.Status != health.StatusUnhealthy {
		t.Errorf("status: got %s, want unhealthy", report.Status)
	}
	if report.Snapshot.Total != 3 || report.Snapshot.Healthy != 1 || report.Snapshot.Unhealthy != 2 {
		t.Errorf("snapshot: got %+v", report.Snapshot)
	}
}

func TestReadyz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doRequest(srv, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ready" {
		t.Errorf("expected status ready, got %q", resp["status"])
	}
}

func TestReadyz_StoreDown(t *testing.T) {
	srv, _, s := setupTestServer(t)
	_ = s.Close()

	w := doRequest(srv, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doRequest(srv, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "collab_router_connections_active") {
		t.Error("expected router gauge in metrics output")
	}
}

func TestLoginSuccess(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	userID, _ := createUserAndGetToken(t, authSvc, "loginuser", "user")

	w := doRequest(srv, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "loginuser",
		"password": "testpassword123",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["token"] == "" {
		t.Error("expected non-empty token in response")
	}

	events, err := s.ListAuditEvents(context.Background(), store.AuditFilter{Action: "login.success"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].UserID != userID {
		t.Errorf("expected one login.success audit event for %s, got %+v", userID, events)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	createUserAndGetToken(t, authSvc, "loginuser2", "user")

	w := doRequest(srv, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "loginuser2",
		"password": "wrongpassword",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["error"] != "invalid credentials" {
		t.Errorf("expected 'invalid credentials' error, got %q", resp["error"])
	}

	events, err := s.ListAuditEvents(context.Background(), store.AuditFilter{Action: "login.failed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("expected one login.failed audit event, got %d", len(events))
	}
}

func TestLoginUsernameValidation(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	tests := []struct {
		name     string
		username string
		wantCode int
	}{
		{"too short", "ab", http.StatusBadRequest},
		{"too long", strings.Repeat("a", 65), http.StatusBadRequest},
		{"valid length", "abc", http.StatusUnauthorized}, // valid username format but user doesn't exist
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(srv, http.MethodPost, "/api/auth/login", "", map[string]string{
				"username": tc.username,
				"password": "somepassword123",
			})
			if w.Code != tc.wantCode {
				t.Errorf("username %q: expected status %d, got %d; body: %s",
					tc.username, tc.wantCode, w.Code, w.Body.String())
			}
		})
	}
}

func TestLogin_RateLimitedPerIP(t *testing.T) {
	cfg := testConfig()
	cfg.Server.LoginPerMinute = 3
	srv, _, _ := setupTestServerWith(t, cfg, nil)

	body := map[string]string{"username": "nobody", "password": "somepassword123"}
	for i := 0; i < 3; i++ {
		if w := doRequest(srv, http.MethodPost, "/api/auth/login", "", body); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, w.Code)
		}
	}
	w := doRequest(srv, http.MethodPost, "/api/auth/login", "", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after budget, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Another address has its own budget.
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"nobody","password":"x"}`))
	req.RemoteAddr = "10.1.2.3:4567"
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("other address: expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	_, token := createUserAndGetToken(t, authSvc, "testuser", "user")

	w := doRequest(srv, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["username"] != "testuser" {
		t.Errorf("expected username 'testuser', got %q", resp["username"])
	}
	if resp["role"] != "user" {
		t.Errorf("expected role 'user', got %q", resp["role"])
	}
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doRequest(srv, http.MethodGet, "/api/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTExpiry = config.Duration{Duration: time.Millisecond}
	srv, authSvc, _ := setupTestServerWith(t, cfg, nil)
	_, token := createUserAndGetToken(t, authSvc, "shortlived", "user")

	time.Sleep(1100 * time.Millisecond)

	w := doRequest(srv, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for expired token, got %d", w.Code)
	}
}

func TestAdminMiddleware(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	_, userToken := createUserAndGetToken(t, authSvc, "plainuser", "user")
	_, adminToken := createUserAndGetToken(t, authSvc, "adminuser", "admin")

	paths := []string{"/api/admin/stats", "/api/admin/connections", "/api/admin/audit", "/api/admin/users"}
	for _, p := range paths {
		if w := doRequest(srv, http.MethodGet, p, userToken, nil); w.Code != http.StatusForbidden {
			t.Errorf("%s as user: expected 403, got %d", p, w.Code)
		}
		if w := doRequest(srv, http.MethodGet, p, adminToken, nil); w.Code != http.StatusOK {
			t.Errorf("%s as admin: expected 200, got %d; body: %s", p, w.Code, w.Body.String())
		}
	}
}

func TestAdminRoomMembers(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	_, adminToken := createUserAndGetToken(t, authSvc, "adminuser", "admin")

	rooms := srv.router.Rooms()
	rooms.Join("session:S1", "conn-b")
	rooms.Join("session:S1", "conn-a")

	w := doRequest(srv, http.MethodGet, "/api/admin/rooms/session:S1/members", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		RoomID  string   `json:"room_id"`
		Members []string `json:"members"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.RoomID != "session:S1" {
		t.Errorf("room_id: got %q", resp.RoomID)
	}
	if len(resp.Members) != 2 || resp.Members[0] != "conn-a" || resp.Members[1] != "conn-b" {
		t.Errorf("members: got %v, want [conn-a conn-b]", resp.Members)
	}
}

func TestWorkspaceManagement(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	_, adminToken := createUserAndGetToken(t, authSvc, "adminuser", "admin")
	memberID, _ := createUserAndGetToken(t, authSvc, "member", "user")
	ctx := context.Background()

	w := doRequest(srv, http.MethodPost, "/api/admin/workspaces", adminToken, map[string]string{"id": "W1", "name": "Team"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create workspace: expected 201, got %d; body: %s", w.Code, w.Body.String())
	}
	if w := doRequest(srv, http.MethodPost, "/api/admin/workspaces", adminToken, map[string]string{"id": "W1", "name": "Again"}); w.Code != http.StatusConflict {
		t.Errorf("duplicate workspace: expected 409, got %d", w.Code)
	}
	if w := doRequest(srv, http.MethodPost, "/api/admin/workspaces", adminToken, map[string]string{"id": "bad id!", "name": "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: expected 400, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodPost, "/api/admin/workspaces/W1/members", adminToken, map[string]string{"user_id": memberID})
	if w.Code != http.StatusOK {
		t.Fatalf("add member: expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	ok, err := s.IsWorkspaceMember(ctx, "W1", memberID)
	if err != nil || !ok {
		t.Fatalf("expected membership, got %v, %v", ok, err)
	}

	w = doRequest(srv, http.MethodPost, "/api/admin/workspaces/W1/agents", adminToken, map[string]string{"id": "Ag1", "name": "Helper"})
	if w.Code != http.StatusOK {
		t.Fatalf("upsert agent: expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var agents []store.Agent
	w = doRequest(srv, http.MethodGet, "/api/admin/workspaces/W1/agents", adminToken, nil)
	parseJSONResponse(t, w, &agents)
	if len(agents) != 1 || agents[0].ID != "Ag1" {
		t.Errorf("agents: got %+v", agents)
	}

	if w := doRequest(srv, http.MethodGet, "/api/admin/workspaces/nope/agents", adminToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown workspace: expected 404, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodDelete, "/api/admin/workspaces/W1/members/"+memberID, adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove member: expected 200, got %d", w.Code)
	}
	if ok, _ := s.IsWorkspaceMember(ctx, "W1", memberID); ok {
		t.Error("expected membership removed")
	}

	events, err := s.ListAuditEvents(ctx, store.AuditFilter{Action: "workspace."})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 workspace audit events, got %d", len(events))
	}
}

func TestCreateUser_AdminOnly(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	_, userToken := createUserAndGetToken(t, authSvc, "plainuser", "user")
	_, adminToken := createUserAndGetToken(t, authSvc, "adminuser", "admin")

	body := map[string]string{"username": "newuser", "password": "newpassword123"}
	if w := doRequest(srv, http.MethodPost, "/api/admin/users", userToken, body); w.Code != http.StatusForbidden {
		t.Errorf("as user: expected 403, got %d", w.Code)
	}
	w := doRequest(srv, http.MethodPost, "/api/admin/users", adminToken, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("as admin: expected 201, got %d; body: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Error("response must not carry the password hash")
	}
	if w := doRequest(srv, http.MethodPost, "/api/admin/users", adminToken, body); w.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", w.Code)
	}
	body["role"] = "root"
	body["username"] = "other"
	if w := doRequest(srv, http.MethodPost, "/api/admin/users", adminToken, body); w.Code != http.StatusBadRequest {
		t.Errorf("bad role: expected 400, got %d", w.Code)
	}
}

func TestAgentStatusAndChunks(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	_, adminToken := createUserAndGetToken(t, authSvc, "adminuser", "admin")
	ctx := context.Background()
	now := time.Now()
	if err := s.CreateWorkspace(ctx, &store.Workspace{ID: "W1", Name: "W1", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAgent(ctx, &store.Agent{ID: "Ag1", WorkspaceID: "W1", Name: "a", Status: "offline", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}

	w := doRequest(srv, http.MethodPost, "/api/admin/agents/Ag1/status", adminToken, map[string]string{"status": "busy"})
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	agent, err := s.GetAgent(ctx, "Ag1")
	if err != nil || agent == nil || agent.Status != "busy" {
		t.Fatalf("expected agent busy, got %+v, %v", agent, err)
	}
	if w := doRequest(srv, http.MethodPost, "/api/admin/agents/Ag1/status", adminToken, map[string]string{"status": "asleep"}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown status: expected 400, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodPost, "/api/admin/agent-chunks", adminToken, protocol.AgentChunk{
		SessionID: "S1", AgentID: "Ag1", Content: "partial",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("chunk: expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var msg protocol.ChatMessage
	parseJSONResponse(t, w, &msg)
	if msg.ID == "" || msg.Type != protocol.MessageAssistant || msg.Content != "partial" {
		t.Errorf("chunk reply: got %+v", msg)
	}

	if w := doRequest(srv, http.MethodPost, "/api/admin/agent-chunks", adminToken, protocol.AgentChunk{
		SessionID: "bad id", AgentID: "Ag1", Content: "x",
	}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid session id: expected 400, got %d", w.Code)
	}
}

func TestAuditFilter(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	_, adminToken := createUserAndGetToken(t, authSvc, "adminuser", "admin")
	ctx := context.Background()
	for i, action := range []string{"connection.denied", "session.access_denied", "connection.denied"} {
		if err := s.LogAuditEvent(ctx, &store.AuditEvent{
			ID: "ev" + string(rune('a'+i)), Action: action, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	var events []store.AuditEvent
	w := doRequest(srv, http.MethodGet, "/api/admin/audit?action=connection.", adminToken, nil)
	parseJSONResponse(t, w, &events)
	if len(events) != 2 {
		t.Errorf("expected 2 connection events, got %d", len(events))
	}

	w = doRequest(srv, http.MethodGet, "/api/admin/audit?limit=1", adminToken, nil)
	parseJSONResponse(t, w, &events)
	if len(events) != 1 {
		t.Errorf("expected limit 1, got %d", len(events))
	}
}

func TestCORS_Preflight(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	srv, _, _ := setupTestServerWith(t, cfg, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/me", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/me", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no allow-origin for unknown origin, got %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	w := doRequest(srv, http.MethodGet, "/healthz", "", nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: got %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options: got %q", got)
	}
}

func TestWebSocketUpgrade_Unauthorized(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	w := doRequest(srv, http.MethodGet, "/ws/client?token=bogus", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestIPLimiter_Cleanup(t *testing.T) {
	l := newIPLimiter(2)
	if !l.allow("a") || !l.allow("a") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if l.allow("a") {
		t.Error("expected third request to be limited")
	}
	l.allow("b")
	if l.len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", l.len())
	}
	if n := l.cleanup(time.Hour); n != 0 {
		t.Errorf("expected no eviction of fresh buckets, got %d", n)
	}
	if n := l.cleanup(-time.Second); n != 2 {
		t.Errorf("expected 2 evictions, got %d", n)
	}
}
