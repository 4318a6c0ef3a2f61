package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser is a helper that inserts a user and returns it.
func createTestUser(t *testing.T, s *SQLiteStore, username, role string) *User {
	t.Helper()
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: "hash-" + username,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("createTestUser(%s): %v", username, err)
	}
	return u
}

// createTestWorkspace is a helper that inserts a workspace and returns it.
func createTestWorkspace(t *testing.T, s *SQLiteStore, id string) *Workspace {
	t.Helper()
	ws := &Workspace{ID: id, Name: "Workspace " + id, CreatedBy: "admin", CreatedAt: time.Now()}
	if err := s.CreateWorkspace(context.Background(), ws); err != nil {
		t.Fatalf("createTestWorkspace(%s): %v", id, err)
	}
	return ws
}

// createTestAgent is a helper that inserts an agent and returns it.
func createTestAgent(t *testing.T, s *SQLiteStore, workspaceID, id string) *Agent {
	t.Helper()
	now := time.Now()
	a := &Agent{ID: id, WorkspaceID: workspaceID, Name: "Agent " + id, Status: "online", CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertAgent(context.Background(), a); err != nil {
		t.Fatalf("createTestAgent(%s): %v", id, err)
	}
	return a
}

// createTestSession is a helper that inserts a session and returns it.
func createTestSession(t *testing.T, s *SQLiteStore, workspaceID, agentID, id string) *Session {
	t.Helper()
	now := time.Now()
	sess := &Session{ID: id, WorkspaceID: workspaceID, AgentID: agentID, CreatedBy: "u1", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("createTestSession(%s): %v", id, err)
	}
	return sess
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "alice", "admin")

	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got == nil {
		t.Fatal("GetUser returned nil")
	}
	if got.ID != u.ID {
		t.Errorf("ID: got %q, want %q", got.ID, u.ID)
	}
	if got.Role != "admin" {
		t.Errorf("Role: got %q, want %q", got.Role, "admin")
	}
	if got.PasswordHash != "hash-alice" {
		t.Errorf("PasswordHash: got %q", got.PasswordHash)
	}

	byID, err := s.GetUserByID(ctx, u.ID)
	if err != nil || byID == nil || byID.Username != "alice" {
		t.Fatalf("GetUserByID: got %+v, err %v", byID, err)
	}

	missing, err := s.GetUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUser(missing): %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing user")
	}
}

func TestGetUserByExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{ID: uuid.New().String(), ExternalID: "user_ext_1", Username: "ext", PasswordHash: "-", Role: "user", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetUserByExternalID(ctx, "user_ext_1")
	if err != nil || got == nil || got.ID != u.ID {
		t.Fatalf("GetUserByExternalID: got %+v, err %v", got, err)
	}
}

func TestListUsers(t *testing.T) {
	s := newTestStore(t)
	createTestUser(t, s, "alice", "admin")
	createTestUser(t, s, "bob", "user")

	users, err := s.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("ListUsers: got %d, want 2", len(users))
	}
}

func TestDuplicateUser(t *testing.T) {
	s := newTestStore(t)
	createTestUser(t, s, "alice", "user")

	dup := &User{ID: uuid.New().String(), Username: "alice", PasswordHash: "x", Role: "user", CreatedAt: time.Now()}
	if err := s.CreateUser(context.Background(), dup); err == nil {
		t.Error("expected error for duplicate username")
	}
}

func TestWorkspaceMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestWorkspace(t, s, "W1")
	u := createTestUser(t, s, "alice", "user")

	ok, err := s.IsWorkspaceMember(ctx, "W1", u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("user should not be a member yet")
	}

	if err := s.AddWorkspaceMember(ctx, "W1", u.ID, "member"); err != nil {
		t.Fatalf("AddWorkspaceMember: %v", err)
	}
	// Adding twice updates the role instead of failing.
	if err := s.AddWorkspaceMember(ctx, "W1", u.ID, "owner"); err != nil {
		t.Fatalf("AddWorkspaceMember (again): %v", err)
	}
	if ok, _ := s.IsWorkspaceMember(ctx, "W1", u.ID); !ok {
		t.Fatal("expected membership")
	}

	if err := s.RemoveWorkspaceMember(ctx, "W1", u.ID); err != nil {
		t.Fatalf("RemoveWorkspaceMember: %v", err)
	}
	if ok, _ := s.IsWorkspaceMember(ctx, "W1", u.ID); ok {
		t.Error("membership should be gone")
	}

	list, err := s.ListWorkspaces(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("ListWorkspaces: got %d, err %v", len(list), err)
	}
}

func TestUpsertAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestWorkspace(t, s, "W1")
	createTestAgent(t, s, "W1", "Ag1")

	if err := s.SetAgentStatus(ctx, "Ag1", "busy"); err != nil {
		t.Fatalf("SetAgentStatus: %v", err)
	}
	got, err := s.GetAgent(ctx, "Ag1")
	if err != nil || got == nil {
		t.Fatalf("GetAgent: %+v, %v", got, err)
	}
	if got.Status != "busy" || got.WorkspaceID != "W1" {
		t.Errorf("unexpected agent %+v", got)
	}

	createTestAgent(t, s, "W1", "Ag2")
	agents, err := s.ListAgents(ctx, "W1")
	if err != nil || len(agents) != 2 {
		t.Errorf("ListAgents: got %d, err %v", len(agents), err)
	}

	if missing, _ := s.GetAgent(ctx, "nope"); missing != nil {
		t.Error("expected nil for missing agent")
	}
}

func TestAgentRequiresWorkspace(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	err := s.UpsertAgent(context.Background(), &Agent{ID: "Ag1", WorkspaceID: "missing", CreatedAt: now, UpdatedAt: now})
	if err == nil {
		t.Error("expected foreign key error for unknown workspace")
	}
}

func TestCreateSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestWorkspace(t, s, "W1")
	createTestAgent(t, s, "W1", "Ag1")
	createTestSession(t, s, "W1", "Ag1", "S1")

	// A second create with different fields keeps the first row.
	now := time.Now()
	if err := s.CreateSession(ctx, &Session{ID: "S1", WorkspaceID: "W1", AgentID: "Ag2", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateSession (again): %v", err)
	}
	got, err := s.GetSession(ctx, "S1")
	if err != nil || got == nil {
		t.Fatalf("GetSession: %+v, %v", got, err)
	}
	if got.AgentID != "Ag1" {
		t.Errorf("AgentID: got %q, want Ag1", got.AgentID)
	}

	if err := s.TouchSession(ctx, "S1"); err != nil {
		t.Errorf("TouchSession: %v", err)
	}
	sessions, err := s.ListSessions(ctx, "W1")
	if err != nil || len(sessions) != 1 {
		t.Errorf("ListSessions: got %d, err %v", len(sessions), err)
	}
}

func TestAppendAndGetMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestWorkspace(t, s, "W1")
	createTestSession(t, s, "W1", "Ag1", "S1")

	for i := 1; i <= 5; i++ {
		seq, err := s.AppendMessage(ctx, &Message{
			ID:         fmt.Sprintf("m%d", i),
			SessionID:  "S1",
			SenderID:   "u1",
			SenderName: "Alice",
			Type:       "user",
			Content:    fmt.Sprintf("message %d", i),
			CreatedAt:  time.Now(),
		})
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if seq != int64(i) {
			t.Errorf("seq: got %d, want %d", seq, i)
		}
	}

	// Newest page first, returned in chronological order.
	page, err := s.GetMessages(ctx, "S1", 2, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(page) != 2 || page[0].ID != "m4" || page[1].ID != "m5" {
		t.Fatalf("first page: got %+v", page)
	}
	if page[0].Metadata != "{}" {
		t.Errorf("default metadata: got %q", page[0].Metadata)
	}

	older, err := s.GetMessages(ctx, "S1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 || older[0].ID != "m2" || older[1].ID != "m3" {
		t.Fatalf("second page: got %+v", older)
	}

	last, _ := s.GetMessages(ctx, "S1", 2, 4)
	if len(last) != 1 || last[0].ID != "m1" {
		t.Fatalf("last page: got %+v", last)
	}
}

func TestAppendMessageMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestWorkspace(t, s, "W1")
	createTestSession(t, s, "W1", "Ag1", "S1")

	meta, _ := json.Marshal(map[string]any{"streaming": true})
	if _, err := s.AppendMessage(ctx, &Message{ID: "m1", SessionID: "S1", Type: "assistant", Content: "hi", Metadata: string(meta), CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.GetMessages(ctx, "S1", 10, 0)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(msgs[0].Metadata), &got); err != nil {
		t.Fatalf("metadata not JSON: %v", err)
	}
	if got["streaming"] != true {
		t.Errorf("metadata: got %v", got)
	}
}

func TestAtomicSeqAssignment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestWorkspace(t, s, "W1")
	createTestSession(t, s, "W1", "Ag1", "S1")

	const n = 20
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := s.AppendMessage(ctx, &Message{
				ID: fmt.Sprintf("m%d", i), SessionID: "S1", Type: "user", Content: "x", CreatedAt: time.Now(),
			})
			if err != nil {
				t.Errorf("AppendMessage: %v", err)
				return
			}
			seqs <- seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Errorf("duplicate seq %d", seq)
		}
		seen[seq] = true
	}
}

func TestMessageExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestWorkspace(t, s, "W1")
	createTestSession(t, s, "W1", "Ag1", "S1")

	if _, err := s.AppendMessage(ctx, &Message{ID: "m1", SessionID: "S1", Type: "user", Content: "x", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.MessageExists(ctx, "S1", "m1"); !ok {
		t.Error("expected m1 to exist")
	}
	if ok, _ := s.MessageExists(ctx, "S1", "m2"); ok {
		t.Error("m2 should not exist")
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []*AuditEvent{
		{ID: "a1", Action: "connection.denied", UserID: "u1", CreatedAt: time.Now().Add(-2 * time.Minute)},
		{ID: "a2", Action: "session.access_denied", UserID: "u1", SessionID: "S1", WorkspaceID: "W1", CreatedAt: time.Now().Add(-time.Minute)},
		{ID: "a3", Action: "session.joined", UserID: "u2", SessionID: "S1", Detail: json.RawMessage(`{"conn_id":"c1"}`), CreatedAt: time.Now()},
	}
	for _, e := range events {
		if err := s.LogAuditEvent(ctx, e); err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	all, err := s.ListAuditEvents(ctx, AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "a3" {
		t.Fatalf("expected 3 events newest first, got %+v", all)
	}
	if string(all[0].Detail) != `{"conn_id":"c1"}` {
		t.Errorf("detail: got %s", all[0].Detail)
	}

	sessionEvents, _ := s.ListAuditEvents(ctx, AuditFilter{Action: "session."})
	if len(sessionEvents) != 2 {
		t.Errorf("action prefix filter: got %d, want 2", len(sessionEvents))
	}
	u1, _ := s.ListAuditEvents(ctx, AuditFilter{UserID: "u1", Limit: 1})
	if len(u1) != 1 || u1[0].ID != "a2" {
		t.Errorf("user filter with limit: got %+v", u1)
	}
	ws, _ := s.ListAuditEvents(ctx, AuditFilter{WorkspaceID: "W1"})
	if len(ws) != 1 {
		t.Errorf("workspace filter: got %d, want 1", len(ws))
	}
}

func TestPurgeOldData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestWorkspace(t, s, "W1")
	createTestSession(t, s, "W1", "Ag1", "S1")

	old := time.Now().Add(-48 * time.Hour)
	if _, err := s.AppendMessage(ctx, &Message{ID: "old", SessionID: "S1", Type: "user", Content: "x", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, &Message{ID: "new", SessionID: "S1", Type: "user", Content: "y", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.LogAuditEvent(ctx, &AuditEvent{ID: "a-old", Action: "x", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	n, err := s.PurgeOldMessages(ctx, cutoff)
	if err != nil || n != 1 {
		t.Errorf("PurgeOldMessages: got %d, err %v", n, err)
	}
	n, err = s.PurgeOldAuditEvents(ctx, cutoff)
	if err != nil || n != 1 {
		t.Errorf("PurgeOldAuditEvents: got %d, err %v", n, err)
	}
	if ok, _ := s.MessageExists(ctx, "S1", "new"); !ok {
		t.Error("recent message should survive purge")
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
