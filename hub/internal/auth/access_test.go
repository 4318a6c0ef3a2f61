package auth

import (
	"context"
	"testing"
	"time"

	"github.com/amurg-ai/collab/hub/internal/store"
)

func newTestAccess(t *testing.T) (*StoreAccess, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	now := time.Now()
	for _, ws := range []string{"W1", "W2"} {
		if err := s.CreateWorkspace(ctx, &store.Workspace{ID: ws, Name: ws, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpsertAgent(ctx, &store.Agent{ID: "Ag1", WorkspaceID: "W1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAgent(ctx, &store.Agent{ID: "Ag2", WorkspaceID: "W2", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddWorkspaceMember(ctx, "W1", "alice", "member"); err != nil {
		t.Fatal(err)
	}
	return NewStoreAccess(s), s
}

func TestValidateAccess(t *testing.T) {
	access, s := newTestAccess(t)
	ctx := context.Background()

	alice := &Identity{UserID: "alice", Username: "Alice", Role: "user"}
	mallory := &Identity{UserID: "mallory", Username: "Mallory", Role: "user"}
	root := &Identity{UserID: "root", Username: "Root", Role: "admin"}

	tests := []struct {
		name                  string
		id                    *Identity
		workspace, agent, ses string
		want                  bool
	}{
		{"member joins new session", alice, "W1", "Ag1", "S1", true},
		{"member rejoins existing session", alice, "W1", "Ag1", "S1", true},
		{"non-member denied", mallory, "W1", "Ag1", "S1", false},
		{"admin bypasses membership", root, "W1", "Ag1", "S1", true},
		{"agent from other workspace", alice, "W1", "Ag2", "S2", false},
		{"unknown workspace", alice, "W9", "Ag1", "S3", false},
		{"unknown agent", alice, "W1", "Ag9", "S4", false},
		{"session bound to other agent", root, "W2", "Ag2", "S1", false},
		{"nil identity", nil, "W1", "Ag1", "S1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := access.ValidateAccess(ctx, tt.id, tt.workspace, tt.agent, tt.ses)
			if err != nil {
				t.Fatalf("ValidateAccess: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	sess, err := s.GetSession(ctx, "S1")
	if err != nil || sess == nil {
		t.Fatalf("S1 should have been created: %+v, %v", sess, err)
	}
	if sess.CreatedBy != "alice" || sess.WorkspaceID != "W1" || sess.AgentID != "Ag1" {
		t.Errorf("unexpected session %+v", sess)
	}
	if denied, _ := s.GetSession(ctx, "S2"); denied != nil {
		t.Error("denied access must not create a session")
	}
}
