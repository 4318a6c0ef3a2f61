package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/amurg-ai/collab/hub/internal/store"
)

// StoreAccess answers access checks from workspace membership in the store.
type StoreAccess struct {
	store store.Store
}

// NewStoreAccess creates a StoreAccess.
func NewStoreAccess(s store.Store) *StoreAccess {
	return &StoreAccess{store: s}
}

// ValidateAccess reports whether id may join sessionID with agentID in
// workspaceID. The user must be a member of the workspace (admins bypass
// membership), the agent must belong to the workspace, and an existing
// session must belong to both. A session not seen before is created.
func (a *StoreAccess) ValidateAccess(ctx context.Context, id *Identity, workspaceID, agentID, sessionID string) (bool, error) {
	if id == nil || id.UserID == "" {
		return false, nil
	}

	ws, err := a.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return false, fmt.Errorf("get workspace: %w", err)
	}
	if ws == nil {
		return false, nil
	}

	if !id.IsAdmin() {
		member, err := a.store.IsWorkspaceMember(ctx, workspaceID, id.UserID)
		if err != nil {
			return false, fmt.Errorf("check membership: %w", err)
		}
		if !member {
			return false, nil
		}
	}

	agent, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("get agent: %w", err)
	}
	if agent == nil || agent.WorkspaceID != workspaceID {
		return false, nil
	}

	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		now := time.Now()
		if err := a.store.CreateSession(ctx, &store.Session{
			ID:          sessionID,
			WorkspaceID: workspaceID,
			AgentID:     agentID,
			CreatedBy:   id.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return false, fmt.Errorf("create session: %w", err)
		}
		// Another member may have created it first with different ids.
		if sess, err = a.store.GetSession(ctx, sessionID); err != nil {
			return false, fmt.Errorf("get session: %w", err)
		}
		if sess == nil {
			return false, fmt.Errorf("session %s missing after create", sessionID)
		}
	}
	return sess.WorkspaceID == workspaceID && sess.AgentID == agentID, nil
}
