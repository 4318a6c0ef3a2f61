package auth

import (
	"context"

	"github.com/amurg-ai/collab/hub/internal/store"
)

// Identity is the unified identity representation for all auth providers.
// It is attached to a connection at handshake time.
type Identity struct {
	UserID   string // Internal user ID (builtin) or external provider user ID
	Username string
	Role     string // "admin" or "user"
}

// IsAdmin reports whether the identity carries the admin role.
func (i *Identity) IsAdmin() bool { return i != nil && i.Role == "admin" }

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.User, error)
}

// AccessChecker decides whether a user may take part in a session.
type AccessChecker interface {
	ValidateAccess(ctx context.Context, id *Identity, workspaceID, agentID, sessionID string) (bool, error)
}
