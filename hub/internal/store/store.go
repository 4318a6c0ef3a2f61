// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Workspaces
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]Workspace, error)
	AddWorkspaceMember(ctx context.Context, workspaceID, userID, role string) error
	RemoveWorkspaceMember(ctx context.Context, workspaceID, userID string) error
	IsWorkspaceMember(ctx context.Context, workspaceID, userID string) (bool, error)

	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, workspaceID string) ([]Agent, error)
	SetAgentStatus(ctx context.Context, id, status string) error

	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, workspaceID string) ([]Session, error)
	TouchSession(ctx context.Context, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error)
	MessageExists(ctx context.Context, sessionID, messageID string) (bool, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a hub user.
type User struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"external_id,omitempty"` // external auth user_id or empty
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Workspace groups users, agents and their sessions.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is an AI participant registered in a workspace.
type Agent struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"` // "online", "offline", "busy"
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Session is a conversation between workspace members and one agent.
type Session struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	AgentID     string    `json:"agent_id"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message represents a stored message in a session transcript.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Seq        int64     `json:"seq"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Type       string    `json:"type"` // "user", "assistant", "system"
	Content    string    `json:"content"`
	Metadata   string    `json:"metadata"` // JSON-encoded object
	CreatedAt  time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID          string          `json:"id"`
	Action      string          `json:"action"`
	UserID      string          `json:"user_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action      string // prefix match
	UserID      string
	SessionID   string
	WorkspaceID string
	Limit       int
	Offset      int
}

// reverseMessages flips a newest-first page into chronological order.
func reverseMessages(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
