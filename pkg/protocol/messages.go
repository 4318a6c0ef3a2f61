// Package protocol defines the wire protocol messages exchanged between
// collab UI clients and the hub over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"` // client correlation ID, echoed on direct replies
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// DecodePayload re-decodes the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// --- Message type constants ---

const (
	// Client → Hub
	TypeJoinSession    = "join-session"
	TypeSendMessage    = "send-message"
	TypeTyping         = "typing"
	TypeUpdatePresence = "update-presence"
	TypeLeaveSession   = "leave-session"
	TypeRequestHistory = "request-history"

	// Hub → Client (direct replies)
	TypeJoinSessionSuccess  = "join-session-success"
	TypeJoinSessionError    = "join-session-error"
	TypeMessageSent         = "message-sent"
	TypeSendMessageError    = "send-message-error"
	TypeLeaveSessionSuccess = "leave-session-success"
	TypeHistoryResponse     = "history-response"
	TypeErrorResponse       = "error"

	// Hub → Client (room broadcasts)
	TypeMessageReceived = "message-received"
	TypeTypingIndicator = "typing-indicator"
	TypePresenceUpdated = "presence-updated"
	TypeUserJoined      = "user-joined"
	TypeUserLeft        = "user-left"
	TypeAgentStatus     = "agent-status"
)

// MessageType classifies the author of a chat message.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
)

// Metadata keys set by the hub on streamed assistant chunks.
const (
	MetaStreaming = "streaming"
	MetaComplete  = "complete"
	MetaChunk     = "chunk"
	MetaToolCalls = "tool_calls"
)

// PresenceStatus is a participant's self-reported or derived activity state.
type PresenceStatus string

const (
	StatusActive PresenceStatus = "active"
	StatusIdle   PresenceStatus = "idle"
	StatusAway   PresenceStatus = "away"
)

// Valid reports whether s is one of the known statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusAway:
		return true
	}
	return false
}

// --- Client → Hub payloads ---

// JoinSession asks to enter a session and its workspace and agent rooms.
type JoinSession struct {
	SessionID   string `json:"session_id" validate:"required,roomid"`
	AgentID     string `json:"agent_id" validate:"required,roomid"`
	WorkspaceID string `json:"workspace_id" validate:"required,roomid"`
}

// SendMessage carries a chat message for a session the sender has joined.
type SendMessage struct {
	Message ChatMessage `json:"message"`
}

// Typing toggles the sender's typing indicator in a session.
type Typing struct {
	SessionID string `json:"session_id" validate:"required,roomid"`
	IsTyping  bool   `json:"is_typing"`
}

// UpdatePresence sets the sender's status in a session.
type UpdatePresence struct {
	SessionID string         `json:"session_id" validate:"required,roomid"`
	Status    PresenceStatus `json:"status" validate:"required,oneof=active idle away"`
}

// LeaveSession exits a session.
type LeaveSession struct {
	SessionID string `json:"session_id" validate:"required,roomid"`
}

// RequestHistory pages through a session's stored messages.
type RequestHistory struct {
	SessionID string `json:"session_id" validate:"required,roomid"`
	Limit     int    `json:"limit" validate:"gte=0"`
	Offset    int    `json:"offset" validate:"gte=0"`
}

// --- Shared payloads ---

// ChatMessage is a message exchanged in a session. The hub assigns ID,
// sender fields and Timestamp before fan-out.
type ChatMessage struct {
	ID         string         `json:"id,omitempty"`
	SessionID  string         `json:"session_id" validate:"required,roomid"`
	SenderID   string         `json:"sender_id,omitempty"`
	SenderName string         `json:"sender_name,omitempty"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       MessageType    `json:"type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Presence describes one participant of a session.
type Presence struct {
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	DisplayName  string         `json:"display_name"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Status       PresenceStatus `json:"status"`
	Typing       bool           `json:"typing"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastActivity time.Time      `json:"last_activity"`
}

// --- Hub → Client payloads ---

// JoinSessionSuccess acknowledges a join directly to the joining connection.
type JoinSessionSuccess struct {
	SessionID       string     `json:"session_id"`
	AgentID         string     `json:"agent_id"`
	WorkspaceID     string     `json:"workspace_id"`
	RoomID          string     `json:"room_id"`
	WorkspaceRoomID string     `json:"workspace_room_id"`
	AgentRoomID     string     `json:"agent_room_id"`
	Presence        Presence   `json:"presence"`
	Participants    []Presence `json:"participants,omitempty"`
}

// MessageReceived is broadcast to a session room for every admitted message.
type MessageReceived struct {
	Message ChatMessage `json:"message"`
}

// MessageSent acknowledges an admitted message to its sender.
type MessageSent struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingIndicator is broadcast when a participant starts or stops typing.
type TypingIndicator struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	IsTyping    bool      `json:"is_typing"`
	Timestamp   time.Time `json:"timestamp"`
}

// PresenceEvent is the payload of user-joined, user-left and presence-updated.
type PresenceEvent struct {
	Presence
	Timestamp time.Time `json:"timestamp"`
}

// LeaveSessionSuccess acknowledges a leave.
type LeaveSessionSuccess struct {
	SessionID string `json:"session_id"`
}

// HistoryResponse returns one page of a session's stored messages.
type HistoryResponse struct {
	SessionID string        `json:"session_id"`
	Messages  []ChatMessage `json:"messages"`
	Limit     int           `json:"limit"`
	Offset    int           `json:"offset"`
	HasMore   bool          `json:"has_more"`
}

// AgentStatus is a server-initiated notice fanned out to an agent room.
type AgentStatus struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

// AgentChunk is one piece of streamed agent output for a session.
type AgentChunk struct {
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id"`
	MessageID string         `json:"message_id,omitempty"`
	Content   string         `json:"content"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Error codes carried by ErrorResponse.
const (
	CodeAdmissionDenied  = "admission_denied"
	CodeRateLimited      = "rate_limited"
	CodeValidationFailed = "validation_failed"
	CodeAccessDenied     = "access_denied"
	CodeNotMember        = "not_member"
	CodeInternal         = "internal_error"
	CodeUnknownEvent     = "unknown_event"
)

// ErrorResponse carries a typed gate failure from hub to client.
type ErrorResponse struct {
	Code      string     `json:"code"`
	Message   string     `json:"error"`
	Event     string     `json:"event,omitempty"` // inbound type that failed
	Errors    []string   `json:"errors,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
	Remaining *int       `json:"remaining,omitempty"`
}
