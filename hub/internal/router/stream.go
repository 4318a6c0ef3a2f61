package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/amurg-ai/collab/hub/internal/room"
	"github.com/amurg-ai/collab/hub/internal/validate"
	"github.com/amurg-ai/collab/pkg/protocol"
	"github.com/oklog/ulid/v2"
)

// agentStream accumulates the chunks of one streamed assistant message.
type agentStream struct {
	sessionID string
	agentID   string
	content   strings.Builder
	chunks    int
	startedAt time.Time
	updatedAt time.Time
}

// PublishAgentChunk fans one piece of agent output out to the session room
// as message-received, flagged as streaming. Chunks sharing a message id are
// accumulated; the final chunk materializes the complete assistant message
// in history. It returns the message as broadcast, whose ID the producer
// passes with subsequent chunks.
func (r *Router) PublishAgentChunk(ctx context.Context, chunk protocol.AgentChunk) (protocol.ChatMessage, error) {
	if !validate.ValidID(chunk.SessionID) || !validate.ValidID(chunk.AgentID) {
		return protocol.ChatMessage{}, fmt.Errorf("invalid session or agent id")
	}
	if chunk.MessageID == "" {
		chunk.MessageID = ulid.Make().String()
	} else if !validate.ValidID(chunk.MessageID) {
		return protocol.ChatMessage{}, fmt.Errorf("invalid message id")
	}

	res := r.validator.ValidateAgentOutput(protocol.ChatMessage{
		SessionID: chunk.SessionID,
		Content:   chunk.Content,
		Metadata:  chunk.Metadata,
	})
	if !res.Valid {
		r.logger.Warn("agent output rejected", "session_id", chunk.SessionID,
			"agent_id", chunk.AgentID, "errors", res.Errors)
		return protocol.ChatMessage{}, fmt.Errorf("agent output failed validation: %s", strings.Join(res.Errors, "; "))
	}
	content := res.Sanitized.Content

	now := time.Now()
	r.streamMu.Lock()
	st, ok := r.streams[chunk.MessageID]
	if !ok {
		st = &agentStream{sessionID: chunk.SessionID, agentID: chunk.AgentID, startedAt: now}
		r.streams[chunk.MessageID] = st
	}
	if st.sessionID != chunk.SessionID {
		r.streamMu.Unlock()
		return protocol.ChatMessage{}, fmt.Errorf("message %s belongs to another session", chunk.MessageID)
	}
	st.chunks++
	st.updatedAt = now
	st.content.WriteString(content)
	n := st.chunks
	full := st.content.String()
	startedAt := st.startedAt
	if chunk.Final {
		delete(r.streams, chunk.MessageID)
	}
	r.streamMu.Unlock()

	meta := make(map[string]any, len(res.Sanitized.Metadata)+3)
	for k, v := range res.Sanitized.Metadata {
		meta[k] = v
	}
	meta[protocol.MetaStreaming] = true
	meta[protocol.MetaComplete] = chunk.Final
	meta[protocol.MetaChunk] = n

	msg := protocol.ChatMessage{
		ID:         chunk.MessageID,
		SessionID:  chunk.SessionID,
		SenderID:   chunk.AgentID,
		SenderName: chunk.AgentID,
		Content:    content,
		Timestamp:  now,
		Type:       protocol.MessageAssistant,
		Metadata:   meta,
	}
	r.broadcast(room.SessionRoom(chunk.SessionID), protocol.TypeMessageReceived, chunk.SessionID,
		protocol.MessageReceived{Message: msg}, "")

	if chunk.Final {
		messagesTotal.WithLabelValues(string(protocol.MessageAssistant)).Inc()
		if r.history != nil {
			stored := msg
			stored.Content = full
			stored.Timestamp = startedAt
			stored.Metadata = res.Sanitized.Metadata
			if err := r.history.Append(ctx, stored); err != nil {
				r.logger.Warn("failed to persist agent message", "session_id", chunk.SessionID,
					"message_id", chunk.MessageID, "error", err)
			}
		}
	}
	return msg, nil
}

// ExpireStreams drops accumulated streams that have not received a chunk
// for maxAge, e.g. because the producer died before the final chunk.
func (r *Router) ExpireStreams(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	r.streamMu.Lock()
	defer r.streamMu.Unlock()
	n := 0
	for id, st := range r.streams {
		if st.updatedAt.Before(cutoff) {
			r.logger.Warn("dropping unfinished agent stream", "message_id", id,
				"session_id", st.sessionID, "agent_id", st.agentID, "chunks", st.chunks)
			delete(r.streams, id)
			n++
		}
	}
	return n
}

// BroadcastToWorkspace delivers a server-initiated event to every
// connection in the workspace room.
func (r *Router) BroadcastToWorkspace(workspaceID, msgType string, payload any) int {
	return r.broadcast(room.WorkspaceRoom(workspaceID), msgType, "", payload, "")
}

// BroadcastToAgent delivers a server-initiated event to every connection in
// the agent room.
func (r *Router) BroadcastToAgent(agentID, msgType string, payload any) int {
	return r.broadcast(room.AgentRoom(agentID), msgType, "", payload, "")
}

// PublishAgentStatus records an agent's status and announces it to the
// agent room. It returns the number of connections notified.
func (r *Router) PublishAgentStatus(ctx context.Context, st protocol.AgentStatus) (int, error) {
	if !validate.ValidID(st.AgentID) || st.Status == "" {
		return 0, fmt.Errorf("agent id and status are required")
	}
	st.Detail = validate.SanitizeString(st.Detail)
	if r.store != nil {
		if err := r.store.SetAgentStatus(ctx, st.AgentID, st.Status); err != nil {
			return 0, fmt.Errorf("set agent status: %w", err)
		}
	}
	return r.BroadcastToAgent(st.AgentID, protocol.TypeAgentStatus, st), nil
}
