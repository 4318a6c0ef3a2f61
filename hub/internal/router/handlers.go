package router

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/amurg-ai/collab/hub/internal/ratelimit"
	"github.com/amurg-ai/collab/hub/internal/room"
	"github.com/amurg-ai/collab/hub/internal/store"
	"github.com/amurg-ai/collab/hub/internal/validate"
	"github.com/amurg-ai/collab/pkg/protocol"
	"github.com/oklog/ulid/v2"
)

// handlerTimeout bounds collaborator calls (access checks, history) made
// while handling one event.
const handlerTimeout = 10 * time.Second

// dispatch runs one inbound event. A panicking handler is reported to the
// client as internal_error and does not take the connection down.
func (r *Router) dispatch(cc *clientConn, env protocol.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in client event handler",
				"conn_id", cc.id, "type", env.Type, "panic", rec, "stack", string(debug.Stack()))
			r.replyError(cc, env, env.SessionID, protocol.CodeInternal, "internal error", nil)
		}
	}()

	cc.opMu.Lock()
	defer cc.opMu.Unlock()
	if cc.closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	eventsTotal.WithLabelValues(env.Type).Inc()
	switch env.Type {
	case protocol.TypeJoinSession:
		r.handleJoin(ctx, cc, env)
	case protocol.TypeSendMessage:
		r.handleSend(ctx, cc, env)
	case protocol.TypeTyping:
		r.handleTyping(cc, env)
	case protocol.TypeUpdatePresence:
		r.handleUpdatePresence(cc, env)
	case protocol.TypeLeaveSession:
		r.handleLeave(cc, env)
	case protocol.TypeRequestHistory:
		r.handleHistory(ctx, cc, env)
	default:
		r.logger.Warn("unknown client message type", "type", env.Type, "conn_id", cc.id)
		r.replyError(cc, env, env.SessionID, protocol.CodeUnknownEvent, "unknown event type", nil)
	}
}

// decode unpacks and shape-checks an event payload, replying with
// validation_failed on failure.
func (r *Router) decode(cc *clientConn, env protocol.Envelope, v any) bool {
	if err := env.DecodePayload(v); err != nil {
		r.replyError(cc, env, env.SessionID, protocol.CodeValidationFailed, "malformed payload", nil)
		return false
	}
	if errs := validate.Shape(v); len(errs) > 0 {
		r.replyError(cc, env, env.SessionID, protocol.CodeValidationFailed, "invalid payload", errs)
		return false
	}
	return true
}

// requireMember replies not_member unless the connection has joined
// sessionID.
func (r *Router) requireMember(cc *clientConn, env protocol.Envelope, sessionID string) bool {
	if cc.inSession(sessionID) {
		return true
	}
	r.logger.Warn("event for session not joined", "security", true,
		"conn_id", cc.id, "user_id", cc.userID, "type", env.Type, "session_id", sessionID)
	r.replyError(cc, env, sessionID, protocol.CodeNotMember, "not a member of this session", nil)
	return false
}

func (r *Router) handleJoin(ctx context.Context, cc *clientConn, env protocol.Envelope) {
	if res := r.limiter.Allow(cc.userID, ratelimit.OpJoinRoom); !res.Allowed {
		r.replyRateLimited(cc, env, env.SessionID, res)
		return
	}

	var p protocol.JoinSession
	if !r.decode(cc, env, &p) {
		return
	}

	if m, ok := cc.sessions[p.SessionID]; ok && m.workspaceID == p.WorkspaceID && m.agentID == p.AgentID {
		// Already joined: acknowledge again without re-announcing.
		r.replyJoined(cc, env, p)
		return
	}

	allowed, err := r.access.ValidateAccess(ctx, cc.identity, p.WorkspaceID, p.AgentID, p.SessionID)
	if err != nil {
		r.logger.Error("access check failed", "conn_id", cc.id, "session_id", p.SessionID, "error", err)
		r.replyError(cc, env, p.SessionID, protocol.CodeInternal, "access check failed", nil)
		return
	}
	if !allowed {
		r.logger.Warn("session access denied", "security", true, "user_id", cc.userID,
			"session_id", p.SessionID, "workspace_id", p.WorkspaceID, "agent_id", p.AgentID)
		r.audit(ctx, &store.AuditEvent{
			Action:      "session.access_denied",
			UserID:      cc.userID,
			SessionID:   p.SessionID,
			WorkspaceID: p.WorkspaceID,
			AgentID:     p.AgentID,
		})
		r.replyError(cc, env, p.SessionID, protocol.CodeAccessDenied, "access denied", nil)
		return
	}

	// A rejoin with different ids means the previous membership is stale.
	if cc.inSession(p.SessionID) {
		r.leaveSession(cc, p.SessionID)
	}

	m := membership{workspaceID: p.WorkspaceID, agentID: p.AgentID}
	for _, roomID := range roomsFor(p.SessionID, m) {
		if cc.retainRoom(roomID) {
			r.rooms.Join(roomID, cc.id)
		}
	}
	cc.sessions[p.SessionID] = m

	ev := r.presence.MarkJoined(p.SessionID, cc.userID, cc.id, cc.username)
	r.broadcast(room.SessionRoom(p.SessionID), protocol.TypeUserJoined, p.SessionID, ev, cc.id)
	r.replyJoined(cc, env, p)

	r.logger.Info("client joined session", "user", cc.username, "conn_id", cc.id, "session_id", p.SessionID)
}

func (r *Router) replyJoined(cc *clientConn, env protocol.Envelope, p protocol.JoinSession) {
	self, _ := r.presence.Get(p.SessionID, cc.userID)
	r.sendToClient(cc, protocol.TypeJoinSessionSuccess, env.ID, p.SessionID, protocol.JoinSessionSuccess{
		SessionID:       p.SessionID,
		AgentID:         p.AgentID,
		WorkspaceID:     p.WorkspaceID,
		RoomID:          room.SessionRoom(p.SessionID),
		WorkspaceRoomID: room.WorkspaceRoom(p.WorkspaceID),
		AgentRoomID:     room.AgentRoom(p.AgentID),
		Presence:        self,
		Participants:    r.presence.List(p.SessionID),
	})
}

func (r *Router) handleSend(ctx context.Context, cc *clientConn, env protocol.Envelope) {
	var p protocol.SendMessage
	if err := env.DecodePayload(&p); err != nil {
		r.replyError(cc, env, env.SessionID, protocol.CodeValidationFailed, "malformed payload", nil)
		return
	}
	sessionID := p.Message.SessionID

	if !r.requireMember(cc, env, sessionID) {
		return
	}
	if res := r.limiter.Allow(cc.userID, ratelimit.OpSendMessage); !res.Allowed {
		r.replyRateLimited(cc, env, sessionID, res)
		return
	}

	result := r.validator.ValidateMessage(p.Message)
	if !result.Valid {
		r.logger.Warn("message rejected", "conn_id", cc.id, "user_id", cc.userID,
			"session_id", sessionID, "errors", result.Errors)
		r.replyError(cc, env, sessionID, protocol.CodeValidationFailed, "message failed validation", result.Errors)
		return
	}

	msg := *result.Sanitized
	// Stream markers are set only by the hub on agent output.
	for _, k := range []string{protocol.MetaStreaming, protocol.MetaComplete, protocol.MetaChunk} {
		delete(msg.Metadata, k)
	}
	if msg.ID != "" && !validate.ValidID(msg.ID) {
		msg.ID = ""
	}
	if msg.ID != "" && r.persist && r.history != nil {
		// A retried send of a stored message is acknowledged, not re-broadcast.
		if dup, err := r.history.Exists(ctx, sessionID, msg.ID); err == nil && dup {
			r.sendToClient(cc, protocol.TypeMessageSent, env.ID, sessionID, protocol.MessageSent{
				MessageID: msg.ID,
				SessionID: sessionID,
				Timestamp: time.Now(),
			})
			return
		}
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	msg.SenderID = cc.userID
	msg.SenderName = cc.username
	msg.Timestamp = time.Now()
	msg.Type = protocol.MessageUser

	if ev, changed := r.presence.Touch(sessionID, cc.userID); changed {
		r.broadcast(room.SessionRoom(sessionID), protocol.TypePresenceUpdated, sessionID, ev, "")
	}

	if r.persist && r.history != nil {
		if err := r.history.Append(ctx, msg); err != nil {
			r.logger.Warn("failed to persist message", "session_id", sessionID, "message_id", msg.ID, "error", err)
		}
	}

	r.broadcast(room.SessionRoom(sessionID), protocol.TypeMessageReceived, sessionID, protocol.MessageReceived{Message: msg}, cc.id)
	r.sendToClient(cc, protocol.TypeMessageSent, env.ID, sessionID, protocol.MessageSent{
		MessageID: msg.ID,
		SessionID: sessionID,
		Timestamp: msg.Timestamp,
	})
	messagesTotal.WithLabelValues(string(msg.Type)).Inc()
}

func (r *Router) handleTyping(cc *clientConn, env protocol.Envelope) {
	var p protocol.Typing
	if !r.decode(cc, env, &p) {
		return
	}
	if !r.requireMember(cc, env, p.SessionID) {
		return
	}
	if res := r.limiter.Allow(cc.userID, ratelimit.OpTyping); !res.Allowed {
		typingDropped.Inc()
		r.logger.Debug("typing event rate limited", "conn_id", cc.id, "session_id", p.SessionID)
		return
	}

	if _, ok := r.presence.SetTyping(p.SessionID, cc.userID, p.IsTyping); !ok {
		return
	}
	r.broadcast(room.SessionRoom(p.SessionID), protocol.TypeTypingIndicator, p.SessionID, protocol.TypingIndicator{
		SessionID:   p.SessionID,
		UserID:      cc.userID,
		DisplayName: cc.username,
		IsTyping:    p.IsTyping,
		Timestamp:   time.Now(),
	}, cc.id)
}

func (r *Router) handleUpdatePresence(cc *clientConn, env protocol.Envelope) {
	var p protocol.UpdatePresence
	if !r.decode(cc, env, &p) {
		return
	}
	if !r.requireMember(cc, env, p.SessionID) {
		return
	}
	if res := r.limiter.Allow(cc.userID, ratelimit.OpUpdatePresence); !res.Allowed {
		r.replyRateLimited(cc, env, p.SessionID, res)
		return
	}

	ev, ok := r.presence.UpdateStatus(p.SessionID, cc.userID, p.Status)
	if !ok {
		return
	}
	r.broadcast(room.SessionRoom(p.SessionID), protocol.TypePresenceUpdated, p.SessionID, ev, cc.id)
}

func (r *Router) handleLeave(cc *clientConn, env protocol.Envelope) {
	var p protocol.LeaveSession
	if !r.decode(cc, env, &p) {
		return
	}
	if !r.requireMember(cc, env, p.SessionID) {
		return
	}
	r.leaveSession(cc, p.SessionID)
	r.sendToClient(cc, protocol.TypeLeaveSessionSuccess, env.ID, p.SessionID, protocol.LeaveSessionSuccess{
		SessionID: p.SessionID,
	})
}

// leaveSession releases the session's rooms, clears the connection's
// presence and announces the departure. Leaving a session the connection
// does not hold is a no-op. Callers hold cc.opMu.
func (r *Router) leaveSession(cc *clientConn, sessionID string) {
	m, ok := cc.sessions[sessionID]
	if !ok {
		return
	}
	delete(cc.sessions, sessionID)

	r.leaveMu.Lock()
	for _, roomID := range roomsFor(sessionID, m) {
		if cc.releaseRoom(roomID) {
			r.rooms.Leave(roomID, cc.id)
		}
	}
	ev, removed := r.presence.MarkLeftFrom(sessionID, cc.userID, cc.id)
	var handoff protocol.PresenceEvent
	handedOff := false
	if removed {
		handoff, handedOff = r.handoffPresence(sessionID, cc.userID)
	}
	r.leaveMu.Unlock()

	switch {
	case !removed:
		// Another connection of this user owns the record.
	case handedOff:
		r.broadcast(room.SessionRoom(sessionID), protocol.TypePresenceUpdated, sessionID, handoff, "")
	default:
		r.broadcast(room.SessionRoom(sessionID), protocol.TypeUserLeft, sessionID, ev, cc.id)
		r.logger.Info("client left session", "user", cc.username, "conn_id", cc.id, "session_id", sessionID)
	}
}

// handoffPresence moves a user's presence to another of their connections
// still in the session and returns the resulting event. It reports whether
// such a connection was found. Callers hold r.leaveMu, so no other
// connection can leave the session room while the record is reassigned.
func (r *Router) handoffPresence(sessionID, userID string) (protocol.PresenceEvent, bool) {
	for _, connID := range r.rooms.MembersOf(room.SessionRoom(sessionID)) {
		other, ok := r.client(connID)
		if !ok || other.userID != userID {
			continue
		}
		return r.presence.MarkJoined(sessionID, userID, other.id, other.username), true
	}
	return protocol.PresenceEvent{}, false
}

func (r *Router) handleHistory(ctx context.Context, cc *clientConn, env protocol.Envelope) {
	var p protocol.RequestHistory
	if !r.decode(cc, env, &p) {
		return
	}
	if !r.requireMember(cc, env, p.SessionID) {
		return
	}
	if res := r.limiter.Allow(cc.userID, ratelimit.OpHistory); !res.Allowed {
		r.replyRateLimited(cc, env, p.SessionID, res)
		return
	}

	limit := p.Limit
	if limit == 0 {
		limit = r.historyDefault
	}
	if limit > r.historyMax {
		limit = r.historyMax
	}

	resp := protocol.HistoryResponse{
		SessionID: p.SessionID,
		Messages:  []protocol.ChatMessage{},
		Limit:     limit,
		Offset:    p.Offset,
	}
	if r.history != nil {
		msgs, hasMore, err := r.history.Fetch(ctx, p.SessionID, limit, p.Offset)
		if err != nil {
			r.logger.Error("history fetch failed", "session_id", p.SessionID, "error", err)
			r.replyError(cc, env, p.SessionID, protocol.CodeInternal, "history unavailable", nil)
			return
		}
		resp.Messages = msgs
		resp.HasMore = hasMore
	}
	r.sendToClient(cc, protocol.TypeHistoryResponse, env.ID, p.SessionID, resp)
}
