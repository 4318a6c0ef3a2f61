package router

import (
	"encoding/json"
	"time"

	"github.com/amurg-ai/collab/hub/internal/ratelimit"
	"github.com/amurg-ai/collab/pkg/protocol"
)

// errorTypeFor picks the reply type for a failed inbound event: joins and
// sends have dedicated error events, everything else uses the generic one.
func errorTypeFor(eventType string) string {
	switch eventType {
	case protocol.TypeJoinSession:
		return protocol.TypeJoinSessionError
	case protocol.TypeSendMessage:
		return protocol.TypeSendMessageError
	}
	return protocol.TypeErrorResponse
}

// replyError reports a gate failure to the originating connection.
func (r *Router) replyError(cc *clientConn, env protocol.Envelope, sessionID, code, message string, errs []string) {
	eventErrors.WithLabelValues(env.Type, code).Inc()
	r.sendToClient(cc, errorTypeFor(env.Type), env.ID, sessionID, protocol.ErrorResponse{
		Code:    code,
		Message: message,
		Event:   env.Type,
		Errors:  errs,
	})
}

// replyRateLimited reports a rate-limit denial with the window reset time so
// the client can back off.
func (r *Router) replyRateLimited(cc *clientConn, env protocol.Envelope, sessionID string, res ratelimit.Result) {
	eventErrors.WithLabelValues(env.Type, protocol.CodeRateLimited).Inc()
	resetAt := res.ResetAt
	remaining := res.Remaining
	r.sendToClient(cc, errorTypeFor(env.Type), env.ID, sessionID, protocol.ErrorResponse{
		Code:      protocol.CodeRateLimited,
		Message:   "rate limit exceeded",
		Event:     env.Type,
		ResetAt:   &resetAt,
		Remaining: &remaining,
	})
}

// sendToClient queues one envelope for a single connection.
func (r *Router) sendToClient(cc *clientConn, msgType, id, sessionID string, payload any) {
	env := protocol.Envelope{
		Type:      msgType,
		ID:        id,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Warn("marshal error", "error", err)
		return
	}
	if err := cc.enqueue(data); err != nil {
		r.logger.Debug("send to client failed", "conn_id", cc.id, "error", err)
	}
}

// broadcast sends an envelope to every member of roomID except exclude.
func (r *Router) broadcast(roomID, msgType, sessionID string, payload any, exclude string) int {
	n := r.rooms.Broadcast(roomID, protocol.Envelope{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	}, exclude)
	broadcastsTotal.WithLabelValues(msgType).Inc()
	deliveriesTotal.Add(float64(n))
	return n
}
