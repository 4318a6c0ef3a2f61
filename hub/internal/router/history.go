package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amurg-ai/collab/hub/internal/store"
	"github.com/amurg-ai/collab/pkg/protocol"
)

// History is the transcript collaborator: it stores admitted messages and
// serves pages of them back.
type History interface {
	// Fetch returns up to limit messages in chronological order, skipping
	// the newest offset, and whether older messages remain.
	Fetch(ctx context.Context, sessionID string, limit, offset int) ([]protocol.ChatMessage, bool, error)
	Append(ctx context.Context, msg protocol.ChatMessage) error
	Exists(ctx context.Context, sessionID, messageID string) (bool, error)
}

// StoreHistory serves History from a store.Store.
type StoreHistory struct {
	store store.Store
}

// NewStoreHistory creates a StoreHistory.
func NewStoreHistory(s store.Store) *StoreHistory {
	return &StoreHistory{store: s}
}

func (h *StoreHistory) Fetch(ctx context.Context, sessionID string, limit, offset int) ([]protocol.ChatMessage, bool, error) {
	// One extra row tells us whether an older page exists.
	rows, err := h.store.GetMessages(ctx, sessionID, limit+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("get messages: %w", err)
	}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[1:] // oldest first
	}

	msgs := make([]protocol.ChatMessage, 0, len(rows))
	for _, m := range rows {
		cm := protocol.ChatMessage{
			ID:         m.ID,
			SessionID:  m.SessionID,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Content:    m.Content,
			Timestamp:  m.CreatedAt,
			Type:       protocol.MessageType(m.Type),
		}
		if m.Metadata != "" && m.Metadata != "{}" {
			if err := json.Unmarshal([]byte(m.Metadata), &cm.Metadata); err != nil {
				return nil, false, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, cm)
	}
	return msgs, hasMore, nil
}

func (h *StoreHistory) Append(ctx context.Context, msg protocol.ChatMessage) error {
	meta := "{}"
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(data)
	}
	if _, err := h.store.AppendMessage(ctx, &store.Message{
		ID:         msg.ID,
		SessionID:  msg.SessionID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Type:       string(msg.Type),
		Content:    msg.Content,
		Metadata:   meta,
		CreatedAt:  msg.Timestamp,
	}); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (h *StoreHistory) Exists(ctx context.Context, sessionID, messageID string) (bool, error) {
	return h.store.MessageExists(ctx, sessionID, messageID)
}
