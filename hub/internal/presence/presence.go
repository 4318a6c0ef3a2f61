// Package presence tracks who is in each session and what they are doing.
// It holds state only; broadcasting the returned events is up to the caller.
package presence

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/amurg-ai/collab/pkg/protocol"
)

const shardCount = 32

// Tracker holds one Presence record per (session, user). All mutations of a
// session's records are serialized on that session's shard.
type Tracker struct {
	shards [shardCount]shard
	logger *slog.Logger
	now    func() time.Time
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]map[string]*protocol.Presence // session_id -> user_id -> record
}

// New creates a Tracker.
func New(logger *slog.Logger) *Tracker {
	t := &Tracker{logger: logger.With("component", "presence"), now: time.Now}
	for i := range t.shards {
		t.shards[i].sessions = make(map[string]map[string]*protocol.Presence)
	}
	return t
}

func (t *Tracker) shard(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &t.shards[h.Sum32()%shardCount]
}

func (t *Tracker) event(p *protocol.Presence, now time.Time) protocol.PresenceEvent {
	return protocol.PresenceEvent{Presence: *p, Timestamp: now}
}

// MarkJoined creates or replaces the record for (sessionID, userID) with
// status active, not typing.
func (t *Tracker) MarkJoined(sessionID, userID, connID, displayName string) protocol.PresenceEvent {
	now := t.now()
	s := t.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.sessions[sessionID]
	if !ok {
		users = make(map[string]*protocol.Presence)
		s.sessions[sessionID] = users
	}
	p := &protocol.Presence{
		SessionID:    sessionID,
		UserID:       userID,
		DisplayName:  displayName,
		ConnectionID: connID,
		Status:       protocol.StatusActive,
		JoinedAt:     now,
		LastActivity: now,
	}
	users[userID] = p
	return t.event(p, now)
}

// mutate applies fn to an existing record. A missing record is a no-op that
// is logged as anomalous.
func (t *Tracker) mutate(sessionID, userID, op string, fn func(p *protocol.Presence)) (protocol.PresenceEvent, bool) {
	now := t.now()
	s := t.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.sessions[sessionID][userID]
	if !ok {
		t.logger.Warn("presence change for participant not in session",
			"op", op, "session_id", sessionID, "user_id", userID)
		return protocol.PresenceEvent{}, false
	}
	fn(p)
	p.LastActivity = now
	return t.event(p, now), true
}

// UpdateStatus sets the status of an existing record.
func (t *Tracker) UpdateStatus(sessionID, userID string, status protocol.PresenceStatus) (protocol.PresenceEvent, bool) {
	return t.mutate(sessionID, userID, "update_status", func(p *protocol.Presence) {
		p.Status = status
	})
}

// SetTyping sets the typing flag of an existing record. Typing marks an idle
// or away participant active again.
func (t *Tracker) SetTyping(sessionID, userID string, typing bool) (protocol.PresenceEvent, bool) {
	return t.mutate(sessionID, userID, "set_typing", func(p *protocol.Presence) {
		p.Typing = typing
		if typing {
			p.Status = protocol.StatusActive
		}
	})
}

// Touch refreshes lastActivity, e.g. when the participant sends a message.
// It reports whether the record was idle and has become active.
func (t *Tracker) Touch(sessionID, userID string) (protocol.PresenceEvent, bool) {
	now := t.now()
	s := t.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.sessions[sessionID][userID]
	if !ok {
		return protocol.PresenceEvent{}, false
	}
	p.LastActivity = now
	p.Typing = false
	if p.Status == protocol.StatusIdle {
		p.Status = protocol.StatusActive
		return t.event(p, now), true
	}
	return protocol.PresenceEvent{}, false
}

// MarkLeft removes the record for (sessionID, userID), returning the removed
// record as an event. Removing a missing record is a no-op.
func (t *Tracker) MarkLeft(sessionID, userID string) (protocol.PresenceEvent, bool) {
	return t.remove(sessionID, userID, "")
}

// MarkLeftFrom removes the record only if it is still owned by connID, so a
// second connection that replaced the record keeps it.
func (t *Tracker) MarkLeftFrom(sessionID, userID, connID string) (protocol.PresenceEvent, bool) {
	return t.remove(sessionID, userID, connID)
}

func (t *Tracker) remove(sessionID, userID, connID string) (protocol.PresenceEvent, bool) {
	now := t.now()
	s := t.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.sessions[sessionID]
	p, ok := users[userID]
	if !ok {
		return protocol.PresenceEvent{}, false
	}
	if connID != "" && p.ConnectionID != connID {
		return protocol.PresenceEvent{}, false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.sessions, sessionID)
	}
	p.Typing = false
	p.LastActivity = now
	return t.event(p, now), true
}

// Get returns a copy of the record for (sessionID, userID).
func (t *Tracker) Get(sessionID, userID string) (protocol.Presence, bool) {
	s := t.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[sessionID][userID]
	if !ok {
		return protocol.Presence{}, false
	}
	return *p, true
}

// List returns copies of every record in sessionID, ordered by join time.
func (t *Tracker) List(sessionID string) []protocol.Presence {
	s := t.shard(sessionID)
	s.mu.Lock()
	out := make([]protocol.Presence, 0, len(s.sessions[sessionID]))
	for _, p := range s.sessions[sessionID] {
		out = append(out, *p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// MarkIdle moves active records with no activity for idleAfter to idle and
// returns an event for each.
func (t *Tracker) MarkIdle(idleAfter time.Duration) []protocol.PresenceEvent {
	now := t.now()
	cutoff := now.Add(-idleAfter)
	var events []protocol.PresenceEvent
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, users := range s.sessions {
			for _, p := range users {
				if p.Status == protocol.StatusActive && p.LastActivity.Before(cutoff) {
					p.Status = protocol.StatusIdle
					p.Typing = false
					events = append(events, t.event(p, now))
				}
			}
		}
		s.mu.Unlock()
	}
	return events
}

// Stats returns the number of sessions with participants and the total
// number of records.
func (t *Tracker) Stats() (sessions, records int) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		sessions += len(s.sessions)
		for _, users := range s.sessions {
			records += len(users)
		}
		s.mu.Unlock()
	}
	return sessions, records
}
