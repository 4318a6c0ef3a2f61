// Package room keeps named broadcast groups of connections and fans events
// out to them.
package room

import (
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
)

const shardCount = 32

// Kind is the scope of a room.
type Kind string

const (
	KindSession   Kind = "session"
	KindWorkspace Kind = "workspace"
	KindAgent     Kind = "agent"
)

// ID builds the room id for a scoped entity, e.g. "session:S1".
func ID(kind Kind, id string) string { return string(kind) + ":" + id }

// SessionRoom returns the room id of a session.
func SessionRoom(sessionID string) string { return ID(KindSession, sessionID) }

// WorkspaceRoom returns the room id of a workspace.
func WorkspaceRoom(workspaceID string) string { return ID(KindWorkspace, workspaceID) }

// AgentRoom returns the room id of an agent.
func AgentRoom(agentID string) string { return ID(KindAgent, agentID) }

// Sink delivers an encoded event to one connection. Deliver must not block
// for long; a slow connection is the sink's problem, not the registry's.
type Sink interface {
	Deliver(connID string, data []byte) error
}

// Registry maps room ids to member connection ids. Rooms are created on the
// first Join and destroyed when their last member leaves.
type Registry struct {
	shards [shardCount]shard
	sink   Sink
	logger *slog.Logger
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

// New creates a Registry that delivers broadcasts through sink.
func New(sink Sink, logger *slog.Logger) *Registry {
	r := &Registry{sink: sink, logger: logger.With("component", "rooms")}
	for i := range r.shards {
		r.shards[i].rooms = make(map[string]map[string]struct{})
	}
	return r
}

func (r *Registry) shard(roomID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &r.shards[h.Sum32()%shardCount]
}

// Join adds connID to roomID. It reports whether the connection was newly
// added.
func (r *Registry) Join(roomID, connID string) bool {
	s := r.shard(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		s.rooms[roomID] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = struct{}{}
	return true
}

// Leave removes connID from roomID, destroying the room when it becomes
// empty. It reports whether the connection was a member.
func (r *Registry) Leave(roomID, connID string) bool {
	s := r.shard(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(s.rooms, roomID)
	}
	return true
}

// MembersOf returns the sorted connection ids currently in roomID.
func (r *Registry) MembersOf(roomID string) []string {
	s := r.shard(roomID)
	s.mu.RLock()
	members := make([]string, 0, len(s.rooms[roomID]))
	for id := range s.rooms[roomID] {
		members = append(members, id)
	}
	s.mu.RUnlock()
	sort.Strings(members)
	return members
}

// IsMember reports whether connID is in roomID.
func (r *Registry) IsMember(roomID, connID string) bool {
	s := r.shard(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID][connID]
	return ok
}

// Broadcast encodes v once and delivers it to every member of roomID except
// exclude (pass "" to include everyone). A failed delivery is logged and does
// not stop delivery to the other members. It returns the number of members
// the event was delivered to.
func (r *Registry) Broadcast(roomID string, v any, exclude string) int {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("failed to encode broadcast", "room", roomID, "error", err)
		return 0
	}
	return r.BroadcastRaw(roomID, data, exclude)
}

// BroadcastRaw is Broadcast for an already encoded event.
func (r *Registry) BroadcastRaw(roomID string, data []byte, exclude string) int {
	s := r.shard(roomID)
	s.mu.RLock()
	targets := make([]string, 0, len(s.rooms[roomID]))
	for id := range s.rooms[roomID] {
		if id != exclude {
			targets = append(targets, id)
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, id := range targets {
		if err := r.sink.Deliver(id, data); err != nil {
			r.logger.Warn("broadcast delivery failed", "room", roomID, "conn_id", id, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Stats returns the number of live rooms and the total membership count.
func (r *Registry) Stats() (rooms, memberships int) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		rooms += len(s.rooms)
		for _, members := range s.rooms {
			memberships += len(members)
		}
		s.mu.RUnlock()
	}
	return rooms, memberships
}
