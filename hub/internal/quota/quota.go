// Package quota bounds how many simultaneous connections a user may hold and
// how quickly they may open new ones.
package quota

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const shardCount = 32

var (
	// ErrConnectionLimit is returned when a user already holds the maximum
	// number of live connections.
	ErrConnectionLimit = errors.New("connection limit reached")
	// ErrAttemptLimit is returned when a user opens connections faster than
	// the attempt window allows.
	ErrAttemptLimit = errors.New("too many connection attempts")
)

// Options configures a Tracker. Zero values select the defaults.
type Options struct {
	MaxConnections int           // per user, default 5
	MaxAttempts    int           // per window, default 5
	AttemptWindow  time.Duration // default 5m
}

// Tracker holds per-user connection counts and recent connection attempts.
// All mutations for one user are serialized on that user's shard.
type Tracker struct {
	shards         [shardCount]shard
	maxConnections int
	maxAttempts    int
	attemptWindow  time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

type shard struct {
	mu       sync.Mutex
	conns    map[string]map[string]struct{} // user_id -> connection ids
	attempts map[string]*attempts
}

type attempts struct {
	count int
	last  time.Time
}

// New creates a Tracker.
func New(opts Options, logger *slog.Logger) *Tracker {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 5
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.AttemptWindow <= 0 {
		opts.AttemptWindow = 5 * time.Minute
	}
	t := &Tracker{
		maxConnections: opts.MaxConnections,
		maxAttempts:    opts.MaxAttempts,
		attemptWindow:  opts.AttemptWindow,
		logger:         logger.With("component", "quota"),
		now:            time.Now,
	}
	for i := range t.shards {
		t.shards[i].conns = make(map[string]map[string]struct{})
		t.shards[i].attempts = make(map[string]*attempts)
	}
	return t
}

func (t *Tracker) shard(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &t.shards[h.Sum32()%shardCount]
}

// AdmitConnection records connID as a live connection of userID, or returns
// an error wrapping ErrConnectionLimit when the user is already at the
// ceiling. Admitting a connection id that is already held is a no-op.
func (t *Tracker) AdmitConnection(userID, connID string) error {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.conns[userID]
	if _, ok := held[connID]; ok {
		return nil
	}
	if len(held) >= t.maxConnections {
		t.logger.Warn("connection admission denied",
			"security", true, "user_id", userID, "conn_id", connID,
			"live", len(held), "limit", t.maxConnections)
		return fmt.Errorf("%w: %d live connections (limit %d)", ErrConnectionLimit, len(held), t.maxConnections)
	}
	if held == nil {
		held = make(map[string]struct{})
		s.conns[userID] = held
	}
	held[connID] = struct{}{}
	return nil
}

// ReleaseConnection drops connID from userID's live set. The user's entry is
// removed once its last connection is released. Releasing an unknown
// connection is a no-op.
func (t *Tracker) ReleaseConnection(userID, connID string) {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.conns[userID]
	if !ok {
		return
	}
	delete(held, connID)
	if len(held) == 0 {
		delete(s.conns, userID)
	}
}

// RecordAttempt counts a connection attempt by userID and returns an error
// wrapping ErrAttemptLimit once more than MaxAttempts have been made within
// the window. The counter restarts when the window has elapsed since the
// user's previous attempt.
func (t *Tracker) RecordAttempt(userID string) error {
	now := t.now()
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[userID]
	if !ok {
		a = &attempts{}
		s.attempts[userID] = a
	}
	if now.Sub(a.last) > t.attemptWindow {
		a.count = 0
	}
	a.count++
	a.last = now

	if a.count > t.maxAttempts {
		t.logger.Warn("connection attempt denied",
			"security", true, "user_id", userID,
			"attempts", a.count, "limit", t.maxAttempts, "window", t.attemptWindow)
		return fmt.Errorf("%w: %d attempts in %s (limit %d)", ErrAttemptLimit, a.count, t.attemptWindow, t.maxAttempts)
	}
	return nil
}

// Connections returns the number of live connections held by userID.
func (t *Tracker) Connections(userID string) int {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID])
}

// Stats returns the number of users with live connections and the total
// number of live connections.
func (t *Tracker) Stats() (users, conns int) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		users += len(s.conns)
		for _, held := range s.conns {
			conns += len(held)
		}
		s.mu.Unlock()
	}
	return users, conns
}

// PruneAttempts forgets attempt records whose window has elapsed and returns
// how many were removed.
func (t *Tracker) PruneAttempts() int {
	cutoff := t.now().Add(-t.attemptWindow)
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for userID, a := range s.attempts {
			if a.last.Before(cutoff) {
				delete(s.attempts, userID)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
