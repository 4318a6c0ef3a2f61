package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amurg-ai/collab/hub/internal/auth"
	"github.com/amurg-ai/collab/hub/internal/room"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame write to a client.
const writeWait = 10 * time.Second

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send queue full")
)

// membership records which workspace and agent a joined session belongs to,
// so leave can release the matching rooms.
type membership struct {
	workspaceID string
	agentID     string
}

type clientConn struct {
	id        string
	userID    string
	username  string
	identity  *auth.Identity
	conn      *websocket.Conn
	createdAt time.Time

	lastActivity atomic.Int64 // unix nanos

	// wmu serializes writes to conn.
	wmu  sync.Mutex
	send chan []byte

	// opMu serializes event handling and teardown for this connection.
	opMu     sync.Mutex
	closed   bool
	sessions map[string]membership // session_id -> rooms it holds
	roomRefs map[string]int        // room_id -> sessions relying on it

	closeOnce sync.Once
	done      chan struct{}

	probeMu sync.Mutex
	probes  map[string]chan time.Time // ping nonce -> pong arrival
}

func newClientConn(id string, identity *auth.Identity, conn *websocket.Conn, queueSize int) *clientConn {
	now := time.Now()
	cc := &clientConn{
		id:        id,
		userID:    identity.UserID,
		username:  identity.Username,
		identity:  identity,
		conn:      conn,
		createdAt: now,
		send:      make(chan []byte, queueSize),
		sessions:  make(map[string]membership),
		roomRefs:  make(map[string]int),
		done:      make(chan struct{}),
		probes:    make(map[string]chan time.Time),
	}
	cc.lastActivity.Store(now.UnixNano())
	return cc
}

func (cc *clientConn) touch() {
	cc.lastActivity.Store(time.Now().UnixNano())
}

// inSession reports whether the connection has joined sessionID. Callers
// hold opMu.
func (cc *clientConn) inSession(sessionID string) bool {
	_, ok := cc.sessions[sessionID]
	return ok
}

// roomsFor lists the three rooms a session membership spans.
func roomsFor(sessionID string, m membership) []string {
	return []string{
		room.SessionRoom(sessionID),
		room.WorkspaceRoom(m.workspaceID),
		room.AgentRoom(m.agentID),
	}
}

// retainRoom counts one more session relying on roomID and reports whether
// this is the first. Callers hold opMu.
func (cc *clientConn) retainRoom(roomID string) bool {
	cc.roomRefs[roomID]++
	return cc.roomRefs[roomID] == 1
}

// releaseRoom drops one reference and reports whether it was the last.
// Callers hold opMu.
func (cc *clientConn) releaseRoom(roomID string) bool {
	n, ok := cc.roomRefs[roomID]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(cc.roomRefs, roomID)
		return true
	}
	cc.roomRefs[roomID] = n - 1
	return false
}

// enqueue hands data to the write pump without blocking. A full queue
// closes the connection.
func (cc *clientConn) enqueue(data []byte) error {
	select {
	case <-cc.done:
		return errConnClosed
	default:
	}
	select {
	case cc.send <- data:
		return nil
	default:
		cc.close()
		return errSlowConsumer
	}
}

// writePump drains the send queue until the connection closes.
func (cc *clientConn) writePump(logger *slog.Logger) {
	for {
		select {
		case data := <-cc.send:
			cc.wmu.Lock()
			_ = cc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := cc.conn.WriteMessage(websocket.TextMessage, data)
			cc.wmu.Unlock()
			if err != nil {
				logger.Debug("client write failed", "conn_id", cc.id, "error", err)
				cc.close()
				return
			}
		case <-cc.done:
			return
		}
	}
}

// close stops the write pump and closes the socket, which ends the read
// loop. Safe to call repeatedly.
func (cc *clientConn) close() {
	cc.closeOnce.Do(func() {
		close(cc.done)
		_ = cc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = cc.conn.Close()
	})
}

// ID implements health.Target.
func (cc *clientConn) ID() string { return cc.id }

// Ping implements health.Target: it sends a ping frame carrying a nonce and
// waits for the matching pong.
func (cc *clientConn) Ping(ctx context.Context) (time.Duration, error) {
	nonce := uuid.New().String()
	ch := make(chan time.Time, 1)

	cc.probeMu.Lock()
	cc.probes[nonce] = ch
	cc.probeMu.Unlock()
	defer func() {
		cc.probeMu.Lock()
		delete(cc.probes, nonce)
		cc.probeMu.Unlock()
	}()

	start := time.Now()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = start.Add(writeWait)
	}
	cc.wmu.Lock()
	err := cc.conn.WriteControl(websocket.PingMessage, []byte(nonce), deadline)
	cc.wmu.Unlock()
	if err != nil {
		return 0, err
	}

	select {
	case at := <-ch:
		return at.Sub(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-cc.done:
		return 0, errConnClosed
	}
}

// resolveProbe completes an outstanding Ping when its pong arrives.
func (cc *clientConn) resolveProbe(appData string) {
	if appData == "" {
		return
	}
	cc.probeMu.Lock()
	ch, ok := cc.probes[appData]
	cc.probeMu.Unlock()
	if ok {
		select {
		case ch <- time.Now():
		default:
		}
	}
}
