package collab

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// Conn wraps one websocket connection. Outbound envelopes go through a
// buffered channel so one slow reader never blocks a broadcast; the channel
// preserves per-sender ordering.
type Conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	send   chan Envelope
	closed bool
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, send: make(chan Envelope, 256)}
}

// Send queues an envelope for delivery. Drops the message when the buffer is
// full rather than blocking the caller. A racing broadcast may still hold
// this conn after disconnect; sends after close are silently dropped.
func (c *Conn) Send(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- env:
	default:
		log.Printf("collab: send buffer full, dropping %s", env.Event)
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) readPump(engine *Engine, session *Session) {
	defer func() {
		engine.Disconnect(session)
		c.close()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("collab: read: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("collab: dropping malformed frame")
			continue
		}
		engine.HandleMessage(context.Background(), session, env)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler returns the HTTP handler that upgrades requests into collaboration
// sessions. allowedOrigin "*" disables the origin check.
func Handler(engine *Engine, allowedOrigin string) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "*" || allowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == allowedOrigin
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("collab: upgrade: %v", err)
			return
		}
		conn := newConn(ws)
		session := engine.NewSession(conn)
		go conn.writePump()
		go conn.readPump(engine, session)
	})
}
