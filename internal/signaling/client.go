package signaling

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 5 * time.Second
	// sendQueueLen bounds the per-client outbound queue. A client that cannot
	// drain it is considered dead and dropped rather than backpressuring the
	// rest of the room.
	sendQueueLen = 256
)

// client is one connected peer. Outbound frames go through the send queue so
// writes are serialized in writePump; everything else may touch a client from
// any goroutine.
type client struct {
	id   string
	ip   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id, ip string, conn *websocket.Conn) *client {
	return &client{
		id:   id,
		ip:   ip,
		conn: conn,
		send: make(chan []byte, sendQueueLen),
		done: make(chan struct{}),
	}
}

// enqueue queues a frame for delivery. It reports false when the queue is
// full or the client is already closing, meaning the client should be
// dropped.
func (c *client) enqueue(frame serverFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		return true
	}
	select {
	case <-c.done:
		return false
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) respond(id string, data any) bool {
	if id == "" {
		return true
	}
	return c.enqueue(serverFrame{ID: id, Data: data})
}

func (c *client) respondErr(id string, err error) bool {
	if id == "" {
		return true
	}
	return c.enqueue(serverFrame{ID: id, Data: map[string]any{"error": wireError(err)}})
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			_ = c.conn.Close()
		}
	})
}

// writePump serializes all writes to the connection and keeps the peer alive
// with periodic pings.
func (c *client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// clientIP resolves the client's address for rate-limit keying, trusting the
// first X-Forwarded-For hop when present (the gateway usually sits behind a
// reverse proxy).
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
