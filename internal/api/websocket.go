package api

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ernie/imuhub/internal/domain"
	"github.com/ernie/imuhub/internal/hub"
)

const writeWait = 10 * time.Second

var (
	errClientClosed = errors.New("client closed")
	errClientSlow   = errors.New("client send buffer full")
)

// clientAddr returns the peer address, preferring proxy headers
func clientAddr(r *http.Request) string {
	// X-Forwarded-For may contain multiple IPs, first is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	return r.RemoteAddr
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // phones load the page from whatever address the hub is reachable on
	},
}

// wsClient is one /ws connection. It satisfies registry.Conn.
type wsClient struct {
	hub    *hub.Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	remote string
}

// Send queues data without blocking. A full queue counts as a dead peer.
func (c *wsClient) Send(data []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errClientSlow
	}
}

// Close tells the write pump to send a close frame and hang up
func (c *wsClient) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *wsClient) RemoteAddr() string {
	return c.remote
}

// handleWebSocket upgrades HTTP to WebSocket and hands the connection to the hub
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	role := domain.ParseRole(q.Get("role"))
	uid := domain.SanitizeUID(q.Get("uid"), uuid.NewString())
	name := domain.TruncateName(q.Get("name"))

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &wsClient{
		hub:    r.hub,
		conn:   conn,
		send:   make(chan []byte, r.opts.SendBuffer),
		done:   make(chan struct{}),
		remote: clientAddr(req),
	}

	r.hub.Connect(client, role, uid, name)

	go client.writePump(r.opts.PingInterval)
	go client.readPump(r.opts.MaxMessageBytes, r.opts.PingInterval+r.opts.PongTimeout)
}

// readPump feeds frames to the hub until the connection fails or goes quiet
func (c *wsClient) readPump(limit int64, wait time.Duration) {
	defer func() {
		c.hub.Disconnect(c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(limit)
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("WebSocket error from %s: %v", c.remote, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wait))
		if msgType == websocket.BinaryMessage {
			data = []byte(strings.ToValidUTF8(string(data), ""))
		}
		c.hub.Inbound(c, data)
	}
}

// writePump sends queued frames and keeps the connection alive with pings
func (c *wsClient) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.flushAndClose()
			return
		}
	}
}

// flushAndClose writes frames the hub queued before closing, such as a
// final match_abort, then sends a close frame
func (c *wsClient) flushAndClose() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
