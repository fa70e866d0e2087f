package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ernie/imuhub/internal/audit"
)

const initialLogLines = 200

// LogMessage is the message format for log streaming
type LogMessage struct {
	Type    string   `json:"type"`              // "initial", "lines", "error"
	Lines   []string `json:"lines,omitempty"`   // NDJSON lines
	Message string   `json:"message,omitempty"` // error message
}

// LogStreamClient represents a client following the NDJSON log
type LogStreamClient struct {
	conn    *websocket.Conn
	send    chan []byte
	manager *LogStreamManager
}

// LogStreamManager shares one tailer of the NDJSON log among all followers.
// The tailer runs only while someone is subscribed.
type LogStreamManager struct {
	mu      sync.RWMutex
	path    string
	tailer  *audit.Tailer
	clients map[*LogStreamClient]bool
}

// NewLogStreamManager creates a manager for the log at path
func NewLogStreamManager(path string) *LogStreamManager {
	return &LogStreamManager{
		path:    path,
		clients: make(map[*LogStreamClient]bool),
	}
}

// Subscribe adds a client and returns the most recent lines
func (m *LogStreamManager) Subscribe(client *LogStreamClient) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tailer == nil {
		m.tailer = audit.NewTailer(m.path)
	}

	// Read initial lines before starting tail
	lines, err := m.tailer.ReadLastNLines(initialLogLines)
	if err != nil {
		log.Printf("Error reading initial lines of %s: %v", m.path, err)
		lines = []string{}
	}

	m.clients[client] = true

	if len(m.clients) == 1 {
		if err := m.tailer.Start(); err != nil {
			log.Printf("Error starting tailer for %s: %v", m.path, err)
		} else {
			go m.forwardLines(m.tailer)
		}
	}

	log.Printf("Log stream client subscribed (%d total)", len(m.clients))
	return lines
}

// Unsubscribe removes a client, stopping the tailer after the last one
func (m *LogStreamManager) Unsubscribe(client *LogStreamClient) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.clients[client] {
		return
	}
	delete(m.clients, client)
	close(client.send)
	log.Printf("Log stream client unsubscribed (%d remaining)", len(m.clients))

	if len(m.clients) == 0 && m.tailer != nil {
		m.tailer.Stop()
		m.tailer = nil
	}
}

// Close stops the tailer and disconnects every follower
func (m *LogStreamManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		delete(m.clients, client)
		close(client.send)
	}
	if m.tailer != nil {
		m.tailer.Stop()
		m.tailer = nil
	}
}

// forwardLines forwards new log lines to all subscribed clients
func (m *LogStreamManager) forwardLines(tailer *audit.Tailer) {
	for {
		select {
		case line := <-tailer.Lines:
			msg := LogMessage{Type: "lines", Lines: []string{line}}
			data, _ := json.Marshal(msg)

			m.mu.RLock()
			for client := range m.clients {
				select {
				case client.send <- data:
				default:
					// Client buffer full, drop the line for that follower
				}
			}
			m.mu.RUnlock()

		case err := <-tailer.Errors:
			log.Printf("Log tailer error for %s: %v", m.path, err)

		case <-tailer.Done():
			return
		}
	}
}

// handleLogWebSocket streams the NDJSON log to a WebSocket follower
func (r *Router) handleLogWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("Log WebSocket upgrade error: %v", err)
		return
	}

	client := &LogStreamClient{
		conn:    conn,
		send:    make(chan []byte, 256),
		manager: r.logStream,
	}

	initialLines := r.logStream.Subscribe(client)
	msg := LogMessage{Type: "initial", Lines: initialLines}
	data, _ := json.Marshal(msg)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, data)

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket (handles close)
func (c *LogStreamClient) readPump() {
	defer func() {
		c.manager.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("Log WebSocket error: %v", err)
			}
			break
		}
	}
}

// writePump sends messages to the WebSocket
func (c *LogStreamClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
