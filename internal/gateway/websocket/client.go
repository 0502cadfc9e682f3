package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// ClientCommand is the operator's control message: subscribe to or
// unsubscribe from event subjects.
type ClientCommand struct {
	Action  string `json:"action"` // subscribe | unsubscribe
	Subject string `json:"subject"`
}

// commandAck confirms a control message.
type commandAck struct {
	OK      bool   `json:"ok"`
	Action  string `json:"action"`
	Subject string `json:"subject,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Client represents a single operator connection. A client with no
// subscriptions receives every subject.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	subscriptions map[string]bool
	mu            sync.RWMutex
	logger        *logger.Logger
}

// NewClient creates an operator stream client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// wants reports whether the client should receive the subject.
func (c *Client) wants(subject string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.subscriptions) == 0 {
		return true
	}
	for pattern := range c.subscriptions {
		if SubjectMatches(pattern, subject) {
			return true
		}
	}
	return false
}

// ReadPump consumes control messages until the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var cmd ClientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.sendAck(commandAck{OK: false, Error: "invalid message format"})
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *Client) handleCommand(cmd ClientCommand) {
	if cmd.Subject == "" {
		c.sendAck(commandAck{OK: false, Action: cmd.Action, Error: "subject is required"})
		return
	}

	switch cmd.Action {
	case "subscribe":
		c.mu.Lock()
		c.subscriptions[cmd.Subject] = true
		c.mu.Unlock()
	case "unsubscribe":
		c.mu.Lock()
		delete(c.subscriptions, cmd.Subject)
		c.mu.Unlock()
	default:
		c.sendAck(commandAck{OK: false, Action: cmd.Action, Error: "unknown action"})
		return
	}
	c.sendAck(commandAck{OK: true, Action: cmd.Action, Subject: cmd.Subject})
}

func (c *Client) sendAck(ack commandAck) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// WritePump streams frames and pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
