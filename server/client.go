package server

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

// Client represents a single WebSocket connection.
type Client struct {
	ID string

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	// registered is closed once the hub attached a session.
	registered chan struct{}
	mu         sync.Mutex
	session    *Session
	closed     bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return &Client{
		ID:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: hub.logger.With(zap.String("client", id)),

		registered: make(chan struct{}),
	}
}

// ReadPump reads messages from the WebSocket and hands them to the session.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	select {
	case <-c.registered:
	case <-c.hub.stop:
		return
	}

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}

		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		if s == nil {
			return
		}
		s.deliver(msg)
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *Client) sendMsg(msg ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg.Encode():
	default:
		// Client too slow, drop message.
		c.logger.Debug("dropping message for slow client", zap.String("type", msg.Type))
	}
}

// closeSend closes the send channel, which makes WritePump say goodbye.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendError(message string) {
	c.sendMsg(ServerMessage{Type: MsgError, Page: -1, Message: message})
}
