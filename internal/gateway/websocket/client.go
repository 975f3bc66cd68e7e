package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024 // 64KB
)

// InboundHandler processes a JSON frame sent by the client. Only chat
// sessions carry inbound traffic; ingestion subscribers are receive-only.
type InboundHandler func(ctx context.Context, client *Client, payload map[string]any)

// Client represents a single WebSocket connection.
type Client struct {
	ID         string
	TenantID   string
	SessionID  string
	AgentID    string
	UserID     string
	conn       *websocket.Conn
	hub        *Hub
	send       chan []byte
	taskIDs    map[string]bool
	sessionIDs map[string]bool
	inbound    InboundHandler
	logger     *logger.Logger
}

// NewClient creates a client for an upgraded connection. inbound may be nil
// for receive-only subscribers.
func NewClient(id string, conn *websocket.Conn, hub *Hub, inbound InboundHandler, log *logger.Logger) *Client {
	return &Client{
		ID:         id,
		conn:       conn,
		hub:        hub,
		send:       make(chan []byte, 256),
		taskIDs:    make(map[string]bool),
		sessionIDs: make(map[string]bool),
		inbound:    inbound,
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps frames from the connection into the inbound handler.
// Inbound work runs under a connection-scoped context; the HTTP request
// context is cancelled as soon as the upgrade handler returns.
func (c *Client) ReadPump() {
	ctx := context.Background()
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
		if c.inbound == nil {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(message, &payload); err != nil {
			c.logger.Warn("Discarding malformed frame", zap.Error(err))
			continue
		}
		c.inbound(ctx, c, payload)
	}
}

// WritePump pumps frames from the hub to the connection.
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
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
