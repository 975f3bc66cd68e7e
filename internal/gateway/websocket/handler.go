package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/common/logger"
)

// ChatSession is the connection state carried by a chat client.
type ChatSession struct {
	TenantID  string
	SessionID string
	AgentID   string
	UserID    string
}

// ChatFunc receives each inbound chat frame together with its session state.
type ChatFunc func(ctx context.Context, session ChatSession, payload map[string]any)

// Handler upgrades HTTP requests and wires clients into the hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	chat     ChatFunc
	logger   *logger.Logger
}

// NewHandler creates the WebSocket handler. chat may be nil when the process
// serves ingestion only.
func NewHandler(hub *Hub, chat ChatFunc, log *logger.Logger) *Handler {
	return &Handler{
		hub:  hub,
		chat: chat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// RegisterRoutes attaches the WebSocket endpoints.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/ingestion/:task_id", h.handleIngestion)
	router.GET("/ws/chat/:session_id", h.handleChat)
}

// handleIngestion subscribes the connection to one task's progress frames.
func (h *Handler) handleIngestion(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, nil, h.logger)
	h.hub.Register(client)
	h.hub.SubscribeToTask(client, taskID)

	go client.WritePump()
	go client.ReadPump()
}

// handleChat subscribes the connection to a session and forwards inbound
// frames to the chat orchestrator.
func (h *Handler) handleChat(c *gin.Context) {
	sessionID := c.Param("session_id")
	tenantID := c.Query("tenant_id")
	agentID := c.Query("agent_id")
	if sessionID == "" || tenantID == "" || agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id, tenant_id and agent_id are required"})
		return
	}
	session := ChatSession{
		TenantID:  tenantID,
		SessionID: sessionID,
		AgentID:   agentID,
		UserID:    c.Query("user_id"),
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	var inbound InboundHandler
	if h.chat != nil {
		inbound = func(ctx context.Context, client *Client, payload map[string]any) {
			h.chat(ctx, session, payload)
		}
	}

	client := NewClient(uuid.New().String(), conn, h.hub, inbound, h.logger)
	client.TenantID = session.TenantID
	client.SessionID = session.SessionID
	client.AgentID = session.AgentID
	client.UserID = session.UserID
	h.hub.Register(client)
	h.hub.SubscribeToSession(client, sessionID)

	go client.WritePump()
	go client.ReadPump()
}
