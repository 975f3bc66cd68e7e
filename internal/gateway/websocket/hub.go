// Package websocket provides the progress fan-out: WebSocket clients
// subscribe by task_id (ingestion) or session_id (chat) and receive JSON
// frames as the owning pipeline advances.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/common/logger"
)

// ProgressUpdate is the frame delivered to task subscribers.
type ProgressUpdate struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	Message         string `json:"message"`
	Percentage      int    `json:"percentage"`
	TotalChunks     *int   `json:"total_chunks,omitempty"`
	ProcessedChunks *int   `json:"processed_chunks,omitempty"`
	Error           string `json:"error,omitempty"`
}

// SessionFrame is the frame delivered to session subscribers.
type SessionFrame struct {
	Type   string         `json:"type"`
	TaskID string         `json:"task_id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Hub manages WebSocket connections and routes frames by subscription key.
// Delivery is best effort: slow or dead subscribers are skipped.
type Hub struct {
	clients            map[*Client]bool
	taskSubscribers    map[string]map[*Client]bool
	sessionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new fan-out hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		taskSubscribers:    make(map[string]map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's client-management loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.taskSubscribers = make(map[string]map[*Client]bool)
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for taskID := range client.taskIDs {
		if subs, ok := h.taskSubscribers[taskID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.taskSubscribers, taskID)
			}
		}
	}
	for sessionID := range client.sessionIDs {
		if subs, ok := h.sessionSubscribers[sessionID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.sessionSubscribers, sessionID)
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SubscribeToTask subscribes a client to a task's progress frames.
func (h *Hub) SubscribeToTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.taskSubscribers[taskID]; !ok {
		h.taskSubscribers[taskID] = make(map[*Client]bool)
	}
	h.taskSubscribers[taskID][client] = true
	client.taskIDs[taskID] = true

	h.logger.Debug("Client subscribed to task",
		zap.String("client_id", client.ID),
		zap.String("task_id", taskID))
}

// SubscribeToSession subscribes a client to a chat session's frames.
func (h *Hub) SubscribeToSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.sessionIDs[sessionID] = true

	h.logger.Debug("Client subscribed to session",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
}

// SendProgressUpdate delivers a progress frame to the task's subscribers.
func (h *Hub) SendProgressUpdate(update ProgressUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Error("Failed to marshal progress frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	subs := h.taskSubscribers[update.TaskID]
	h.mu.RUnlock()

	for client := range subs {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will clean the client up.
		}
	}
}

// SendToSession delivers a typed frame to the session's subscribers.
func (h *Hub) SendToSession(sessionID, messageType string, data map[string]any, taskID string) {
	frame, err := json.Marshal(SessionFrame{Type: messageType, TaskID: taskID, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal session frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	subs := h.sessionSubscribers[sessionID]
	h.mu.RUnlock()

	for client := range subs {
		select {
		case client.send <- frame:
		default:
		}
	}
}

// SendErrorToSession delivers an error frame to the session's subscribers.
func (h *Hub) SendErrorToSession(sessionID, errorType, message, taskID string) {
	h.SendToSession(sessionID, "error", map[string]any{
		"error_type": errorType,
		"message":    message,
	}, taskID)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
