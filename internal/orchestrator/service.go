// Package orchestrator coordinates chat requests between the WebSocket
// gateway, the config cache and the execution service.
package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/actions"
	"github.com/nooble8/nooble8/internal/actions/bus"
	"github.com/nooble8/nooble8/internal/actions/worker"
	"github.com/nooble8/nooble8/internal/agentconfig"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
	"github.com/nooble8/nooble8/internal/gateway/websocket"
)

const originService = "orchestrator"

// SessionNotifier is the slice of the fan-out hub the orchestrator needs.
type SessionNotifier interface {
	SendToSession(sessionID, messageType string, data map[string]any, taskID string)
	SendErrorToSession(sessionID, errorType, message, taskID string)
}

// pendingChat holds the request side of an in-flight task so the response
// handler can persist the full exchange.
type pendingChat struct {
	session        websocket.ChatSession
	conversationID string
	userMessage    string
}

// Service is the chat orchestrator. Callbacks route back to the process
// that dispatched the request, so the pending map never sees writes for
// another process's tasks.
type Service struct {
	bus    bus.Bus
	hub    SessionNotifier
	cache  *agentconfig.Cache
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]pendingChat
}

func NewService(b bus.Bus, hub SessionNotifier, cache *agentconfig.Cache, log *logger.Logger) *Service {
	return &Service{
		bus:     b,
		hub:     hub,
		cache:   cache,
		logger:  log.WithFields(zap.String("component", "chat_orchestrator")),
		pending: make(map[string]pendingChat),
	}
}

// Register installs the response and invalidation handlers.
func (s *Service) Register(w *worker.Worker) error {
	if err := w.Register(actions.TypeOrchestratorChatResponse, s.HandleChatResponse, worker.WithTaskIDRequired()); err != nil {
		return err
	}
	return w.Register(actions.TypeOrchestratorConfigInvalidate, s.cache.HandleInvalidate)
}

// HandleChatMessage is the gateway's inbound chat callback. It resolves the
// agent config, announces processing to the session, and dispatches the
// execution action with a response callback.
func (s *Service) HandleChatMessage(ctx context.Context, session websocket.ChatSession, payload map[string]any) {
	if kind, _ := payload["type"].(string); kind == "cancel" {
		s.cancelTask(ctx, session, payload)
		return
	}

	message, _ := payload["message"].(string)
	if message == "" {
		s.hub.SendErrorToSession(session.SessionID, apperrors.ErrCodeValidation, "message is required", "")
		return
	}

	taskID, _ := payload["task_id"].(string)
	if taskID == "" {
		taskID = uuid.New().String()
	}
	conversationID, _ := payload["conversation_id"].(string)
	if conversationID == "" {
		conversationID = session.SessionID
	}

	cfg := s.cache.Get(ctx, session.TenantID, session.AgentID)

	// advance mode only when the request carries tools.
	mode := "simple"
	actionType := actions.TypeExecutionChatSimple
	tools, hasTools := payload["tools"].([]any)
	if hasTools && len(tools) > 0 {
		mode = "advance"
		actionType = actions.TypeExecutionChatAdvance
	}

	// Processing event goes out before the dispatch so the client sees the
	// task id even if the bus send fails.
	s.hub.SendToSession(session.SessionID, "chat_processing", map[string]any{
		"task_id": taskID,
		"mode":    mode,
	}, taskID)

	action := actions.New(actionType, session.TenantID, originService)
	action.SessionID = session.SessionID
	action.TaskID = taskID
	action.AgentID = session.AgentID
	action.UserID = session.UserID
	action.ExecutionConfig = &cfg.ExecutionConfig
	action.QueryConfig = &cfg.QueryConfig
	action.RAGConfig = &cfg.RAGConfig
	action.Data = map[string]any{
		"message":         message,
		"conversation_id": conversationID,
	}
	if hasTools {
		action.Data["tools"] = tools
	}

	s.mu.Lock()
	s.pending[taskID] = pendingChat{
		session:        session,
		conversationID: conversationID,
		userMessage:    message,
	}
	s.mu.Unlock()

	if err := s.bus.SendWithCallback(ctx, action, actions.TypeOrchestratorChatResponse); err != nil {
		s.logger.Error("Failed to dispatch chat action",
			zap.String("task_id", taskID),
			zap.String("session_id", session.SessionID),
			zap.Error(err),
		)
		s.forget(taskID)
		s.hub.SendErrorToSession(session.SessionID, apperrors.Code(err), apperrors.UserMessage(err), taskID)
	}
}

// cancelTask forwards a cancel request to the execution service.
func (s *Service) cancelTask(ctx context.Context, session websocket.ChatSession, payload map[string]any) {
	taskID, _ := payload["task_id"].(string)
	if taskID == "" {
		s.hub.SendErrorToSession(session.SessionID, apperrors.ErrCodeValidation, "task_id is required to cancel", "")
		return
	}
	action := actions.New(actions.TypeExecutionTaskCancel, session.TenantID, originService)
	action.SessionID = session.SessionID
	action.TaskID = taskID
	action.Data = map[string]any{"task_id": taskID}
	if err := s.bus.Send(ctx, action); err != nil {
		s.logger.Error("Failed to dispatch cancel action",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

// HandleChatResponse delivers the execution result to the session and
// persists the exchange with a fire-and-forget action.
func (s *Service) HandleChatResponse(ctx context.Context, action *actions.Action) (map[string]any, error) {
	pending, found := s.takePending(action.TaskID)
	sessionID := action.SessionID
	if sessionID == "" {
		sessionID = pending.session.SessionID
	}

	if errMsg := action.DataString("error"); errMsg != "" {
		errType := action.DataString("error_type")
		if errType == "" {
			errType = apperrors.ErrCodeInternal
		}
		s.hub.SendErrorToSession(sessionID, errType, errMsg, action.TaskID)
		return nil, nil
	}

	s.hub.SendToSession(sessionID, "chat_response", action.Data, action.TaskID)

	if !found {
		s.logger.Warn("Chat response without pending request, transcript not persisted",
			zap.String("task_id", action.TaskID))
		return nil, nil
	}

	response := action.DataString("response")
	persist := actions.New(actions.TypeConversationMessageCreate, action.TenantID, originService)
	persist.SessionID = sessionID
	persist.TaskID = action.TaskID
	persist.AgentID = pending.session.AgentID
	persist.UserID = pending.session.UserID
	persist.Data = map[string]any{
		"conversation_id": pending.conversationID,
		"user_message":    pending.userMessage,
		"agent_message":   response,
		"metadata": map[string]any{
			"task_id": action.TaskID,
			"sources": action.Data["sources"],
			"usage":   action.Data["usage"],
		},
	}
	if err := s.bus.Send(ctx, persist); err != nil {
		// Fire-and-forget: the chat already reached the user.
		s.logger.Error("Failed to enqueue transcript persistence",
			zap.String("task_id", action.TaskID),
			zap.Error(err),
		)
	}
	return nil, nil
}

func (s *Service) takePending(taskID string) (pendingChat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.pending[taskID]
	if ok {
		delete(s.pending, taskID)
	}
	return pending, ok
}

func (s *Service) forget(taskID string) {
	s.mu.Lock()
	delete(s.pending, taskID)
	s.mu.Unlock()
}
