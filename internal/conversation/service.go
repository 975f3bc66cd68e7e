// Package conversation persists chat transcripts from fire-and-forget
// actions.
package conversation

import (
	"context"

	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/actions"
	"github.com/nooble8/nooble8/internal/actions/worker"
	"github.com/nooble8/nooble8/internal/common/logger"
	"github.com/nooble8/nooble8/internal/store"
)

// Service consumes conversation.* actions. Both types are fire-and-forget:
// invalid payloads are logged and skipped so a bad message never loops
// through the queue.
type Service struct {
	store  *store.Store
	logger *logger.Logger
}

func NewService(st *store.Store, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithFields(zap.String("component", "conversation_service")),
	}
}

func (s *Service) Register(w *worker.Worker) error {
	if err := w.Register(actions.TypeConversationMessageCreate, s.handleMessageCreate); err != nil {
		return err
	}
	return w.Register(actions.TypeConversationSessionClosed, s.handleSessionClosed)
}

// handleMessageCreate upserts the conversation row and appends the user and
// assistant turns.
func (s *Service) handleMessageCreate(ctx context.Context, action *actions.Action) (map[string]any, error) {
	conversationID := action.DataString("conversation_id")
	userMessage := action.DataString("user_message")
	agentMessage := action.DataString("agent_message")
	if conversationID == "" || userMessage == "" || agentMessage == "" {
		s.logger.Warn("Skipping malformed message.create action",
			zap.String("action_id", action.ActionID),
			zap.String("conversation_id", conversationID),
			zap.Bool("has_user_message", userMessage != ""),
			zap.Bool("has_agent_message", agentMessage != ""),
		)
		return nil, nil
	}

	err := s.store.UpsertConversation(ctx, store.Conversation{
		ID:        conversationID,
		TenantID:  action.TenantID,
		SessionID: action.SessionID,
		AgentID:   action.AgentID,
	})
	if err != nil {
		return nil, err
	}

	var metadata map[string]any
	if m, ok := action.Data["metadata"].(map[string]any); ok {
		metadata = m
	}
	if err := s.store.InsertMessage(ctx, store.Message{
		ConversationID: conversationID,
		Role:           "user",
		Content:        userMessage,
		Metadata:       metadata,
	}); err != nil {
		return nil, err
	}
	if err := s.store.InsertMessage(ctx, store.Message{
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        agentMessage,
		Metadata:       metadata,
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleSessionClosed deactivates the live conversation for the session.
func (s *Service) handleSessionClosed(ctx context.Context, action *actions.Action) (map[string]any, error) {
	sessionID := action.DataString("session_id")
	if sessionID == "" {
		sessionID = action.SessionID
	}
	if sessionID == "" {
		s.logger.Warn("Skipping session.closed action without session_id",
			zap.String("action_id", action.ActionID))
		return nil, nil
	}

	closed, err := s.store.CloseSession(ctx, action.TenantID, sessionID, action.AgentID)
	if err != nil {
		return nil, err
	}
	if closed == 0 {
		s.logger.Debug("No active conversation for closed session",
			zap.String("session_id", sessionID),
			zap.String("tenant_id", action.TenantID),
		)
	}
	return nil, nil
}
