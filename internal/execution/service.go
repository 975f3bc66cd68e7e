// Package execution runs chat requests: prompt assembly, optional RAG
// retrieval, the LLM call, and cancellation.
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/actions"
	"github.com/nooble8/nooble8/internal/actions/worker"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
	"github.com/nooble8/nooble8/internal/llm"
	"github.com/nooble8/nooble8/internal/store"
	"github.com/nooble8/nooble8/internal/vector"
)

const contextPlaceholder = "{context}"

// Source is one retrieved chunk attributed in a chat response.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Service consumes execution.chat.* actions. Cancellation is cooperative:
// the cancel handler raises a flag that chat handlers observe between
// suspension points.
type Service struct {
	llm      llm.LLM
	embedder llm.Embedder
	index    *vector.Index
	store    *store.Store
	logger   *logger.Logger

	mu        sync.Mutex
	cancelled map[string]bool
}

func NewService(model llm.LLM, embedder llm.Embedder, index *vector.Index, st *store.Store, log *logger.Logger) *Service {
	return &Service{
		llm:       model,
		embedder:  embedder,
		index:     index,
		store:     st,
		logger:    log.WithFields(zap.String("component", "execution_service")),
		cancelled: make(map[string]bool),
	}
}

// Register installs the chat and cancel handlers.
func (s *Service) Register(w *worker.Worker) error {
	if err := w.Register(actions.TypeExecutionChatSimple, s.handleChat, worker.WithTaskIDRequired()); err != nil {
		return err
	}
	if err := w.Register(actions.TypeExecutionChatAdvance, s.handleChat, worker.WithTaskIDRequired()); err != nil {
		return err
	}
	return w.Register(actions.TypeExecutionTaskCancel, s.handleCancel)
}

func (s *Service) handleCancel(ctx context.Context, action *actions.Action) (map[string]any, error) {
	taskID := action.DataString("task_id")
	if taskID == "" {
		taskID = action.TaskID
	}
	if taskID == "" {
		return nil, apperrors.Validation("task_id is required")
	}
	s.mu.Lock()
	s.cancelled[taskID] = true
	s.mu.Unlock()
	s.logger.Info("Task cancellation requested", zap.String("task_id", taskID))
	return nil, nil
}

func (s *Service) isCancelled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[taskID]
}

func (s *Service) clearCancel(taskID string) {
	s.mu.Lock()
	delete(s.cancelled, taskID)
	s.mu.Unlock()
}

// handleChat serves both chat modes. The advance mode differs only in what
// the orchestrator routed here; tool iteration is not implemented yet and
// advance requests degrade to a single completion.
func (s *Service) handleChat(ctx context.Context, action *actions.Action) (map[string]any, error) {
	defer s.clearCancel(action.TaskID)

	message := action.DataString("message")
	if message == "" {
		return nil, apperrors.Validation("message is required")
	}
	if s.isCancelled(action.TaskID) {
		return nil, apperrors.Cancelled(action.TaskID)
	}

	queryConfig := action.QueryConfig
	if queryConfig == nil {
		queryConfig = &actions.QueryConfig{}
	}
	queryConfig.Normalize()

	log := s.logger.WithTaskID(action.TaskID).WithTenantID(action.TenantID)

	var sources []Source
	if action.RAGConfig != nil && s.embedder != nil && s.index != nil {
		retrieved, err := s.retrieve(ctx, action, message)
		if err != nil {
			// Retrieval is best-effort: a degraded answer beats no answer.
			log.Warn("Retrieval failed, answering without context", zap.Error(err))
		} else {
			sources = retrieved
		}
		if s.isCancelled(action.TaskID) {
			return nil, apperrors.Cancelled(action.TaskID)
		}
	}

	messages := []llm.Message{{
		Role:    llm.RoleSystem,
		Content: renderSystemPrompt(queryConfig.SystemPromptTemplate, sources),
	}}
	messages = append(messages, s.history(ctx, action)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Model:       queryConfig.Model,
		Messages:    messages,
		Temperature: queryConfig.Temperature,
		MaxTokens:   queryConfig.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	if s.isCancelled(action.TaskID) {
		return nil, apperrors.Cancelled(action.TaskID)
	}

	sourceMaps := make([]map[string]any, len(sources))
	for i, src := range sources {
		sourceMaps[i] = map[string]any{
			"chunk_id":    src.ChunkID,
			"document_id": src.DocumentID,
			"content":     src.Content,
			"score":       src.Score,
		}
	}
	return map[string]any{
		"response": resp.Content,
		"sources":  sourceMaps,
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}, nil
}

// retrieve embeds the user message and searches the agent's chunks.
func (s *Service) retrieve(ctx context.Context, action *actions.Action, message string) ([]Source, error) {
	ragConfig := *action.RAGConfig
	ragConfig.Normalize()

	vectors, err := s.embedder.EmbedBatch(ctx, llm.EmbedRequest{
		Texts:      []string{message},
		Model:      ragConfig.EmbeddingModel,
		Dimensions: ragConfig.EmbeddingDimensions,
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, apperrors.Internal("embedder returned wrong batch size", nil)
	}

	hits, err := s.index.Search(ctx, vector.SearchParams{
		TenantID:      action.TenantID,
		AgentID:       action.AgentID,
		Vector:        vectors[0],
		CollectionIDs: ragConfig.CollectionIDs,
		DocumentIDs:   ragConfig.DocumentIDs,
		TopK:          ragConfig.TopK,
		Threshold:     ragConfig.SimilarityThreshold,
	})
	if err != nil {
		return nil, err
	}

	sources := make([]Source, 0, len(hits))
	for _, hit := range hits {
		content, _ := hit.Payload["content"].(string)
		documentID, _ := hit.Payload[vector.FieldDocumentID].(string)
		sources = append(sources, Source{
			ChunkID:    hit.ID,
			DocumentID: documentID,
			Content:    content,
			Score:      hit.Score,
		})
	}
	return sources, nil
}

// history loads the session's recent messages into the prompt, bounded by
// the execution config's history window.
func (s *Service) history(ctx context.Context, action *actions.Action) []llm.Message {
	if s.store == nil || action.SessionID == "" {
		return nil
	}
	window := 10
	if action.ExecutionConfig != nil && action.ExecutionConfig.HistoryWindow > 0 {
		window = action.ExecutionConfig.HistoryWindow
	}

	conversationID := action.DataString("conversation_id")
	if conversationID == "" {
		conversationID = action.SessionID
	}
	rows, err := s.store.ConversationMessages(ctx, conversationID, window)
	if err != nil {
		s.logger.Warn("Failed to load conversation history",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return nil
	}

	out := make([]llm.Message, 0, len(rows))
	for _, row := range rows {
		role, _ := row["role"].(string)
		content, _ := row["content"].(string)
		if content == "" {
			continue
		}
		switch role {
		case "user":
			out = append(out, llm.Message{Role: llm.RoleUser, Content: content})
		case "assistant":
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: content})
		}
	}
	return out
}

// renderSystemPrompt substitutes the retrieved context into the template.
// Templates without a {context} placeholder get the block appended.
func renderSystemPrompt(template string, sources []Source) string {
	if len(sources) == 0 {
		return strings.ReplaceAll(template, contextPlaceholder, "")
	}

	var block strings.Builder
	block.WriteString("Relevant context:\n")
	for i, src := range sources {
		fmt.Fprintf(&block, "[%d] %s\n", i+1, src.Content)
	}

	if strings.Contains(template, contextPlaceholder) {
		return strings.ReplaceAll(template, contextPlaceholder, block.String())
	}
	return template + "\n\n" + block.String()
}
