// Package embedding serves embedding.batch_process actions: it embeds the
// batch with the provider and hands the vectors back through the callback
// declared by the requester.
package embedding

import (
	"context"

	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/actions"
	"github.com/nooble8/nooble8/internal/actions/worker"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
	"github.com/nooble8/nooble8/internal/llm"
)

// Service is the embedding worker.
type Service struct {
	embedder llm.Embedder
	logger   *logger.Logger
}

// NewService creates the embedding service.
func NewService(embedder llm.Embedder, log *logger.Logger) *Service {
	return &Service{
		embedder: embedder,
		logger:   log.WithFields(zap.String("component", "embedding_service")),
	}
}

// Register installs the service's handlers.
func (s *Service) Register(w *worker.Worker) error {
	return w.Register(actions.TypeEmbeddingBatchProcess, s.handleBatch, worker.WithTaskIDRequired())
}

// handleBatch embeds action.data.texts and returns the batch result. The
// worker runtime wraps it into the ingestion.embedding_callback action.
func (s *Service) handleBatch(ctx context.Context, action *actions.Action) (map[string]any, error) {
	texts := stringSlice(action.Data["texts"])
	if len(texts) == 0 {
		return nil, apperrors.Validation("texts are required")
	}
	chunkIDs := stringSlice(action.Data["chunk_ids"])
	if len(chunkIDs) != 0 && len(chunkIDs) != len(texts) {
		return nil, apperrors.Validation("chunk_ids must align with texts")
	}

	ragConfig := action.RAGConfig
	if ragConfig == nil {
		ragConfig = &actions.RAGConfig{}
	}
	ragConfig.Normalize()
	model := action.DataString("model")
	if model == "" {
		model = ragConfig.EmbeddingModel
	}

	embeddings, err := s.embedder.EmbedBatch(ctx, llm.EmbedRequest{
		Texts:          texts,
		Model:          model,
		Dimensions:     ragConfig.EmbeddingDimensions,
		EncodingFormat: ragConfig.EncodingFormat,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Embedded batch",
		zap.String("task_id", action.TaskID),
		zap.String("tenant_id", action.TenantID),
		zap.String("model", model),
		zap.Int("texts", len(texts)),
	)

	return map[string]any{
		"embeddings":           embeddings,
		"chunk_ids":            chunkIDs,
		"embedding_model":      model,
		"embedding_dimensions": ragConfig.EmbeddingDimensions,
		"encoding_format":      ragConfig.EncodingFormat,
	}, nil
}

func stringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
