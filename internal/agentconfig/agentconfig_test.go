package agentconfig

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble8/nooble8/internal/actions"
	"github.com/nooble8/nooble8/internal/common/logger"
)

func snakeRow() map[string]any {
	return map[string]any{
		"agent_id":   "agent-1",
		"agent_name": "Support Bot",
		"tenant_id":  "tenant-1",
		"created_at": "2025-03-01T10:00:00Z",
		"execution_config": map[string]any{
			"timeout_seconds": float64(30),
			"max_iterations":  float64(4),
			"history_window":  float64(10),
			"mode":            "simple",
		},
		"query_config": map[string]any{
			"model":                  "gpt-4o",
			"temperature":            0.2,
			"max_tokens":             float64(2048),
			"system_prompt":          "You help customers.",
			"system_prompt_template": "You help customers of {company}.",
		},
		"rag_config": map[string]any{
			"collection_ids":       []any{"col_aa11bb22"},
			"embedding_model":      "text-embedding-3-small",
			"embedding_dimensions": float64(1536),
			"chunk_size":           float64(256),
			"chunk_overlap":        float64(32),
			"top_k":                float64(3),
		},
	}
}

func camelRow() map[string]any {
	return map[string]any{
		"agentId":   "agent-1",
		"agentName": "Support Bot",
		"tenantId":  "tenant-1",
		"createdAt": "2025-03-01T10:00:00Z",
		"executionConfig": map[string]any{
			"timeoutSeconds": float64(30),
			"maxIterations":  float64(4),
			"historyWindow":  float64(10),
			"mode":           "simple",
		},
		"queryConfig": map[string]any{
			"model":                "gpt-4o",
			"temperature":          0.2,
			"maxTokens":            float64(2048),
			"systemPrompt":         "You help customers.",
			"systemPromptTemplate": "You help customers of {company}.",
		},
		"ragConfig": map[string]any{
			"collectionIds":       []any{"col_aa11bb22"},
			"embeddingModel":      "text-embedding-3-small",
			"embeddingDimensions": float64(1536),
			"chunkSize":           float64(256),
			"chunkOverlap":        float64(32),
			"topK":                float64(3),
		},
	}
}

func TestNormalizeCasingRoundTrip(t *testing.T) {
	fromSnake := Normalize(snakeRow())
	fromCamel := Normalize(camelRow())
	assert.Equal(t, fromSnake, fromCamel)

	assert.Equal(t, "agent-1", fromSnake.AgentID)
	assert.Equal(t, "Support Bot", fromSnake.AgentName)
	assert.Equal(t, 30, fromSnake.ExecutionConfig.TimeoutSeconds)
	assert.Equal(t, "You help customers of {company}.", fromSnake.QueryConfig.SystemPromptTemplate)
	assert.Equal(t, []string{"col_aa11bb22"}, fromSnake.RAGConfig.CollectionIDs)
	assert.Equal(t, 256, fromSnake.RAGConfig.ChunkSize)
	assert.False(t, fromSnake.CreatedAt.IsZero())
}

func TestNormalizeFillsDefaults(t *testing.T) {
	cfg := Normalize(map[string]any{
		"agent_id":  "agent-2",
		"tenant_id": "tenant-1",
	})
	assert.NotEmpty(t, cfg.QueryConfig.SystemPromptTemplate)
	assert.Equal(t, []string{"default"}, cfg.RAGConfig.CollectionIDs)
	assert.Equal(t, "float", cfg.RAGConfig.EncodingFormat)
}

func TestNormalizePromptFallsBackToStoredPrompt(t *testing.T) {
	cfg := Normalize(map[string]any{
		"agent_id":      "agent-3",
		"system_prompt": "Answer in French.",
	})
	assert.Equal(t, "Answer in French.", cfg.QueryConfig.SystemPromptTemplate)
}

type stubSource struct {
	rows  map[string]map[string]any
	err   error
	calls int
}

func (s *stubSource) AgentRow(ctx context.Context, tenantID, agentID string) (map[string]any, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.rows[agentID], nil
}

func TestCacheGetPopulatesL1(t *testing.T) {
	src := &stubSource{rows: map[string]map[string]any{"agent-1": snakeRow()}}
	cache := NewCache(src, nil, 600, logger.Default())
	ctx := context.Background()

	first := cache.Get(ctx, "tenant-1", "agent-1")
	second := cache.Get(ctx, "tenant-1", "agent-1")
	require.NotNil(t, first)
	assert.Same(t, first, second)
	assert.Equal(t, 1, src.calls)
}

func TestCacheServesDefaultsOnError(t *testing.T) {
	src := &stubSource{err: fmt.Errorf("store down")}
	cache := NewCache(src, nil, 600, logger.Default())

	cfg := cache.Get(context.Background(), "tenant-1", "agent-1")
	require.NotNil(t, cfg)
	assert.NotEmpty(t, cfg.QueryConfig.SystemPromptTemplate)
	assert.Equal(t, []string{"default"}, cfg.RAGConfig.CollectionIDs)

	// Defaults are never cached; a recovered store is consulted again.
	src.err = nil
	src.rows = map[string]map[string]any{"agent-1": snakeRow()}
	cfg = cache.Get(context.Background(), "tenant-1", "agent-1")
	assert.Equal(t, "Support Bot", cfg.AgentName)
}

func TestCacheServesDefaultsOnMissingRow(t *testing.T) {
	src := &stubSource{rows: map[string]map[string]any{}}
	cache := NewCache(src, nil, 600, logger.Default())
	cfg := cache.Get(context.Background(), "tenant-1", "ghost")
	require.NotNil(t, cfg)
	assert.Equal(t, "ghost", cfg.AgentID)
	assert.NotEmpty(t, cfg.QueryConfig.SystemPromptTemplate)
}

func TestCacheInvalidate(t *testing.T) {
	src := &stubSource{rows: map[string]map[string]any{"agent-1": snakeRow()}}
	cache := NewCache(src, nil, 600, logger.Default())
	ctx := context.Background()

	cache.Get(ctx, "tenant-1", "agent-1")
	cache.Invalidate(ctx, "agent-1")
	cache.Get(ctx, "tenant-1", "agent-1")
	assert.Equal(t, 2, src.calls)
}

func TestHandleInvalidate(t *testing.T) {
	src := &stubSource{rows: map[string]map[string]any{"agent-1": snakeRow()}}
	cache := NewCache(src, nil, 600, logger.Default())
	ctx := context.Background()
	cache.Get(ctx, "tenant-1", "agent-1")

	action := actions.New(actions.TypeOrchestratorConfigInvalidate, "tenant-1", "api")
	action.Data = map[string]any{"agent_id": "agent-1"}
	_, err := cache.HandleInvalidate(ctx, action)
	require.NoError(t, err)

	cache.Get(ctx, "tenant-1", "agent-1")
	assert.Equal(t, 2, src.calls)

	bad := actions.New(actions.TypeOrchestratorConfigInvalidate, "tenant-1", "api")
	bad.Data = map[string]any{"other": "x"}
	_, err = cache.HandleInvalidate(ctx, bad)
	assert.Error(t, err)
}
