// Package agentconfig resolves per-agent configuration through a two-level
// cache in front of the relational store.
package agentconfig

import (
	"time"

	"github.com/nooble8/nooble8/internal/actions"
)

// AgentConfig is the resolved agent record. After normalization
// query_config.system_prompt_template is never empty and
// rag_config.collection_ids is never empty.
type AgentConfig struct {
	AgentID         string                  `json:"agent_id"`
	AgentName       string                  `json:"agent_name"`
	TenantID        string                  `json:"tenant_id"`
	ExecutionConfig actions.ExecutionConfig `json:"execution_config"`
	QueryConfig     actions.QueryConfig     `json:"query_config"`
	RAGConfig       actions.RAGConfig       `json:"rag_config"`
	CreatedAt       time.Time               `json:"created_at,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at,omitempty"`
}

// Defaults returns the survival-mode config used when every lookup path
// fails: a stock model, a generic prompt, and the default collection.
func Defaults(tenantID, agentID string) *AgentConfig {
	cfg := &AgentConfig{
		AgentID:   agentID,
		AgentName: "agent",
		TenantID:  tenantID,
	}
	cfg.QueryConfig.Normalize()
	cfg.RAGConfig.Normalize()
	return cfg
}

// Normalize builds an AgentConfig from a raw store row. Rows coming from
// views mix camelCase and snake_case keys; both spellings are accepted and
// config blocks are whitelisted field by field.
func Normalize(row map[string]any) *AgentConfig {
	cfg := &AgentConfig{
		AgentID:   rowString(row, "agent_id", "agentId", "id"),
		AgentName: rowString(row, "agent_name", "agentName", "name"),
		TenantID:  rowString(row, "tenant_id", "tenantId"),
		CreatedAt: rowTime(row, "created_at", "createdAt"),
		UpdatedAt: rowTime(row, "updated_at", "updatedAt"),
	}

	if m := rowMap(row, "execution_config", "executionConfig"); m != nil {
		cfg.ExecutionConfig = actions.ExecutionConfig{
			TimeoutSeconds: mapInt(m, "timeout_seconds", "timeoutSeconds"),
			MaxIterations:  mapInt(m, "max_iterations", "maxIterations"),
			HistoryWindow:  mapInt(m, "history_window", "historyWindow"),
			Mode:           mapString(m, "mode"),
		}
	}

	if m := rowMap(row, "query_config", "queryConfig"); m != nil {
		cfg.QueryConfig = actions.QueryConfig{
			Model:                mapString(m, "model"),
			Temperature:          mapFloat(m, "temperature"),
			MaxTokens:            mapInt(m, "max_tokens", "maxTokens"),
			SystemPrompt:         mapString(m, "system_prompt", "systemPrompt"),
			SystemPromptTemplate: mapString(m, "system_prompt_template", "systemPromptTemplate"),
		}
	}
	// Views expose the rendered prompt at the top level; prefer it when the
	// config block carries none.
	if cfg.QueryConfig.SystemPrompt == "" {
		cfg.QueryConfig.SystemPrompt = rowString(row, "system_prompt", "systemPrompt")
	}

	if m := rowMap(row, "rag_config", "ragConfig"); m != nil {
		cfg.RAGConfig = actions.RAGConfig{
			CollectionIDs:       mapStrings(m, "collection_ids", "collectionIds"),
			DocumentIDs:         mapStrings(m, "document_ids", "documentIds"),
			EmbeddingModel:      mapString(m, "embedding_model", "embeddingModel"),
			EmbeddingDimensions: mapInt(m, "embedding_dimensions", "embeddingDimensions"),
			EncodingFormat:      mapString(m, "encoding_format", "encodingFormat"),
			ChunkSize:           mapInt(m, "chunk_size", "chunkSize"),
			ChunkOverlap:        mapInt(m, "chunk_overlap", "chunkOverlap"),
			TopK:                mapInt(m, "top_k", "topK"),
			SimilarityThreshold: mapFloat(m, "similarity_threshold", "similarityThreshold"),
		}
	}

	cfg.QueryConfig.Normalize()
	cfg.RAGConfig.Normalize()
	return cfg
}

func rowString(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := row[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func rowMap(row map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if m, ok := row[k].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func rowTime(row map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		s, ok := row[k].(string)
		if !ok || s == "" {
			continue
		}
		// Store rows carry either Z-suffixed or offset timestamps.
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Time{}
}

func mapString(m map[string]any, keys ...string) string {
	return rowString(m, keys...)
}

func mapInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

func mapFloat(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return 0
}

func mapStrings(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case []string:
			return v
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}
