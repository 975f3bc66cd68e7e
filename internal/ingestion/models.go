// Package ingestion implements the document ingestion orchestrator: task
// admission, the pipeline state machine, the embedding callback join, and
// dual-store persistence.
package ingestion

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nooble8/nooble8/internal/actions"
)

// Task statuses. The pipeline advances PROCESSING → CHUNKING → EMBEDDING →
// STORING → COMPLETED; any state can fall to FAILED.
const (
	StatusProcessing = "PROCESSING"
	StatusChunking   = "CHUNKING"
	StatusEmbedding  = "EMBEDDING"
	StatusStoring    = "STORING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Progress percentages per stage.
const (
	pctProcessing = 10
	pctChunking   = 30
	pctEmbedding  = 50
	pctStoring    = 80
	pctCompleted  = 100
)

// Chunk is one retrievable slice of a document with its full hierarchy.
// Keywords and Tags are part of the stored payload schema; nothing fills
// them yet.
type Chunk struct {
	ChunkID      string         `json:"chunk_id"`
	DocumentID   string         `json:"document_id"`
	TenantID     string         `json:"tenant_id"`
	CollectionID string         `json:"collection_id"`
	AgentIDs     []string       `json:"agent_ids"`
	Content      string         `json:"content"`
	ChunkIndex   int            `json:"chunk_index"`
	Embedding    []float32      `json:"embedding,omitempty"`
	Keywords     []string       `json:"keywords"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Task is the server-side record tracking one ingestion request.
type Task struct {
	TaskID          string             `json:"task_id"`
	DocumentID      string             `json:"document_id"`
	TenantID        string             `json:"tenant_id"`
	UserID          string             `json:"user_id,omitempty"`
	CollectionID    string             `json:"collection_id"`
	AgentIDs        []string           `json:"agent_ids"`
	DocumentName    string             `json:"document_name,omitempty"`
	DocumentType    string             `json:"document_type"`
	Status          string             `json:"status"`
	TotalChunks     int                `json:"total_chunks"`
	ProcessedChunks int                `json:"processed_chunks"`
	Percentage      int                `json:"percentage"`
	Message         string             `json:"message,omitempty"`
	Error           string             `json:"error,omitempty"`
	RAGConfig       *actions.RAGConfig `json:"rag_config,omitempty"`
	Chunks          []Chunk            `json:"chunks,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Terminal reports whether the task has finished, successfully or not.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// IngestRequest is the admission payload, from HTTP or from an
// ingestion.document.process action.
type IngestRequest struct {
	DocumentName string             `json:"document_name"`
	DocumentType string             `json:"document_type"`
	Content      string             `json:"content,omitempty"`
	URL          string             `json:"url,omitempty"`
	CollectionID string             `json:"collection_id,omitempty"`
	AgentIDs     []string           `json:"agent_ids,omitempty"`
	RAGConfig    *actions.RAGConfig `json:"rag_config,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

// NormalizeAgentIDs flattens the accepted agent list shapes: a plain list, a
// JSON-encoded list smuggled as the single element ("[\"a\"]"), or a single
// scalar.
func NormalizeAgentIDs(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return decodeAgentString(v)
	case []string:
		if len(v) == 1 {
			return decodeAgentString(v[0])
		}
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 1 {
			return decodeAgentString(out[0])
		}
		return out
	}
	return nil
}

// decodeAgentString unwraps the JSON-string-in-list artifact produced by
// sloppy clients.
func decodeAgentString(s string) []string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var decoded []string
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return []string{trimmed}
}
