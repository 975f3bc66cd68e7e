package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
)

// Store is the typed facade over the row store.
type Store struct {
	rows   RowStore
	logger *logger.Logger
}

// New wraps a RowStore.
func New(rows RowStore, log *logger.Logger) *Store {
	return &Store{rows: rows, logger: log.WithFields(zap.String("component", "store"))}
}

// Rows exposes the underlying row store.
func (s *Store) Rows() RowStore {
	return s.rows
}

// AgentRow returns the raw agents_with_prompt row for the config cache.
func (s *Store) AgentRow(ctx context.Context, tenantID, agentID string) (map[string]any, error) {
	return s.rows.SelectOne(ctx, TableAgentsWithPrompt, Filter{
		"tenant_id": tenantID,
		"agent_id":  agentID,
	})
}

// UserBelongsToTenant checks tenant membership for auth.
func (s *Store) UserBelongsToTenant(ctx context.Context, userID, tenantID string) (bool, error) {
	row, err := s.rows.SelectOne(ctx, TableUserTenants, Filter{
		"user_id":   userID,
		"tenant_id": tenantID,
	})
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// CollectionEmbedding returns the embedding model and dimensions already in
// use by a (tenant, collection) pair. found is false when the collection has
// no documents yet.
func (s *Store) CollectionEmbedding(ctx context.Context, tenantID, collectionID string) (model string, dims int, found bool, err error) {
	row, err := s.rows.SelectOne(ctx, TableDocumentsRAG, Filter{
		"tenant_id":     tenantID,
		"collection_id": collectionID,
	})
	if err != nil || row == nil {
		return "", 0, false, err
	}
	return rowString(row, "embedding_model", "embeddingModel"),
		rowInt(row, "embedding_dimensions", "embeddingDimensions"),
		true, nil
}

// DocumentRecord is the documents_rag row written at the end of ingestion.
type DocumentRecord struct {
	DocumentID          string
	TenantID            string
	CollectionID        string
	AgentIDs            []string
	DocumentName        string
	DocumentType        string
	EmbeddingModel      string
	EmbeddingDimensions int
	EncodingFormat      string
	TotalChunks         int
	ProcessedChunks     int
}

// InsertDocument writes the metadata row. metadata.agent_ids is the
// authoritative list; the scalar agent_id column is transitional and gets
// agent_ids[0] or a throwaway UUID when the list is empty.
func (s *Store) InsertDocument(ctx context.Context, rec DocumentRecord) error {
	scalarAgentID := uuid.New().String()
	if len(rec.AgentIDs) > 0 {
		scalarAgentID = rec.AgentIDs[0]
	}
	agentIDs := rec.AgentIDs
	if agentIDs == nil {
		agentIDs = []string{}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	return s.rows.Insert(ctx, TableDocumentsRAG, map[string]any{
		"id":                   rec.DocumentID,
		"tenant_id":            rec.TenantID,
		"collection_id":        rec.CollectionID,
		"agent_id":             scalarAgentID,
		"document_name":        rec.DocumentName,
		"document_type":        rec.DocumentType,
		"embedding_model":      rec.EmbeddingModel,
		"embedding_dimensions": rec.EmbeddingDimensions,
		"encoding_format":      rec.EncodingFormat,
		"total_chunks":         rec.TotalChunks,
		"processed_chunks":     rec.ProcessedChunks,
		"status":               "completed",
		"metadata":             map[string]any{"agent_ids": agentIDs},
		"created_at":           now,
		"updated_at":           now,
	})
}

// DocumentRow returns the metadata row for a document under a tenant.
func (s *Store) DocumentRow(ctx context.Context, tenantID, documentID string) (map[string]any, error) {
	return s.rows.SelectOne(ctx, TableDocumentsRAG, Filter{
		"tenant_id": tenantID,
		"id":        documentID,
	})
}

// DeleteDocument removes the metadata row, scoped by the full hierarchy.
func (s *Store) DeleteDocument(ctx context.Context, tenantID, collectionID, documentID string) (int64, error) {
	return s.rows.Delete(ctx, TableDocumentsRAG, Filter{
		"tenant_id":     tenantID,
		"collection_id": collectionID,
		"id":            documentID,
	})
}

// UpdateDocumentAgents rewrites metadata.agent_ids (and the transitional
// scalar column) to mirror the vector state.
func (s *Store) UpdateDocumentAgents(ctx context.Context, tenantID, documentID string, agentIDs []string) error {
	row, err := s.DocumentRow(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	if row == nil {
		return apperrors.NotFound("document", documentID)
	}

	metadata, _ := row["metadata"].(map[string]any)
	if metadata == nil {
		metadata = make(map[string]any)
	}
	if agentIDs == nil {
		agentIDs = []string{}
	}
	metadata["agent_ids"] = agentIDs

	scalarAgentID := uuid.New().String()
	if len(agentIDs) > 0 {
		scalarAgentID = agentIDs[0]
	}

	_, err = s.rows.Update(ctx, TableDocumentsRAG,
		Filter{"tenant_id": tenantID, "id": documentID},
		map[string]any{
			"metadata":   metadata,
			"agent_id":   scalarAgentID,
			"updated_at": time.Now().UTC().Format(time.RFC3339),
		})
	return err
}

// Conversation identifies one persisted exchange stream.
type Conversation struct {
	ID        string
	TenantID  string
	SessionID string
	AgentID   string
}

// UpsertConversation creates the conversation row if it does not exist.
func (s *Store) UpsertConversation(ctx context.Context, conv Conversation) error {
	row, err := s.rows.SelectOne(ctx, TableConversations, Filter{"id": conv.ID})
	if err != nil {
		return err
	}
	if row != nil {
		return nil
	}
	return s.rows.Insert(ctx, TableConversations, map[string]any{
		"id":         conv.ID,
		"tenant_id":  conv.TenantID,
		"session_id": conv.SessionID,
		"agent_id":   conv.AgentID,
		"is_active":  true,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// Message is one persisted chat turn.
type Message struct {
	ConversationID string
	Role           string
	Content        string
	Metadata       map[string]any
}

// InsertMessage writes one message row. Messages carry nanosecond timestamps
// so the user/assistant pair of a single turn orders correctly.
func (s *Store) InsertMessage(ctx context.Context, msg Message) error {
	row := map[string]any{
		"id":              uuid.New().String(),
		"conversation_id": msg.ConversationID,
		"role":            msg.Role,
		"content":         msg.Content,
		"created_at":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if msg.Metadata != nil {
		row["metadata"] = msg.Metadata
	}
	return s.rows.Insert(ctx, TableMessages, row)
}

// ConversationMessages returns the messages of a conversation, oldest first,
// capped at limit when positive. Row stores make no ordering promise, so the
// rows are sorted here.
func (s *Store) ConversationMessages(ctx context.Context, conversationID string, limit int) ([]map[string]any, error) {
	rows, err := s.rows.Select(ctx, TableMessages, Filter{"conversation_id": conversationID})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rowTime(rows[i], "created_at").Before(rowTime(rows[j], "created_at"))
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}

// CloseSession marks the active conversation for (tenant, session, agent)
// inactive with an end timestamp. Returns the number of rows closed.
func (s *Store) CloseSession(ctx context.Context, tenantID, sessionID, agentID string) (int64, error) {
	return s.rows.Update(ctx, TableConversations,
		Filter{
			"tenant_id":  tenantID,
			"session_id": sessionID,
			"agent_id":   agentID,
			"is_active":  true,
		},
		map[string]any{
			"is_active": false,
			"ended_at":  time.Now().UTC().Format(time.RFC3339),
		})
}
