package ingestion

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/actions"
	"github.com/nooble8/nooble8/internal/actions/bus"
	"github.com/nooble8/nooble8/internal/actions/worker"
	"github.com/nooble8/nooble8/internal/common/config"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
	"github.com/nooble8/nooble8/internal/gateway/websocket"
	"github.com/nooble8/nooble8/internal/ingestion/parser"
	"github.com/nooble8/nooble8/internal/store"
	"github.com/nooble8/nooble8/internal/vector"
)

const (
	originService = "ingestion"

	// Shared-KV mirror of the in-process task map.
	taskKeyPrefix = "ingestion:task:"

	pipelineTimeout = 5 * time.Minute
)

// Service is the ingestion orchestrator.
type Service struct {
	store  *store.Store
	index  *vector.Index
	parser *parser.Parser
	hub    *websocket.Hub
	bus    bus.Bus
	kv     *redis.Client // nil disables the task mirror
	cfg    config.IngestionConfig
	logger *logger.Logger

	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewService wires the orchestrator. hub and kv may be nil in reduced
// deployments.
func NewService(st *store.Store, idx *vector.Index, p *parser.Parser, hub *websocket.Hub, b bus.Bus, kv *redis.Client, cfg config.IngestionConfig, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		index:  idx,
		parser: p,
		hub:    hub,
		bus:    b,
		kv:     kv,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "ingestion_service")),
		tasks:  make(map[string]*Task),
	}
}

// Register installs the service's action handlers.
func (s *Service) Register(w *worker.Worker) error {
	if err := w.Register(actions.TypeIngestionDocumentProcess, s.handleProcess); err != nil {
		return err
	}
	if err := w.Register(actions.TypeIngestionDocumentStatus, s.handleStatus); err != nil {
		return err
	}
	if err := w.Register(actions.TypeIngestionAgentsUpdate, s.handleAgentsUpdate); err != nil {
		return err
	}
	return w.Register(actions.TypeIngestionEmbeddingDone, s.HandleEmbeddingCallback, worker.WithTaskIDRequired())
}

// newCollectionID generates the col_<8 hex> identifier for requests that do
// not name a collection.
func newCollectionID() string {
	return "col_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// Ingest admits a request: identifiers are generated, the agent list and
// rag config are normalized, and the collection's embedding-model
// consistency is checked before any work is enqueued. On success the
// pipeline runs as an independent task.
func (s *Service) Ingest(ctx context.Context, tenantID, userID string, req IngestRequest) (*Task, error) {
	if tenantID == "" {
		return nil, apperrors.Validation("tenant_id is required")
	}
	if req.Content == "" && req.URL == "" {
		return nil, apperrors.Validation("content or url is required")
	}

	ragConfig := req.RAGConfig
	if ragConfig == nil {
		ragConfig = &actions.RAGConfig{}
	}
	ragConfig.Normalize()

	collectionID := req.CollectionID
	if collectionID == "" {
		collectionID = newCollectionID()
	}

	// A collection holds one embedding model; mixing dimensions would make
	// its vectors mutually unsearchable.
	model, dims, found, err := s.store.CollectionEmbedding(ctx, tenantID, collectionID)
	if err != nil {
		return nil, err
	}
	if found && (model != ragConfig.EmbeddingModel || dims != ragConfig.EmbeddingDimensions) {
		return nil, apperrors.ModelMismatch(collectionID, model, dims)
	}

	task := &Task{
		TaskID:       uuid.New().String(),
		DocumentID:   uuid.New().String(),
		TenantID:     tenantID,
		UserID:       userID,
		CollectionID: collectionID,
		AgentIDs:     NormalizeAgentIDs(req.AgentIDs),
		DocumentName: req.DocumentName,
		DocumentType: req.DocumentType,
		Status:       StatusProcessing,
		Percentage:   pctProcessing,
		Message:      "processing document",
		RAGConfig:    ragConfig,
		CreatedAt:    time.Now().UTC(),
	}
	if task.AgentIDs == nil {
		task.AgentIDs = []string{}
	}
	s.saveTask(ctx, task)

	go s.runPipeline(task, req)
	return task, nil
}

// runPipeline executes the main flow up to the embedding request. The
// pipeline resumes in HandleEmbeddingCallback.
func (s *Service) runPipeline(task *Task, req IngestRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), pipelineTimeout)
	defer cancel()
	log := s.logger.WithTaskID(task.TaskID).WithTenantID(task.TenantID)

	s.progress(ctx, task, StatusProcessing, pctProcessing, "processing document")

	doc, err := s.parser.Parse(ctx, parser.Request{
		DocumentType: req.DocumentType,
		DocumentName: req.DocumentName,
		Content:      []byte(req.Content),
		URL:          req.URL,
	})
	if err != nil {
		s.failTask(ctx, task, err)
		return
	}

	raw := s.parser.Chunk(doc, task.RAGConfig.ChunkSize, task.RAGConfig.ChunkOverlap)
	if len(raw) == 0 {
		s.failTask(ctx, task, apperrors.Validation("document produced no chunks"))
		return
	}

	now := time.Now().UTC()
	chunks := make([]Chunk, len(raw))
	for i, rc := range raw {
		metadata := rc.Metadata
		if metadata == nil {
			metadata = make(map[string]any)
		}
		for k, v := range req.Metadata {
			metadata[k] = v
		}
		metadata["document_name"] = req.DocumentName
		metadata["document_type"] = req.DocumentType
		metadata["start_char_idx"] = rc.StartChar
		metadata["end_char_idx"] = rc.EndChar
		metadata["chunk_word_count"] = rc.WordCount

		chunks[i] = Chunk{
			ChunkID:      uuid.New().String(),
			DocumentID:   task.DocumentID,
			TenantID:     task.TenantID,
			CollectionID: task.CollectionID,
			AgentIDs:     task.AgentIDs,
			Content:      rc.Content,
			ChunkIndex:   rc.Index,
			Keywords:     []string{},
			Tags:         []string{},
			Metadata:     metadata,
			CreatedAt:    now,
		}
	}

	s.mu.Lock()
	task.Chunks = chunks
	task.TotalChunks = len(chunks)
	s.mu.Unlock()

	s.progress(ctx, task, StatusChunking, pctChunking, "document chunked")
	s.progress(ctx, task, StatusEmbedding, pctEmbedding, "embedding chunks")

	texts := make([]string, len(chunks))
	chunkIDs := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
		chunkIDs[i] = c.ChunkID
	}

	action := actions.New(actions.TypeEmbeddingBatchProcess, task.TenantID, originService)
	action.TaskID = task.TaskID
	action.UserID = task.UserID
	action.RAGConfig = task.RAGConfig
	action.Data = map[string]any{
		"texts":     texts,
		"chunk_ids": chunkIDs,
		"model":     task.RAGConfig.EmbeddingModel,
	}
	if err := s.bus.SendWithCallback(ctx, action, actions.TypeIngestionEmbeddingDone); err != nil {
		log.Error("Failed to enqueue embedding batch", zap.Error(err))
		s.failTask(ctx, task, err)
	}
}

// HandleEmbeddingCallback joins the embedder's reply back onto the owning
// task: embeddings attach positionally, vectors and metadata are persisted,
// and the task completes.
func (s *Service) HandleEmbeddingCallback(ctx context.Context, action *actions.Action) (map[string]any, error) {
	task := s.lookupTask(ctx, action.TaskID)
	if task == nil {
		s.logger.Warn("Embedding callback for unknown task, dropping",
			zap.String("task_id", action.TaskID))
		return nil, nil
	}
	log := s.logger.WithTaskID(task.TaskID).WithTenantID(task.TenantID)

	if errMsg := action.DataString("error"); errMsg != "" {
		s.failTask(ctx, task, apperrors.ServiceUnavailable("embedder", apperrors.Internal(errMsg, nil)))
		return nil, nil
	}

	embeddings := toEmbeddings(action.Data["embeddings"])
	if len(embeddings) != len(task.Chunks) {
		s.failTask(ctx, task, apperrors.Internal("embedding count does not match chunk count", nil))
		return nil, nil
	}
	s.mu.Lock()
	for i := range task.Chunks {
		task.Chunks[i].Embedding = embeddings[i]
	}
	s.mu.Unlock()

	s.progress(ctx, task, StatusStoring, pctStoring, "storing vectors")

	ragConfig := task.RAGConfig
	points := make([]vector.Point, len(task.Chunks))
	for i, c := range task.Chunks {
		payload := map[string]any{
			vector.FieldCollectionID: c.CollectionID,
			vector.FieldAgentIDs:     c.AgentIDs,
			vector.FieldDocumentID:   c.DocumentID,
			vector.FieldChunkID:      c.ChunkID,
			vector.FieldDocumentType: task.DocumentType,
			"content":                c.Content,
			"chunk_index":            c.ChunkIndex,
			"keywords":               c.Keywords,
			"tags":                   c.Tags,
			"embedding_model":        ragConfig.EmbeddingModel,
			"embedding_dimensions":   ragConfig.EmbeddingDimensions,
			"encoding_format":        ragConfig.EncodingFormat,
			vector.FieldCreatedAt:    c.CreatedAt.Format(time.RFC3339),
		}
		for k, v := range c.Metadata {
			if _, reserved := payload[k]; !reserved {
				payload[k] = v
			}
		}
		points[i] = vector.Point{ID: c.ChunkID, Vector: c.Embedding, Payload: payload}
	}

	result, err := s.index.Upsert(ctx, task.TenantID, points)
	if err != nil {
		s.failTask(ctx, task, err)
		return nil, nil
	}
	if result.Failed > 0 {
		log.Warn("Some chunks were rejected by the vector store",
			zap.Int("failed", result.Failed),
			zap.Strings("failed_ids", result.FailedIDs),
		)
	}

	if err := s.store.InsertDocument(ctx, store.DocumentRecord{
		DocumentID:          task.DocumentID,
		TenantID:            task.TenantID,
		CollectionID:        task.CollectionID,
		AgentIDs:            task.AgentIDs,
		DocumentName:        task.DocumentName,
		DocumentType:        task.DocumentType,
		EmbeddingModel:      ragConfig.EmbeddingModel,
		EmbeddingDimensions: ragConfig.EmbeddingDimensions,
		EncodingFormat:      ragConfig.EncodingFormat,
		TotalChunks:         task.TotalChunks,
		ProcessedChunks:     result.Stored,
	}); err != nil {
		// No compensation of the vector write here; an orphan metadata row
		// is preferable to orphan vectors, and the reverse never happens.
		s.failTask(ctx, task, err)
		return nil, nil
	}

	s.mu.Lock()
	task.ProcessedChunks = result.Stored
	task.Chunks = nil
	s.mu.Unlock()

	s.progress(ctx, task, StatusCompleted, pctCompleted, "document ingested")
	log.Info("Ingestion completed",
		zap.String("document_id", task.DocumentID),
		zap.Int("total_chunks", task.TotalChunks),
		zap.Int("processed_chunks", result.Stored),
	)
	return nil, nil
}

// Status returns the task state, from the in-process map or the shared
// mirror.
func (s *Service) Status(ctx context.Context, taskID string) (*Task, error) {
	task := s.lookupTask(ctx, taskID)
	if task == nil {
		return nil, apperrors.NotFound("task", taskID)
	}
	s.mu.RLock()
	snapshot := *task
	s.mu.RUnlock()
	snapshot.Chunks = nil
	return &snapshot, nil
}

// DeleteDocument removes vectors first, then the metadata row: an orphan
// row is recoverable, orphan vectors would keep surfacing in search.
func (s *Service) DeleteDocument(ctx context.Context, tenantID, collectionID, documentID string) error {
	if err := s.index.DeleteDocument(ctx, tenantID, collectionID, documentID); err != nil {
		return err
	}
	deleted, err := s.store.DeleteDocument(ctx, tenantID, collectionID, documentID)
	if err != nil {
		return err
	}
	if deleted == 0 {
		return apperrors.NotFound("document", documentID)
	}
	return nil
}

// UpdateAgents applies the op to the document's chunks, then mirrors the
// resulting list on the metadata row. When the vector update fails the
// metadata is left untouched.
func (s *Service) UpdateAgents(ctx context.Context, tenantID, documentID string, agentIDs []string, op string) ([]string, error) {
	row, err := s.store.DocumentRow(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apperrors.NotFound("document", documentID)
	}

	var current []string
	if metadata, ok := row["metadata"].(map[string]any); ok {
		current = NormalizeAgentIDs(metadata["agent_ids"])
	}
	updated := vector.ApplyAgentOp(current, agentIDs, op)

	if _, err := s.index.UpdateChunkAgents(ctx, tenantID, documentID, agentIDs, op); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDocumentAgents(ctx, tenantID, documentID, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// --- action handlers ---

func (s *Service) handleProcess(ctx context.Context, action *actions.Action) (map[string]any, error) {
	var req IngestRequest
	if err := decodeData(action.Data, &req); err != nil {
		return nil, apperrors.Validation("invalid ingest payload: " + err.Error())
	}
	if req.RAGConfig == nil {
		req.RAGConfig = action.RAGConfig
	}
	req.AgentIDs = NormalizeAgentIDs(action.Data["agent_ids"])

	task, err := s.Ingest(ctx, action.TenantID, action.UserID, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"task_id":       task.TaskID,
		"document_id":   task.DocumentID,
		"collection_id": task.CollectionID,
		"status":        task.Status,
	}, nil
}

func (s *Service) handleStatus(ctx context.Context, action *actions.Action) (map[string]any, error) {
	taskID := action.DataString("task_id")
	if taskID == "" {
		taskID = action.TaskID
	}
	if taskID == "" {
		return nil, apperrors.Validation("task_id is required")
	}
	task, err := s.Status(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return taskState(task), nil
}

func (s *Service) handleAgentsUpdate(ctx context.Context, action *actions.Action) (map[string]any, error) {
	documentID := action.DataString("document_id")
	op := action.DataString("operation")
	agentIDs := NormalizeAgentIDs(action.Data["agent_ids"])
	if documentID == "" {
		return nil, apperrors.Validation("document_id is required")
	}
	updated, err := s.UpdateAgents(ctx, action.TenantID, documentID, agentIDs, op)
	if err != nil {
		return nil, err
	}
	return map[string]any{"document_id": documentID, "agent_ids": updated}, nil
}

// --- task state plumbing ---

func (s *Service) saveTask(ctx context.Context, task *Task) {
	s.mu.Lock()
	s.tasks[task.TaskID] = task
	s.mu.Unlock()
	s.mirrorTask(ctx, task)
}

// mirrorTask writes the task to the shared KV with the configured TTL so a
// status lookup can outlive this process.
func (s *Service) mirrorTask(ctx context.Context, task *Task) {
	if s.kv == nil {
		return
	}
	s.mu.RLock()
	data, err := json.Marshal(task)
	s.mu.RUnlock()
	if err != nil {
		return
	}
	ttl := time.Duration(s.cfg.TaskTTLSec) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := s.kv.Set(ctx, taskKeyPrefix+task.TaskID, data, ttl).Err(); err != nil {
		s.logger.Warn("Failed to mirror task state",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
	}
}

func (s *Service) lookupTask(ctx context.Context, taskID string) *Task {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if ok {
		return task
	}
	if s.kv == nil {
		return nil
	}

	data, err := s.kv.Get(ctx, taskKeyPrefix+taskID).Bytes()
	if err != nil {
		return nil
	}
	var mirrored Task
	if err := json.Unmarshal(data, &mirrored); err != nil {
		return nil
	}
	s.mu.Lock()
	s.tasks[taskID] = &mirrored
	s.mu.Unlock()
	return &mirrored
}

// progress mutates the task and emits one frame to its subscribers.
func (s *Service) progress(ctx context.Context, task *Task, status string, percentage int, message string) {
	s.mu.Lock()
	task.Status = status
	task.Percentage = percentage
	task.Message = message
	total := task.TotalChunks
	processed := task.ProcessedChunks
	s.mu.Unlock()
	s.mirrorTask(ctx, task)

	if s.hub == nil {
		return
	}
	update := websocket.ProgressUpdate{
		TaskID:     task.TaskID,
		Status:     status,
		Message:    message,
		Percentage: percentage,
	}
	if total > 0 {
		update.TotalChunks = &total
		update.ProcessedChunks = &processed
	}
	s.hub.SendProgressUpdate(update)
}

// failTask marks the task FAILED, keeping the percentage it reached, and
// emits the final frame with a human-readable error.
func (s *Service) failTask(ctx context.Context, task *Task, cause error) {
	s.logger.Error("Ingestion task failed",
		zap.String("task_id", task.TaskID),
		zap.String("tenant_id", task.TenantID),
		zap.String("error_type", apperrors.Code(cause)),
		zap.Error(cause),
	)

	s.mu.Lock()
	task.Status = StatusFailed
	task.Error = apperrors.UserMessage(cause)
	task.Message = "ingestion failed"
	percentage := task.Percentage
	s.mu.Unlock()
	s.mirrorTask(ctx, task)

	if s.hub == nil {
		return
	}
	s.hub.SendProgressUpdate(websocket.ProgressUpdate{
		TaskID:     task.TaskID,
		Status:     StatusFailed,
		Message:    "ingestion failed",
		Percentage: percentage,
		Error:      task.Error,
	})
}

func taskState(task *Task) map[string]any {
	return map[string]any{
		"task_id":          task.TaskID,
		"document_id":      task.DocumentID,
		"collection_id":    task.CollectionID,
		"status":           task.Status,
		"percentage":       task.Percentage,
		"message":          task.Message,
		"total_chunks":     task.TotalChunks,
		"processed_chunks": task.ProcessedChunks,
		"error":            task.Error,
	}
}

// decodeData round-trips a data map into a typed struct.
func decodeData(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// toEmbeddings flattens the wire shapes an embeddings field can arrive in.
func toEmbeddings(v any) [][]float32 {
	switch vecs := v.(type) {
	case [][]float32:
		return vecs
	case []any:
		out := make([][]float32, 0, len(vecs))
		for _, item := range vecs {
			switch vec := item.(type) {
			case []float32:
				out = append(out, vec)
			case []any:
				row := make([]float32, 0, len(vec))
				for _, f := range vec {
					if n, ok := f.(float64); ok {
						row = append(row, float32(n))
					}
				}
				out = append(out, row)
			}
		}
		return out
	}
	return nil
}
