package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble8/nooble8/internal/actions"
	"github.com/nooble8/nooble8/internal/actions/bus"
	"github.com/nooble8/nooble8/internal/actions/worker"
	"github.com/nooble8/nooble8/internal/common/config"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
	"github.com/nooble8/nooble8/internal/embedding"
	"github.com/nooble8/nooble8/internal/ingestion/parser"
	"github.com/nooble8/nooble8/internal/llm"
	"github.com/nooble8/nooble8/internal/store"
	"github.com/nooble8/nooble8/internal/vector"
)

type fixture struct {
	service *Service
	store   *store.Store
	driver  *vector.MemoryDriver
	bus     *bus.MemoryBus
	cancel  context.CancelFunc
	wait    func()
}

// newFixture wires the full in-memory pipeline: ingestion and embedding
// handlers on one worker, memory bus, memory vector driver, memory store.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Default()

	memBus := bus.NewMemoryBus(log)
	st := store.New(store.NewMemoryStore(), log)
	driver := vector.NewMemoryDriver()
	index := vector.NewIndex(driver, "documents", 8, log)
	require.NoError(t, index.EnsureReady(context.Background()))

	cfg := config.IngestionConfig{
		MaxPDFBytes:     50 << 20,
		MaxDOCXBytes:    20 << 20,
		MaxGenericBytes: 10 << 20,
		TaskTTLSec:      3600,
	}
	p := parser.New(cfg, log)

	svc := NewService(st, index, p, nil, memBus, nil, cfg, log)
	embedSvc := embedding.NewService(&llm.HashEmbedder{}, log)

	w := worker.New("test", memBus, 2, log)
	require.NoError(t, svc.Register(w))
	require.NoError(t, embedSvc.Register(w))

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})

	return &fixture{service: svc, store: st, driver: driver, bus: memBus, cancel: cancel, wait: w.Wait}
}

func testRAGConfig() *actions.RAGConfig {
	return &actions.RAGConfig{
		EmbeddingModel:      "test-model",
		EmbeddingDimensions: 8,
		ChunkSize:           512,
	}
}

func waitForStatus(t *testing.T, svc *Service, taskID, status string) *Task {
	t.Helper()
	var task *Task
	require.Eventually(t, func() bool {
		current, err := svc.Status(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = current
		return current.Status == status
	}, 5*time.Second, 10*time.Millisecond, "task never reached %s", status)
	return task
}

func TestIngestInlineDocumentCompletes(t *testing.T) {
	f := newFixture(t)

	task, err := f.service.Ingest(context.Background(), "tenant-1", "user-1", IngestRequest{
		DocumentName: "greeting.txt",
		DocumentType: "inline",
		Content:      "Hello world. Second sentence.",
		CollectionID: "col_abc",
		AgentIDs:     []string{"agent-a"},
		RAGConfig:    testRAGConfig(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.TaskID)
	assert.NotEmpty(t, task.DocumentID)

	done := waitForStatus(t, f.service, task.TaskID, StatusCompleted)
	assert.Equal(t, 100, done.Percentage)
	assert.Equal(t, 1, done.TotalChunks)
	assert.Equal(t, 1, done.ProcessedChunks)
	assert.Empty(t, done.Error)

	// One vector with full hierarchy payload.
	points, _, err := f.driver.Scroll(context.Background(), "documents", vector.Filter{Must: []vector.Condition{
		{Key: vector.FieldTenantID, Match: "tenant-1"},
	}}, nil, 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "Hello world. Second sentence.", points[0].Payload["content"])
	assert.Equal(t, "col_abc", points[0].Payload[vector.FieldCollectionID])
	assert.Equal(t, task.DocumentID, points[0].Payload[vector.FieldDocumentID])
	assert.Equal(t, "test-model", points[0].Payload["embedding_model"])
	assert.Equal(t, []string{}, points[0].Payload["keywords"])
	assert.Equal(t, []string{}, points[0].Payload["tags"])

	// And the metadata row.
	row, err := f.store.DocumentRow(context.Background(), "tenant-1", task.DocumentID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "completed", row["status"])
}

func TestIngestGeneratesCollectionID(t *testing.T) {
	f := newFixture(t)

	task, err := f.service.Ingest(context.Background(), "tenant-1", "", IngestRequest{
		DocumentType: "text",
		Content:      "Some content here.",
		RAGConfig:    testRAGConfig(),
	})
	require.NoError(t, err)
	assert.Regexp(t, `^col_[0-9a-f]{8}$`, task.CollectionID)
}

func TestIngestRejectsModelMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Ingest(ctx, "tenant-1", "", IngestRequest{
		DocumentType: "text",
		Content:      "Seed document for the collection.",
		CollectionID: "col_mixed",
		RAGConfig:    testRAGConfig(),
	})
	require.NoError(t, err)
	waitForStatus(t, f.service, first.TaskID, StatusCompleted)

	_, err = f.service.Ingest(ctx, "tenant-1", "", IngestRequest{
		DocumentType: "text",
		Content:      "Different model document.",
		CollectionID: "col_mixed",
		RAGConfig: &actions.RAGConfig{
			EmbeddingModel:      "other-model",
			EmbeddingDimensions: 16,
		},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeModelMismatch, apperrors.Code(err))

	// Rejection happens at admission: the collection still holds one document.
	count := f.driver.Count("documents", vector.Filter{Must: []vector.Condition{
		{Key: vector.FieldCollectionID, Match: "col_mixed"},
	}})
	assert.Equal(t, 1, count)
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Ingest(ctx, "", "", IngestRequest{DocumentType: "text", Content: "x"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.service.Ingest(ctx, "tenant-1", "", IngestRequest{DocumentType: "text"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestDeleteDocumentRemovesVectorsAndRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.service.Ingest(ctx, "tenant-1", "", IngestRequest{
		DocumentType: "text",
		Content:      "Document to delete later.",
		CollectionID: "col_del",
		RAGConfig:    testRAGConfig(),
	})
	require.NoError(t, err)
	waitForStatus(t, f.service, task.TaskID, StatusCompleted)

	require.NoError(t, f.service.DeleteDocument(ctx, "tenant-1", "col_del", task.DocumentID))

	count := f.driver.Count("documents", vector.Filter{Must: []vector.Condition{
		{Key: vector.FieldDocumentID, Match: task.DocumentID},
	}})
	assert.Zero(t, count)

	row, err := f.store.DocumentRow(ctx, "tenant-1", task.DocumentID)
	require.NoError(t, err)
	assert.Nil(t, row)

	err = f.service.DeleteDocument(ctx, "tenant-1", "col_del", task.DocumentID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateAgentsMirrorsMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.service.Ingest(ctx, "tenant-1", "", IngestRequest{
		DocumentType: "text",
		Content:      "Shared between agents.",
		CollectionID: "col_share",
		AgentIDs:     []string{"agent-a"},
		RAGConfig:    testRAGConfig(),
	})
	require.NoError(t, err)
	waitForStatus(t, f.service, task.TaskID, StatusCompleted)

	updated, err := f.service.UpdateAgents(ctx, "tenant-1", task.DocumentID, []string{"agent-b"}, vector.AgentOpAdd)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-a", "agent-b"}, updated)

	points, _, err := f.driver.Scroll(ctx, "documents", vector.Filter{Must: []vector.Condition{
		{Key: vector.FieldDocumentID, Match: task.DocumentID},
	}}, nil, 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, points[0].Payload[vector.FieldAgentIDs])

	row, err := f.store.DocumentRow(ctx, "tenant-1", task.DocumentID)
	require.NoError(t, err)
	metadata, ok := row["metadata"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, NormalizeAgentIDs(metadata["agent_ids"]))

	updated, err = f.service.UpdateAgents(ctx, "tenant-1", task.DocumentID, []string{"agent-a"}, vector.AgentOpRemove)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-b"}, updated)
}

func TestUpdateAgentsUnknownDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.UpdateAgents(context.Background(), "tenant-1", "missing-doc", []string{"a"}, vector.AgentOpSet)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestEmbeddingCallbackUnknownTaskIsDropped(t *testing.T) {
	f := newFixture(t)

	action := actions.New(actions.TypeIngestionEmbeddingDone, "tenant-1", "embedding")
	action.TaskID = "no-such-task"
	action.Data = map[string]any{"embeddings": [][]float32{{0.1}}}

	result, err := f.service.HandleEmbeddingCallback(context.Background(), action)
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestEmbeddingFailureFailsTask(t *testing.T) {
	log := logger.Default()
	memBus := bus.NewMemoryBus(log)
	st := store.New(store.NewMemoryStore(), log)
	driver := vector.NewMemoryDriver()
	index := vector.NewIndex(driver, "documents", 8, log)
	require.NoError(t, index.EnsureReady(context.Background()))
	cfg := config.IngestionConfig{MaxGenericBytes: 1 << 20, TaskTTLSec: 60}
	svc := NewService(st, index, parser.New(cfg, log), nil, memBus, nil, cfg, log)

	// Embedder that always errors; its failure callback carries the error.
	embedSvc := embedding.NewService(&llm.HashEmbedder{Err: assert.AnError}, log)
	w := worker.New("test", memBus, 2, log)
	require.NoError(t, svc.Register(w))
	require.NoError(t, embedSvc.Register(w))
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})

	task, err := svc.Ingest(context.Background(), "tenant-1", "", IngestRequest{
		DocumentType: "text",
		Content:      "This will fail to embed.",
		RAGConfig:    testRAGConfig(),
	})
	require.NoError(t, err)

	failed := waitForStatus(t, svc, task.TaskID, StatusFailed)
	assert.NotEmpty(t, failed.Error)
	assert.Zero(t, driver.Count("documents", vector.Filter{}))
}

func TestHandleProcessAction(t *testing.T) {
	f := newFixture(t)

	action := actions.New(actions.TypeIngestionDocumentProcess, "tenant-1", "gateway")
	action.UserID = "user-9"
	action.RAGConfig = testRAGConfig()
	action.Data = map[string]any{
		"document_name": "api.txt",
		"document_type": "text",
		"content":       "Queued through the bus.",
		"agent_ids":     []any{`["agent-x"]`},
	}

	result, err := f.service.handleProcess(context.Background(), action)
	require.NoError(t, err)
	taskID, _ := result["task_id"].(string)
	require.NotEmpty(t, taskID)

	done := waitForStatus(t, f.service, taskID, StatusCompleted)
	assert.Equal(t, []string{"agent-x"}, done.AgentIDs)
	assert.Equal(t, "user-9", done.UserID)
}

func TestHandleStatusAction(t *testing.T) {
	f := newFixture(t)

	task, err := f.service.Ingest(context.Background(), "tenant-1", "", IngestRequest{
		DocumentType: "text",
		Content:      "Status check target.",
		RAGConfig:    testRAGConfig(),
	})
	require.NoError(t, err)
	waitForStatus(t, f.service, task.TaskID, StatusCompleted)

	action := actions.New(actions.TypeIngestionDocumentStatus, "tenant-1", "gateway")
	action.Data = map[string]any{"task_id": task.TaskID}
	state, err := f.service.handleStatus(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state["status"])
	assert.Equal(t, 100, state["percentage"])

	action.Data = map[string]any{"task_id": "missing"}
	_, err = f.service.handleStatus(context.Background(), action)
	assert.True(t, apperrors.IsNotFound(err))
}
