package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble8/nooble8/internal/actions/bus"
	"github.com/nooble8/nooble8/internal/actions/worker"
	"github.com/nooble8/nooble8/internal/common/config"
	"github.com/nooble8/nooble8/internal/common/logger"
	"github.com/nooble8/nooble8/internal/embedding"
	"github.com/nooble8/nooble8/internal/ingestion"
	"github.com/nooble8/nooble8/internal/ingestion/parser"
	"github.com/nooble8/nooble8/internal/llm"
	"github.com/nooble8/nooble8/internal/store"
	"github.com/nooble8/nooble8/internal/vector"
)

func newTestRouter(t *testing.T) (*gin.Engine, *ingestion.Service, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	memBus := bus.NewMemoryBus(log)
	st := store.New(store.NewMemoryStore(), log)
	driver := vector.NewMemoryDriver()
	index := vector.NewIndex(driver, "documents", 8, log)
	require.NoError(t, index.EnsureReady(context.Background()))

	cfg := config.IngestionConfig{MaxGenericBytes: 1 << 20, MaxPDFBytes: 1 << 20, MaxDOCXBytes: 1 << 20, TaskTTLSec: 60}
	svc := ingestion.NewService(st, index, parser.New(cfg, log), nil, memBus, nil, cfg, log)
	embedSvc := embedding.NewService(&llm.HashEmbedder{}, log)

	w := worker.New("test", memBus, 1, log)
	require.NoError(t, svc.Register(w))
	require.NoError(t, embedSvc.Register(w))
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})

	router := gin.New()
	RegisterRoutes(router, svc, st, log)
	return router, svc, st
}

func doJSON(router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

var tenantHeaders = map[string]string{"X-Tenant-ID": "tenant-1"}

func ingestBody() map[string]any {
	return map[string]any{
		"document_name": "note.txt",
		"document_type": "text",
		"content":       "A short note. With two sentences.",
		"rag_config": map[string]any{
			"embedding_model":      "test-model",
			"embedding_dimensions": 8,
		},
	}
}

func TestIngestEndpoint(t *testing.T) {
	router, svc, _ := newTestRouter(t)

	rec := doJSON(router, http.MethodPost, "/api/v1/ingest", ingestBody(), tenantHeaders)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	taskID, _ := resp["task_id"].(string)
	require.NotEmpty(t, taskID)
	assert.NotEmpty(t, resp["document_id"])
	assert.NotEmpty(t, resp["collection_id"])

	require.Eventually(t, func() bool {
		task, err := svc.Status(context.Background(), taskID)
		return err == nil && task.Status == ingestion.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	status := doJSON(router, http.MethodGet, "/api/v1/status/"+taskID, nil, tenantHeaders)
	require.Equal(t, http.StatusOK, status.Code)
	var state ingestion.Task
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &state))
	assert.Equal(t, ingestion.StatusCompleted, state.Status)
	assert.Equal(t, 100, state.Percentage)
}

func TestIngestRequiresTenant(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := doJSON(router, http.MethodPost, "/api/v1/ingest", ingestBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestRejectsForeignUser(t *testing.T) {
	router, _, st := newTestRouter(t)
	ctx := context.Background()

	err := st.Rows().Insert(ctx, store.TableUserTenants, map[string]any{
		"user_id": "user-1", "tenant_id": "tenant-other",
	})
	require.NoError(t, err)

	rec := doJSON(router, http.MethodPost, "/api/v1/ingest", ingestBody(), map[string]string{
		"X-Tenant-ID": "tenant-1",
		"X-User-ID":   "user-1",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestValidationError(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := doJSON(router, http.MethodPost, "/api/v1/ingest", map[string]any{
		"document_type": "text",
	}, tenantHeaders)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION_ERROR", resp["error_type"])
}

func TestBatchIngestPartialFailure(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(router, http.MethodPost, "/api/v1/batch-ingest", map[string]any{
		"documents": []map[string]any{
			ingestBody(),
			{"document_type": "text"}, // no content, rejected
		},
	}, tenantHeaders)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.NotEmpty(t, resp.Results[0]["task_id"])
	assert.Equal(t, "VALIDATION_ERROR", resp.Results[1]["error_type"])
}

func TestUploadEndpoint(t *testing.T) {
	router, svc, _ := newTestRouter(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "report.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Uploaded body. Parsed as text."))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("document_type", "text"))
	require.NoError(t, mw.WriteField("agent_ids", `["agent-a"]`))
	require.NoError(t, mw.WriteField("rag_config", `{"embedding_model":"test-model","embedding_dimensions":8}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	taskID, _ := resp["task_id"].(string)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		task, err := svc.Status(context.Background(), taskID)
		return err == nil && task.Status == ingestion.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	task, err := svc.Status(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, "report.txt", task.DocumentName)
	assert.Equal(t, []string{"agent-a"}, task.AgentIDs)
}

func TestDeleteAndUpdateAgentsEndpoints(t *testing.T) {
	router, svc, _ := newTestRouter(t)

	body := ingestBody()
	body["collection_id"] = "col_http"
	body["agent_ids"] = []string{"agent-a"}
	rec := doJSON(router, http.MethodPost, "/api/v1/ingest", body, tenantHeaders)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	taskID := created["task_id"].(string)
	documentID := created["document_id"].(string)

	require.Eventually(t, func() bool {
		task, err := svc.Status(context.Background(), taskID)
		return err == nil && task.Status == ingestion.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	agents := doJSON(router, http.MethodPut, "/api/v1/document/"+documentID+"/agents", map[string]any{
		"agent_ids": []string{"agent-b"},
		"operation": "add",
	}, tenantHeaders)
	require.Equal(t, http.StatusOK, agents.Code)
	var agentsResp struct {
		AgentIDs []string `json:"agent_ids"`
	}
	require.NoError(t, json.Unmarshal(agents.Body.Bytes(), &agentsResp))
	assert.Equal(t, []string{"agent-a", "agent-b"}, agentsResp.AgentIDs)

	del := doJSON(router, http.MethodDelete, "/api/v1/document/"+documentID, map[string]any{
		"collection_id": "col_http",
	}, tenantHeaders)
	require.Equal(t, http.StatusOK, del.Code)

	missing := doJSON(router, http.MethodDelete, "/api/v1/document/"+documentID, map[string]any{
		"collection_id": "col_http",
	}, tenantHeaders)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestStatusUnknownTask(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := doJSON(router, http.MethodGet, "/api/v1/status/nope", nil, tenantHeaders)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := doJSON(router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
