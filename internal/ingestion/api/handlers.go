// Package api exposes the ingestion service over HTTP.
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
	"github.com/nooble8/nooble8/internal/ingestion"
	"github.com/nooble8/nooble8/internal/store"
)

const maxUploadBytes = 50 << 20

// Handlers serves the document ingestion endpoints.
type Handlers struct {
	service *ingestion.Service
	store   *store.Store
	logger  *logger.Logger
}

func NewHandlers(svc *ingestion.Service, st *store.Store, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		store:   st,
		logger:  log.WithFields(zap.String("component", "ingestion-api")),
	}
}

// RegisterRoutes mounts the ingestion API under /api/v1, behind tenant auth.
func RegisterRoutes(router gin.IRouter, svc *ingestion.Service, st *store.Store, log *logger.Logger) {
	h := NewHandlers(svc, st, log)

	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	api.Use(h.requireTenant)
	api.POST("/ingest", h.ingest)
	api.POST("/batch-ingest", h.batchIngest)
	api.POST("/upload", h.upload)
	api.GET("/status/:task_id", h.status)
	api.DELETE("/document/:document_id", h.deleteDocument)
	api.PUT("/document/:document_id/agents", h.updateAgents)
}

// requireTenant resolves the caller's identity from headers and verifies the
// user belongs to the claimed tenant. Identity propagates via gin keys.
func (h *Handlers) requireTenant(c *gin.Context) {
	tenantID := c.GetHeader("X-Tenant-ID")
	userID := c.GetHeader("X-User-ID")
	if tenantID == "" {
		h.abortError(c, apperrors.AuthFailed("tenant header missing"))
		return
	}
	if userID != "" {
		ok, err := h.store.UserBelongsToTenant(c.Request.Context(), userID, tenantID)
		if err != nil {
			h.abortError(c, err)
			return
		}
		if !ok {
			h.abortError(c, apperrors.AuthFailed("user does not belong to tenant"))
			return
		}
	}
	c.Set("tenant_id", tenantID)
	c.Set("user_id", userID)
	c.Next()
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) ingest(c *gin.Context) {
	var req ingestion.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abortError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}
	task, err := h.service.Ingest(c.Request.Context(), c.GetString("tenant_id"), c.GetString("user_id"), req)
	if err != nil {
		h.abortError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, taskResponse(task))
}

type batchIngestRequest struct {
	Documents []ingestion.IngestRequest `json:"documents"`
}

// batchIngest admits each document independently; one rejection does not
// block the rest.
func (h *Handlers) batchIngest(c *gin.Context) {
	var req batchIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abortError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}
	if len(req.Documents) == 0 {
		h.abortError(c, apperrors.Validation("documents list is empty"))
		return
	}

	tenantID := c.GetString("tenant_id")
	userID := c.GetString("user_id")
	results := make([]gin.H, 0, len(req.Documents))
	for _, doc := range req.Documents {
		task, err := h.service.Ingest(c.Request.Context(), tenantID, userID, doc)
		if err != nil {
			results = append(results, gin.H{
				"document_name": doc.DocumentName,
				"error":         apperrors.UserMessage(err),
				"error_type":    apperrors.Code(err),
			})
			continue
		}
		results = append(results, taskResponse(task))
	}
	c.JSON(http.StatusAccepted, gin.H{"results": results})
}

// upload accepts a multipart file plus form fields. The file body becomes
// the request content; document_type defaults from the declared form value.
func (h *Handlers) upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.abortError(c, apperrors.Validation("file field is required"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		h.abortError(c, apperrors.Internal("failed to read upload", err))
		return
	}
	if int64(len(content)) > maxUploadBytes {
		h.abortError(c, apperrors.PayloadTooLarge("upload", int64(len(content)), maxUploadBytes))
		return
	}

	req := ingestion.IngestRequest{
		DocumentName: c.PostForm("document_name"),
		DocumentType: c.PostForm("document_type"),
		Content:      string(content),
		CollectionID: c.PostForm("collection_id"),
		AgentIDs:     ingestion.NormalizeAgentIDs(c.PostForm("agent_ids")),
	}
	if req.DocumentName == "" {
		req.DocumentName = header.Filename
	}
	if raw := c.PostForm("rag_config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.RAGConfig); err != nil {
			h.abortError(c, apperrors.Validation("invalid rag_config: "+err.Error()))
			return
		}
	}

	task, err := h.service.Ingest(c.Request.Context(), c.GetString("tenant_id"), c.GetString("user_id"), req)
	if err != nil {
		h.abortError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, taskResponse(task))
}

func (h *Handlers) status(c *gin.Context) {
	task, err := h.service.Status(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		h.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type deleteDocumentRequest struct {
	CollectionID string `json:"collection_id"`
}

func (h *Handlers) deleteDocument(c *gin.Context) {
	var req deleteDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CollectionID == "" {
		h.abortError(c, apperrors.Validation("collection_id is required"))
		return
	}
	err := h.service.DeleteDocument(c.Request.Context(), c.GetString("tenant_id"), req.CollectionID, c.Param("document_id"))
	if err != nil {
		h.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type updateAgentsRequest struct {
	AgentIDs  []string `json:"agent_ids"`
	Operation string   `json:"operation"`
}

func (h *Handlers) updateAgents(c *gin.Context) {
	var req updateAgentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abortError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}
	updated, err := h.service.UpdateAgents(c.Request.Context(), c.GetString("tenant_id"), c.Param("document_id"), req.AgentIDs, req.Operation)
	if err != nil {
		h.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document_id": c.Param("document_id"),
		"agent_ids":   updated,
	})
}

// abortError maps the domain error onto an HTTP status. Responses carry the
// user-safe message only; causes stay in the log.
func (h *Handlers) abortError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":      apperrors.UserMessage(err),
		"error_type": apperrors.Code(err),
	})
}

func taskResponse(task *ingestion.Task) gin.H {
	return gin.H{
		"task_id":       task.TaskID,
		"document_id":   task.DocumentID,
		"collection_id": task.CollectionID,
		"status":        task.Status,
	}
}
