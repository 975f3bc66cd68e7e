package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nooble8/nooble8/internal/common/config"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
)

// QdrantDriver implements Driver against the Qdrant REST API.
type QdrantDriver struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *logger.Logger
}

// NewQdrantDriver creates a driver for the configured Qdrant endpoint.
func NewQdrantDriver(cfg config.VectorConfig, log *logger.Logger) *QdrantDriver {
	return &QdrantDriver{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  log.WithFields(zap.String("component", "qdrant")),
	}
}

type qdrantResponse struct {
	Status json.RawMessage `json:"status"`
	Result json.RawMessage `json:"result"`
}

func (d *QdrantDriver) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal qdrant request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("api-key", d.apiKey)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return apperrors.ServiceUnavailable("vector store", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.ServiceUnavailable("vector store", err)
	}
	if resp.StatusCode >= 400 {
		return apperrors.Storage(
			fmt.Sprintf("qdrant %s %s returned %d", method, path, resp.StatusCode),
			fmt.Errorf("%s", strings.TrimSpace(string(data))),
		)
	}
	if out == nil {
		return nil
	}
	var envelope qdrantResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to decode qdrant response: %w", err)
	}
	return json.Unmarshal(envelope.Result, out)
}

// EnsureCollection creates the collection when the store does not have it.
func (d *QdrantDriver) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	err := d.do(ctx, http.MethodGet, "/collections/"+name, nil, nil)
	if err == nil {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	if err := d.do(ctx, http.MethodPut, "/collections/"+name, body, nil); err != nil {
		// Lost a create race with a peer process.
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return err
	}
	d.logger.Info("Created vector collection", zap.String("collection", name), zap.Int("vector_size", vectorSize))
	return nil
}

// EnsurePayloadIndex creates a keyword index on the field. Qdrant treats a
// repeat create as a no-op.
func (d *QdrantDriver) EnsurePayloadIndex(ctx context.Context, collection, field string) error {
	body := map[string]any{
		"field_name":   field,
		"field_schema": "keyword",
	}
	err := d.do(ctx, http.MethodPut, "/collections/"+collection+"/index", body, nil)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

func qdrantFilter(f Filter) map[string]any {
	must := make([]map[string]any, 0, len(f.Must))
	for _, c := range f.Must {
		clause := map[string]any{"key": c.Key}
		if len(c.MatchAny) > 0 {
			clause["match"] = map[string]any{"any": c.MatchAny}
		} else {
			clause["match"] = map[string]any{"value": c.Match}
		}
		must = append(must, clause)
	}
	return map[string]any{"must": must}
}

// Upsert writes points with wait=true so the ack covers persistence.
func (d *QdrantDriver) Upsert(ctx context.Context, collection string, points []Point) error {
	wire := make([]map[string]any, 0, len(points))
	for _, p := range points {
		wire = append(wire, map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		})
	}
	return d.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true",
		map[string]any{"points": wire}, nil)
}

type qdrantHit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Search runs a filtered similarity search.
func (d *QdrantDriver) Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int, threshold float64) ([]Hit, error) {
	body := map[string]any{
		"vector":       vector,
		"filter":       qdrantFilter(filter),
		"limit":        limit,
		"with_payload": true,
	}
	if threshold > 0 {
		body["score_threshold"] = threshold
	}

	var raw []qdrantHit
	if err := d.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &raw); err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(raw))
	for _, h := range raw {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score, Payload: h.Payload})
	}
	return hits, nil
}

// Delete removes points by filter.
func (d *QdrantDriver) Delete(ctx context.Context, collection string, filter Filter) error {
	body := map[string]any{"filter": qdrantFilter(filter)}
	return d.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}

type qdrantScrollResult struct {
	Points []struct {
		ID      string         `json:"id"`
		Payload map[string]any `json:"payload"`
	} `json:"points"`
	NextPageOffset any `json:"next_page_offset"`
}

// Scroll pages through points matching the filter.
func (d *QdrantDriver) Scroll(ctx context.Context, collection string, filter Filter, offset any, limit int) ([]Point, any, error) {
	body := map[string]any{
		"filter":       qdrantFilter(filter),
		"limit":        limit,
		"with_payload": true,
	}
	if offset != nil {
		body["offset"] = offset
	}

	var result qdrantScrollResult
	if err := d.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body, &result); err != nil {
		return nil, nil, err
	}
	points := make([]Point, 0, len(result.Points))
	for _, p := range result.Points {
		points = append(points, Point{ID: p.ID, Payload: p.Payload})
	}
	return points, result.NextPageOffset, nil
}

// SetPayload merges payload fields onto the given points.
func (d *QdrantDriver) SetPayload(ctx context.Context, collection string, payload map[string]any, ids []string) error {
	body := map[string]any{
		"payload": payload,
		"points":  ids,
	}
	return d.do(ctx, http.MethodPost, "/collections/"+collection+"/points/payload?wait=true", body, nil)
}
