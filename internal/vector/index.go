package vector

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/nooble8/nooble8/internal/common/errors"
	"github.com/nooble8/nooble8/internal/common/logger"
)

// Agent list operations accepted by UpdateChunkAgents.
const (
	AgentOpSet    = "set"
	AgentOpAdd    = "add"
	AgentOpRemove = "remove"
)

const scrollPageSize = 1000

// UpsertResult reports per-point outcomes of an upsert.
type UpsertResult struct {
	Stored    int      `json:"stored"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

// SearchParams describes one similarity search. TenantID and AgentID are
// mandatory; CollectionIDs and DocumentIDs narrow the scope when present.
type SearchParams struct {
	TenantID      string
	AgentID       string
	Vector        []float32
	CollectionIDs []string
	DocumentIDs   []string
	TopK          int
	Threshold     float64
}

// Index is the tenant-guarded adapter over the raw driver. Every read and
// write path includes tenant_id as a must condition; calls without it are
// refused.
type Index struct {
	driver     Driver
	collection string
	vectorSize int
	logger     *logger.Logger
}

// NewIndex creates the adapter for the named physical collection.
func NewIndex(driver Driver, collection string, vectorSize int, log *logger.Logger) *Index {
	return &Index{
		driver:     driver,
		collection: collection,
		vectorSize: vectorSize,
		logger:     log.WithFields(zap.String("component", "vector_index")),
	}
}

// EnsureReady creates the collection and its payload indices.
func (x *Index) EnsureReady(ctx context.Context) error {
	if err := x.driver.EnsureCollection(ctx, x.collection, x.vectorSize); err != nil {
		return err
	}
	for _, field := range indexedFields {
		if err := x.driver.EnsurePayloadIndex(ctx, x.collection, field); err != nil {
			return err
		}
	}
	return nil
}

// Upsert writes points after per-point validation: a point must carry an
// embedding and a tenant_id. Invalid points are counted in the result rather
// than failing the batch.
func (x *Index) Upsert(ctx context.Context, tenantID string, points []Point) (UpsertResult, error) {
	if tenantID == "" {
		return UpsertResult{}, apperrors.Validation("tenant_id is required")
	}

	var result UpsertResult
	valid := make([]Point, 0, len(points))
	for _, p := range points {
		if len(p.Vector) == 0 {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, p.ID)
			continue
		}
		if p.Payload == nil {
			p.Payload = make(map[string]any)
		}
		p.Payload[FieldTenantID] = tenantID
		if _, ok := p.Payload[FieldCreatedAt]; !ok {
			p.Payload[FieldCreatedAt] = time.Now().UTC().Format(time.RFC3339)
		}
		valid = append(valid, p)
	}

	if len(valid) > 0 {
		if err := x.driver.Upsert(ctx, x.collection, valid); err != nil {
			return UpsertResult{}, apperrors.Storage("vector upsert failed", err)
		}
	}
	result.Stored = len(valid)
	return result, nil
}

// Search runs a filtered similarity search. The effective filter always
// contains tenant_id and agent_id membership; omitting either fails the call.
func (x *Index) Search(ctx context.Context, params SearchParams) ([]Hit, error) {
	if params.TenantID == "" {
		return nil, apperrors.Validation("tenant_id is required")
	}
	if params.AgentID == "" {
		return nil, apperrors.Validation("agent_id is required")
	}
	if len(params.Vector) == 0 {
		return nil, apperrors.Validation("query vector is empty")
	}

	filter := Filter{Must: []Condition{
		{Key: FieldTenantID, Match: params.TenantID},
		{Key: FieldAgentIDs, MatchAny: []string{params.AgentID}},
	}}
	if len(params.CollectionIDs) > 0 {
		filter.Must = append(filter.Must, Condition{Key: FieldCollectionID, MatchAny: params.CollectionIDs})
	}
	if len(params.DocumentIDs) > 0 {
		filter.Must = append(filter.Must, Condition{Key: FieldDocumentID, MatchAny: params.DocumentIDs})
	}

	topK := params.TopK
	if topK <= 0 {
		topK = 5
	}
	hits, err := x.driver.Search(ctx, x.collection, params.Vector, filter, topK, params.Threshold)
	if err != nil {
		return nil, apperrors.Storage("vector search failed", err)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DeleteDocument removes every chunk of the document. All three hierarchy
// keys are required so a bad caller cannot delete across tenants or
// collections.
func (x *Index) DeleteDocument(ctx context.Context, tenantID, collectionID, documentID string) error {
	if tenantID == "" || collectionID == "" || documentID == "" {
		return apperrors.Validation("tenant_id, collection_id and document_id are all required")
	}
	filter := Filter{Must: []Condition{
		{Key: FieldTenantID, Match: tenantID},
		{Key: FieldCollectionID, Match: collectionID},
		{Key: FieldDocumentID, Match: documentID},
	}}
	if err := x.driver.Delete(ctx, x.collection, filter); err != nil {
		return apperrors.Storage("vector delete failed", err)
	}
	x.logger.Info("Deleted document vectors",
		zap.String("tenant_id", tenantID),
		zap.String("collection_id", collectionID),
		zap.String("document_id", documentID),
	)
	return nil
}

// UpdateChunkAgents recomputes agent_ids on every chunk of the document.
// The scroll is paged so documents beyond one page are updated in full.
func (x *Index) UpdateChunkAgents(ctx context.Context, tenantID, documentID string, agentIDs []string, op string) (int, error) {
	if tenantID == "" {
		return 0, apperrors.Validation("tenant_id is required")
	}
	if documentID == "" {
		return 0, apperrors.Validation("document_id is required")
	}
	switch op {
	case AgentOpSet, AgentOpAdd, AgentOpRemove:
	default:
		return 0, apperrors.Validation("operation must be one of set, add, remove")
	}

	filter := Filter{Must: []Condition{
		{Key: FieldTenantID, Match: tenantID},
		{Key: FieldDocumentID, Match: documentID},
	}}

	updated := 0
	var offset any
	for {
		points, next, err := x.driver.Scroll(ctx, x.collection, filter, offset, scrollPageSize)
		if err != nil {
			return updated, apperrors.Storage("vector scroll failed", err)
		}
		for _, p := range points {
			current := toStrings(p.Payload[FieldAgentIDs])
			payload := map[string]any{FieldAgentIDs: ApplyAgentOp(current, agentIDs, op)}
			if err := x.driver.SetPayload(ctx, x.collection, payload, []string{p.ID}); err != nil {
				return updated, apperrors.Storage("vector payload update failed", err)
			}
			updated++
		}
		if next == nil {
			break
		}
		offset = next
	}

	x.logger.Info("Updated chunk agents",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", documentID),
		zap.String("operation", op),
		zap.Int("updated", updated),
	)
	return updated, nil
}

// ApplyAgentOp returns the new agent list, deduplicated and sorted so the
// stored value is deterministic.
func ApplyAgentOp(current, delta []string, op string) []string {
	set := make(map[string]bool)
	switch op {
	case AgentOpSet:
		for _, a := range delta {
			set[a] = true
		}
	case AgentOpAdd:
		for _, a := range current {
			set[a] = true
		}
		for _, a := range delta {
			set[a] = true
		}
	case AgentOpRemove:
		for _, a := range current {
			set[a] = true
		}
		for _, a := range delta {
			delete(set, a)
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
