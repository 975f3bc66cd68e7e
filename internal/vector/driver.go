// Package vector provides the index adapter over the vector store: one
// physical collection, cosine distance, payload-filtered CRUD and search.
package vector

import "context"

// Payload keys shared by every stored point. The hierarchy fields drive all
// filtering; extra request metadata rides alongside them.
const (
	FieldTenantID     = "tenant_id"
	FieldCollectionID = "collection_id"
	FieldAgentIDs     = "agent_ids"
	FieldDocumentID   = "document_id"
	FieldChunkID      = "chunk_id"
	FieldDocumentType = "document_type"
	FieldCreatedAt    = "created_at"
)

// indexedFields get payload indices at startup.
var indexedFields = []string{
	FieldTenantID, FieldCollectionID, FieldAgentIDs,
	FieldDocumentID, FieldDocumentType, FieldCreatedAt,
}

// Point is a stored vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Hit is a search result.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Condition is a single must-clause: exact match on Key, or membership when
// MatchAny is set (the stored value may be a list, as with agent_ids).
type Condition struct {
	Key      string
	Match    any
	MatchAny []string
}

// Filter is a conjunction of conditions.
type Filter struct {
	Must []Condition
}

// Has reports whether the filter constrains the given key.
func (f Filter) Has(key string) bool {
	for _, c := range f.Must {
		if c.Key == key {
			return true
		}
	}
	return false
}

// Driver is the raw store contract implemented by the Qdrant client and the
// in-memory store.
type Driver interface {
	// EnsureCollection creates the collection if missing.
	EnsureCollection(ctx context.Context, name string, vectorSize int) error

	// EnsurePayloadIndex creates a payload index on the field if missing.
	EnsurePayloadIndex(ctx context.Context, collection, field string) error

	// Upsert writes points, waiting for the store ack.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns hits matching the filter, sorted by score descending.
	Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int, threshold float64) ([]Hit, error)

	// Delete removes all points matching the filter.
	Delete(ctx context.Context, collection string, filter Filter) error

	// Scroll pages through points matching the filter. A nil next offset
	// means the scan is complete.
	Scroll(ctx context.Context, collection string, filter Filter, offset any, limit int) ([]Point, any, error)

	// SetPayload merges payload fields onto the given points.
	SetPayload(ctx context.Context, collection string, payload map[string]any, ids []string) error
}
