package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryDriver implements Driver with an in-process map. It backs tests and
// single-process development.
type MemoryDriver struct {
	mu          sync.RWMutex
	collections map[string]map[string]Point
	vectorSize  map[string]int
}

// NewMemoryDriver creates an empty in-memory vector store.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		collections: make(map[string]map[string]Point),
		vectorSize:  make(map[string]int),
	}
}

func (d *MemoryDriver) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.collections[name]; !ok {
		d.collections[name] = make(map[string]Point)
		d.vectorSize[name] = vectorSize
	}
	return nil
}

func (d *MemoryDriver) EnsurePayloadIndex(ctx context.Context, collection, field string) error {
	return nil
}

func (d *MemoryDriver) Upsert(ctx context.Context, collection string, points []Point) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	col := d.collections[collection]
	if col == nil {
		col = make(map[string]Point)
		d.collections[collection] = col
	}
	for _, p := range points {
		col[p.ID] = p
	}
	return nil
}

func matches(payload map[string]any, f Filter) bool {
	for _, c := range f.Must {
		value, ok := payload[c.Key]
		if !ok {
			return false
		}
		if len(c.MatchAny) > 0 {
			if !anyIntersects(value, c.MatchAny) {
				return false
			}
			continue
		}
		if !equalValue(value, c.Match) {
			return false
		}
	}
	return true
}

// anyIntersects reports whether the stored value (scalar or list) shares an
// element with the wanted set.
func anyIntersects(value any, wanted []string) bool {
	stored := toStrings(value)
	for _, s := range stored {
		for _, w := range wanted {
			if s == w {
				return true
			}
		}
	}
	return false
}

func toStrings(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func equalValue(stored, wanted any) bool {
	if s, ok := stored.(string); ok {
		w, ok := wanted.(string)
		return ok && s == w
	}
	return stored == wanted
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (d *MemoryDriver) Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int, threshold float64) ([]Hit, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var hits []Hit
	for _, p := range d.collections[collection] {
		if !matches(p.Payload, filter) {
			continue
		}
		score := cosine(vector, p.Vector)
		if threshold > 0 && score < threshold {
			continue
		}
		hits = append(hits, Hit{ID: p.ID, Score: score, Payload: p.Payload})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (d *MemoryDriver) Delete(ctx context.Context, collection string, filter Filter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	col := d.collections[collection]
	for id, p := range col {
		if matches(p.Payload, filter) {
			delete(col, id)
		}
	}
	return nil
}

func (d *MemoryDriver) Scroll(ctx context.Context, collection string, filter Filter, offset any, limit int) ([]Point, any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.collections[collection]))
	for id, p := range d.collections[collection] {
		if matches(p.Payload, filter) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	start := 0
	if s, ok := offset.(int); ok {
		start = s
	}
	if start >= len(ids) {
		return nil, nil, nil
	}
	end := start + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}

	points := make([]Point, 0, end-start)
	for _, id := range ids[start:end] {
		points = append(points, d.collections[collection][id])
	}
	var next any
	if end < len(ids) {
		next = end
	}
	return points, next, nil
}

func (d *MemoryDriver) SetPayload(ctx context.Context, collection string, payload map[string]any, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	col := d.collections[collection]
	for _, id := range ids {
		p, ok := col[id]
		if !ok {
			continue
		}
		merged := make(map[string]any, len(p.Payload)+len(payload))
		for k, v := range p.Payload {
			merged[k] = v
		}
		for k, v := range payload {
			merged[k] = v
		}
		p.Payload = merged
		col[id] = p
	}
	return nil
}

// Count returns the number of points matching the filter. Test helper.
func (d *MemoryDriver) Count(collection string, filter Filter) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, p := range d.collections[collection] {
		if matches(p.Payload, filter) {
			n++
		}
	}
	return n
}
