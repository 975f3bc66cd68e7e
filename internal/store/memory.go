package store

import (
	"context"
	"sync"

	apperrors "github.com/nooble8/nooble8/internal/common/errors"
)

// MemoryStore implements RowStore with in-process maps. It backs tests and
// single-process development.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]map[string]any
}

// NewMemoryStore creates an empty in-memory row store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string][]map[string]any)}
}

func rowMatches(row map[string]any, filter Filter) bool {
	for k, want := range filter {
		got, ok := row[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) Select(ctx context.Context, table string, filter Filter) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []map[string]any
	for _, row := range s.tables[table] {
		if rowMatches(row, filter) {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

func (s *MemoryStore) SelectOne(ctx context.Context, table string, filter Filter) (map[string]any, error) {
	rows, err := s.Select(ctx, table, filter)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (s *MemoryStore) Insert(ctx context.Context, table string, row map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], cloneRow(row))
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, table string, filter Filter, values map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.tables[table] {
		if rowMatches(row, filter) {
			for k, v := range values {
				row[k] = v
			}
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	if len(filter) == 0 {
		return 0, apperrors.Validation("refusing to delete without a filter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tables[table][:0]
	var n int64
	for _, row := range s.tables[table] {
		if rowMatches(row, filter) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	s.tables[table] = kept
	return n, nil
}
