// Package store provides the relational store adapter: a generic
// equality-filter row store plus a typed facade over the tables the backend
// uses.
package store

import (
	"context"
	"time"
)

// Tables and views served by the facade.
const (
	TableAgentsWithPrompt = "agents_with_prompt"
	TableTenants          = "tenants"
	TableUserTenants      = "user_tenants"
	TableDocumentsRAG     = "documents_rag"
	TableConversations    = "conversations"
	TableMessages         = "messages"
)

// Filter is an equality filter: every key must match its value.
type Filter map[string]any

// RowStore is the generic store contract. Rows travel as raw maps; the
// typed facade flattens them.
type RowStore interface {
	// Select returns all rows matching the filter.
	Select(ctx context.Context, table string, filter Filter) ([]map[string]any, error)

	// SelectOne returns the first row matching the filter, or nil when none
	// does.
	SelectOne(ctx context.Context, table string, filter Filter) (map[string]any, error)

	// Insert writes one row.
	Insert(ctx context.Context, table string, row map[string]any) error

	// Update sets values on every row matching the filter and reports how
	// many rows changed.
	Update(ctx context.Context, table string, filter Filter, values map[string]any) (int64, error)

	// Delete removes every row matching the filter and reports how many
	// rows went away.
	Delete(ctx context.Context, table string, filter Filter) (int64, error)
}

// rowString returns the first non-empty string among the given keys. Rows
// from views mix camelCase and snake_case; callers pass both spellings.
func rowString(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := row[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func rowInt(row map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := row[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

// rowTime parses a timestamp column. Z-suffixed and offset ISO forms both
// parse; native time.Time values pass through.
func rowTime(row map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		switch v := row[k].(type) {
		case time.Time:
			return v.UTC()
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
				if ts, err := time.Parse(layout, v); err == nil {
					return ts.UTC()
				}
			}
		}
	}
	return time.Time{}
}
