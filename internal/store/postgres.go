package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nooble8/nooble8/internal/common/database"
	apperrors "github.com/nooble8/nooble8/internal/common/errors"
)

// PostgresStore implements RowStore on the pgx pool. Queries are built from
// equality filters only; tables are restricted to the known set so a filter
// can never smuggle in arbitrary SQL identifiers.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore wraps the connection pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var knownTables = map[string]bool{
	TableAgentsWithPrompt: true,
	TableTenants:          true,
	TableUserTenants:      true,
	TableDocumentsRAG:     true,
	TableConversations:    true,
	TableMessages:         true,
}

func checkTable(table string) error {
	if !knownTables[table] {
		return apperrors.Validation(fmt.Sprintf("unknown table '%s'", table))
	}
	return nil
}

// whereClause renders the filter with stable column order so generated SQL
// is deterministic.
func whereClause(filter Filter, startArg int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	cols := make([]string, 0, len(filter))
	for c := range filter {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		parts = append(parts, fmt.Sprintf("%s = $%d", c, startArg+i))
		args = append(args, encodeValue(filter[c]))
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// encodeValue turns maps and slices into JSON for jsonb columns.
func encodeValue(v any) any {
	switch v.(type) {
	case map[string]any, []any, []string:
		data, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(data)
	}
	return v
}

// decodeRow converts pgx values into the JSON-like shapes the facade and
// normalizers expect: jsonb bytes become maps, timestamps become RFC3339
// strings.
func decodeRow(columns []string, values []any) map[string]any {
	row := make(map[string]any, len(columns))
	for i, col := range columns {
		switch v := values[i].(type) {
		case []byte:
			var decoded any
			if err := json.Unmarshal(v, &decoded); err == nil {
				row[col] = decoded
			} else {
				row[col] = string(v)
			}
		case time.Time:
			row[col] = v.UTC().Format(time.RFC3339Nano)
		default:
			row[col] = v
		}
	}
	return row
}

func (s *PostgresStore) Select(ctx context.Context, table string, filter Filter) ([]map[string]any, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	where, args := whereClause(filter, 1)
	rows, err := s.db.Query(ctx, "SELECT * FROM "+table+where, args...)
	if err != nil {
		return nil, apperrors.Storage("select from "+table+" failed", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, apperrors.Storage("scan from "+table+" failed", err)
		}
		out = append(out, decodeRow(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("select from "+table+" failed", err)
	}
	return out, nil
}

func (s *PostgresStore) SelectOne(ctx context.Context, table string, filter Filter) (map[string]any, error) {
	rows, err := s.Select(ctx, table, filter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (s *PostgresStore) Insert(ctx context.Context, table string, row map[string]any) error {
	if err := checkTable(table); err != nil {
		return err
	}
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = encodeValue(row[c])
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return apperrors.Storage("insert into "+table+" failed", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, table string, filter Filter, values map[string]any) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filter))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
		args = append(args, encodeValue(values[c]))
	}
	where, whereArgs := whereClause(filter, len(cols)+1)
	args = append(args, whereArgs...)

	tag, err := s.db.Exec(ctx, "UPDATE "+table+" SET "+strings.Join(sets, ", ")+where, args...)
	if err != nil {
		return 0, apperrors.Storage("update "+table+" failed", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, apperrors.Validation("refusing to delete without a filter")
	}
	where, args := whereClause(filter, 1)
	tag, err := s.db.Exec(ctx, "DELETE FROM "+table+where, args...)
	if err != nil {
		return 0, apperrors.Storage("delete from "+table+" failed", err)
	}
	return tag.RowsAffected(), nil
}
