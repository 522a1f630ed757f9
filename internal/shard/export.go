package shard

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"shardsql/internal/types"
)

// Export pages a tenant's rows out of a table in rowid order. cursor is
// "" for the first page and the opaque value returned alongside each page
// thereafter; an empty next cursor means the table is exhausted. Rows
// carry a _rowid column that Import strips.
func (e *Engine) Export(ctx context.Context, table, tenantID, cursor string, limit int, tenantColumn string) ([]types.Row, string, error) {
	if !validIdent(table) || !validIdent(tenantColumn) {
		return nil, "", types.Errf(types.CodeInvalidQuery, "invalid table or column identifier")
	}
	if limit < 1 {
		limit = 200
	}
	after := int64(0)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", types.Errf(types.CodeInvalidQuery, "malformed export cursor %q", cursor)
		}
		after = v
	}
	// Identifiers cannot be bound; they are validated above and quoted.
	q := fmt.Sprintf(
		`SELECT rowid AS _rowid, * FROM "%s" WHERE "%s" = ? AND rowid > ? ORDER BY rowid LIMIT ?`,
		table, tenantColumn)
	rows, err := e.readDB.QueryContext(ctx, q, tenantID, after, limit)
	if err != nil {
		return nil, "", normalizeErr(err)
	}
	defer rows.Close()
	out, err := scanRows(rows)
	if err != nil {
		return nil, "", normalizeErr(err)
	}
	if len(out) < limit {
		return out, "", nil
	}
	last, ok := out[len(out)-1]["_rowid"].(int64)
	if !ok {
		return nil, "", types.Errf(types.CodeInternal, "export page missing _rowid")
	}
	return out, strconv.FormatInt(last, 10), nil
}

// Import upserts rows into a table. mode "upsert" (the only supported
// mode) replaces conflicting rows so a re-run page converges instead of
// failing. Import is bulk transfer: it does not append to the change log.
func (e *Engine) Import(ctx context.Context, table string, rows []types.Row, mode string) (int64, error) {
	if !validIdent(table) {
		return 0, types.Errf(types.CodeInvalidQuery, "invalid table identifier %q", table)
	}
	if mode != "" && mode != "upsert" {
		return 0, types.Errf(types.CodeInvalidQuery, "unsupported import mode %q", mode)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := e.checkCapacity(); err != nil {
		return 0, err
	}

	cols := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		if c == "_rowid" {
			continue
		}
		if !validIdent(c) {
			return 0, types.Errf(types.CodeInvalidQuery, "invalid column identifier %q", c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
		marks[i] = "?"
	}
	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO "%s" (%s) VALUES (%s)`,
		table, strings.Join(quoted, ", "), strings.Join(marks, ", "))

	val, err := e.submit(ctx, func() (any, error) {
		tx, err := e.writeDB.Begin()
		if err != nil {
			return nil, normalizeErr(err)
		}
		var n int64
		for _, row := range rows {
			params := make([]any, len(cols))
			for i, c := range cols {
				params[i] = row[c]
			}
			if _, err := tx.Exec(stmt, params...); err != nil {
				tx.Rollback()
				return nil, normalizeErr(err)
			}
			n++
		}
		if err := tx.Commit(); err != nil {
			return nil, normalizeErr(err)
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	e.invalidateCapacity()
	return val.(int64), nil
}

// validIdent accepts plain SQL identifiers only; everything else is
// rejected before it can reach a formatted statement.
func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' || c >= '0' && c <= '9' && i > 0 || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			continue
		}
		return false
	}
	return true
}
