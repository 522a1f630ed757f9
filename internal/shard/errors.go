package shard

import (
	"context"
	"strings"

	"shardsql/internal/types"
)

// normalizeErr maps SQLite driver errors onto the service's stable error
// taxonomy. Transient lock contention becomes RETRYABLE, constraint
// violations become CONFLICT_UNIQUE, parse failures SQL_SYNTAX_ERROR, and
// everything else SQL_ERROR.
func normalizeErr(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return types.WrapError(types.CodeTimeout, "shard call deadline exceeded", err)
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "database is locked"),
		strings.Contains(lower, "database table is locked"),
		strings.Contains(msg, "SQLITE_BUSY"),
		strings.Contains(lower, "interrupted"):
		return types.WrapError(types.CodeRetryable, "shard busy", err)
	case strings.Contains(lower, "unique constraint failed"),
		strings.Contains(msg, "SQLITE_CONSTRAINT_UNIQUE"),
		strings.Contains(msg, "SQLITE_CONSTRAINT_PRIMARYKEY"):
		return types.WrapError(types.CodeConflictUnique, "unique constraint violated", err)
	case strings.Contains(lower, "syntax error"),
		strings.Contains(lower, "unrecognized token"),
		strings.Contains(lower, "incomplete input"):
		return types.WrapError(types.CodeSQLSyntax, "SQL syntax error", err)
	default:
		return types.WrapError(types.CodeSQLError, "SQL execution failed", err)
	}
}

// isUniqueConflict reports whether err normalizes to CONFLICT_UNIQUE.
// Backfill import uses this to treat an already-present row as copied.
func isUniqueConflict(err error) bool {
	return types.IsCode(normalizeErr(err), types.CodeConflictUnique)
}
