package sqlinfo

import (
	"fmt"
	"strings"

	"shardsql/internal/types"
)

// ScopeToTenant rewrites a statement so it cannot touch another tenant's
// rows: SELECT/UPDATE/DELETE gain an `AND tenantColumn = ?` predicate and
// INSERT statements gain (or pin) the tenant column value. The params
// slice is spliced so placeholder order stays correct. DDL passes through
// untouched.
func ScopeToTenant(sql string, params []any, tenantID, tenantColumn string) (string, []any, error) {
	switch Classify(sql) {
	case KindSelect, KindUpdate, KindDelete:
		return scopeFiltered(sql, params, tenantID, tenantColumn)
	case KindInsert:
		return scopeInsert(sql, params, tenantID, tenantColumn)
	default:
		return sql, params, nil
	}
}

// scopeFiltered handles statements with an optional WHERE clause.
func scopeFiltered(sql string, params []any, tenantID, tenantColumn string) (string, []any, error) {
	whereStart, whereEnd := topLevelKeyword(sql, "WHERE")
	if whereStart >= 0 {
		exprEnd := clauseBoundary(sql, whereEnd)
		expr := strings.TrimSpace(sql[whereEnd:exprEnd])
		tail := sql[exprEnd:]
		if tail != "" && tail[0] != ' ' {
			tail = " " + tail
		}
		rewritten := sql[:whereStart] +
			"WHERE (" + expr + ") AND " + tenantColumn + " = ?" +
			tail
		idx := CountPlaceholders(sql[:exprEnd])
		out, err := spliceParam(params, idx, tenantID)
		return rewritten, out, err
	}

	// No WHERE clause: insert one before any trailing GROUP/ORDER/LIMIT.
	boundary := clauseBoundary(sql, 0)
	tail := sql[boundary:]
	if tail != "" {
		tail = " " + tail
	}
	rewritten := strings.TrimRight(sql[:boundary], " \t\n;") +
		" WHERE " + tenantColumn + " = ?" + tail
	idx := CountPlaceholders(sql[:boundary])
	out, err := spliceParam(params, idx, tenantID)
	return rewritten, out, err
}

// clauseBoundary returns the index of the first top-level trailing clause
// keyword (GROUP, ORDER, LIMIT, HAVING) at or after from, or len(sql).
func clauseBoundary(sql string, from int) int {
	end := len(sql)
	for _, kw := range []string{"GROUP", "ORDER", "LIMIT", "HAVING"} {
		if start, _ := topLevelKeywordFrom(sql, kw, from); start >= 0 && start < end {
			end = start
		}
	}
	return end
}

// scopeInsert requires an explicit column list. If the tenant column is
// present its bound value is pinned to the caller's tenant; otherwise the
// column and a placeholder are appended to every VALUES tuple.
func scopeInsert(sql string, params []any, tenantID, tenantColumn string) (string, []any, error) {
	colsOpen := indexTopLevel(sql, '(')
	if colsOpen < 0 {
		return "", nil, types.NewError(types.CodeInvalidQuery,
			"INSERT requires an explicit column list")
	}
	colsClose := matchParen(sql, colsOpen)
	if colsClose < 0 {
		return "", nil, types.NewError(types.CodeInvalidQuery, "unbalanced column list")
	}
	cols := splitTopLevel(sql[colsOpen+1 : colsClose])

	valuesStart, valuesEnd := topLevelKeywordFrom(sql, "VALUES", colsClose)
	if valuesStart < 0 {
		return "", nil, types.NewError(types.CodeInvalidQuery,
			"INSERT must use VALUES with bound parameters")
	}

	tenantIdx := -1
	for i, c := range cols {
		if strings.EqualFold(strings.TrimSpace(strings.Trim(strings.TrimSpace(c), "`\"")), tenantColumn) {
			tenantIdx = i
			break
		}
	}

	// Collect top-level tuples after VALUES.
	tuples, err := valueTuples(sql, valuesEnd)
	if err != nil {
		return "", nil, err
	}
	if len(tuples) == 0 {
		return "", nil, types.NewError(types.CodeInvalidQuery, "INSERT has no VALUES tuples")
	}

	if tenantIdx >= 0 {
		// Pin the bound value of the tenant column in every tuple.
		out := append([]any(nil), params...)
		for _, tp := range tuples {
			exprs := splitTopLevel(sql[tp.open+1 : tp.close])
			if tenantIdx >= len(exprs) {
				return "", nil, types.NewError(types.CodeInvalidQuery,
					"VALUES tuple shorter than column list")
			}
			expr := strings.TrimSpace(exprs[tenantIdx])
			if expr != "?" {
				return "", nil, types.Errf(types.CodeInvalidQuery,
					"%s must be bound with a placeholder", tenantColumn)
			}
			// Global placeholder index of this tuple's tenant value.
			prefixEnd := tp.open + 1 + offsetOfExpr(sql[tp.open+1:tp.close], tenantIdx)
			idx := CountPlaceholders(sql[:prefixEnd]) + CountPlaceholders(exprs[tenantIdx][:strings.Index(exprs[tenantIdx], "?")])
			if idx >= len(out) {
				return "", nil, types.NewError(types.CodeInvalidQuery,
					"parameter count does not match placeholders")
			}
			out[idx] = tenantID
		}
		return sql, out, nil
	}

	// Append the tenant column and a placeholder per tuple, back to front
	// so earlier offsets stay valid.
	rewritten := sql
	out := append([]any(nil), params...)
	for i := len(tuples) - 1; i >= 0; i-- {
		tp := tuples[i]
		idx := CountPlaceholders(sql[:tp.close])
		var err error
		out, err = spliceParam(out, idx, tenantID)
		if err != nil {
			return "", nil, err
		}
		rewritten = rewritten[:tp.close] + ", ?" + rewritten[tp.close:]
	}
	rewritten = rewritten[:colsClose] + ", " + tenantColumn + rewritten[colsClose:]
	return rewritten, out, nil
}

type tuple struct{ open, close int }

// valueTuples finds the top-level parenthesized tuples following VALUES.
func valueTuples(sql string, from int) ([]tuple, error) {
	var tuples []tuple
	i := from
	for i < len(sql) {
		rest := strings.TrimSpace(sql[i:])
		if rest == "" || rest == ";" {
			break
		}
		open := -1
		forEachTopLevel(sql[i:], func(c byte, j int) {
			if c == '(' && open < 0 {
				open = i + j
			}
		})
		if open < 0 {
			break
		}
		close := matchParen(sql, open)
		if close < 0 {
			return nil, types.NewError(types.CodeInvalidQuery, "unbalanced VALUES tuple")
		}
		tuples = append(tuples, tuple{open: open, close: close})
		// Advance past the tuple and an optional comma.
		i = close + 1
		for i < len(sql) && (sql[i] == ' ' || sql[i] == '\n' || sql[i] == '\t') {
			i++
		}
		if i < len(sql) && sql[i] == ',' {
			i++
			continue
		}
		break
	}
	return tuples, nil
}

// offsetOfExpr returns the byte offset of the n-th top-level
// comma-separated expression inside list.
func offsetOfExpr(list string, n int) int {
	if n == 0 {
		return 0
	}
	count := 0
	offset := 0
	depth := 0
	var quote byte
	for i := 0; i < len(list); i++ {
		c := list[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				count++
				if count == n {
					offset = i + 1
					return offset
				}
			}
		}
	}
	return offset
}

// splitTopLevel splits a parenthesized list body on top-level commas.
func splitTopLevel(body string) []string {
	var parts []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, body[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, body[last:])
	return parts
}

// matchParen returns the index of the parenthesis closing the one at open.
func matchParen(sql string, open int) int {
	depth := 0
	result := -1
	forEachTopLevel(sql, func(c byte, i int) {
		if i < open || result >= 0 {
			return
		}
		if c == '(' {
			depth++
		} else if c == ')' {
			depth--
			if depth == 0 {
				result = i
			}
		}
	})
	return result
}

// indexTopLevel returns the first top-level index of ch outside literals.
func indexTopLevel(sql string, ch byte) int {
	result := -1
	forEachTopLevel(sql, func(c byte, i int) {
		if result < 0 && c == ch {
			result = i
		}
	})
	return result
}

// topLevelKeyword finds a keyword outside literals and parentheses.
// Returns start and end indexes, or -1,-1.
func topLevelKeyword(sql, kw string) (int, int) {
	return topLevelKeywordFrom(sql, kw, 0)
}

func topLevelKeywordFrom(sql, kw string, from int) (int, int) {
	upper := strings.ToUpper(sql)
	kw = strings.ToUpper(kw)
	depth := 0
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(sql) && sql[i+1] == quote {
					i++
					continue
				}
				quote = 0
			} else if c == '\\' {
				i++
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
			continue
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if i < from || depth != 0 {
			continue
		}
		if strings.HasPrefix(upper[i:], kw) {
			before := i == 0 || !isIdentChar(sql[i-1])
			afterIdx := i + len(kw)
			after := afterIdx >= len(sql) || !isIdentChar(sql[afterIdx])
			if before && after {
				return i, afterIdx
			}
		}
	}
	return -1, -1
}

// spliceParam inserts value at index idx of params.
func spliceParam(params []any, idx int, value any) ([]any, error) {
	if idx < 0 || idx > len(params) {
		return nil, types.NewError(types.CodeInvalidQuery,
			fmt.Sprintf("parameter count does not match placeholders (insert at %d of %d)", idx, len(params)))
	}
	out := make([]any, 0, len(params)+1)
	out = append(out, params[:idx]...)
	out = append(out, value)
	out = append(out, params[idx:]...)
	return out, nil
}
