package sqlinfo

import "strings"

// BoundValue finds the parameter bound to column in a statement: the
// value of a top-level `column = ?` predicate, or the column's slot in an
// INSERT column list. The router uses this to extract shard-by values
// without a full SQL parser. Returns false when the column is absent or
// not bound with a placeholder.
func BoundValue(sql string, params []any, column string) (any, bool) {
	if Classify(sql) == KindInsert {
		return insertBoundValue(sql, params, column)
	}
	return predicateBoundValue(sql, params, column)
}

func predicateBoundValue(sql string, params []any, column string) (any, bool) {
	upper := strings.ToUpper(sql)
	needle := strings.ToUpper(column)
	from := 0
	for {
		i := strings.Index(upper[from:], needle)
		if i < 0 {
			return nil, false
		}
		i += from
		from = i + len(needle)

		before := i == 0 || !isIdentChar(sql[i-1])
		afterIdx := i + len(column)
		if !before || afterIdx >= len(sql) || isIdentChar(sql[afterIdx]) {
			continue
		}
		// Expect "= ?" after optional whitespace.
		j := afterIdx
		for j < len(sql) && (sql[j] == ' ' || sql[j] == '\t' || sql[j] == '\n') {
			j++
		}
		if j >= len(sql) || sql[j] != '=' {
			continue
		}
		j++
		for j < len(sql) && (sql[j] == ' ' || sql[j] == '\t' || sql[j] == '\n') {
			j++
		}
		if j >= len(sql) || sql[j] != '?' {
			continue
		}
		idx := CountPlaceholders(sql[:j])
		if idx >= len(params) {
			return nil, false
		}
		return params[idx], true
	}
}

func insertBoundValue(sql string, params []any, column string) (any, bool) {
	colsOpen := indexTopLevel(sql, '(')
	if colsOpen < 0 {
		return nil, false
	}
	colsClose := matchParen(sql, colsOpen)
	if colsClose < 0 {
		return nil, false
	}
	cols := splitTopLevel(sql[colsOpen+1 : colsClose])
	colIdx := -1
	for i, c := range cols {
		if strings.EqualFold(strings.Trim(strings.TrimSpace(c), "`\""), column) {
			colIdx = i
			break
		}
	}
	if colIdx < 0 {
		return nil, false
	}
	_, valuesEnd := topLevelKeywordFrom(sql, "VALUES", colsClose)
	if valuesEnd < 0 {
		return nil, false
	}
	tuples, err := valueTuples(sql, valuesEnd)
	if err != nil || len(tuples) == 0 {
		return nil, false
	}
	tp := tuples[0]
	exprs := splitTopLevel(sql[tp.open+1 : tp.close])
	if colIdx >= len(exprs) || strings.TrimSpace(exprs[colIdx]) != "?" {
		return nil, false
	}
	prefixEnd := tp.open + 1 + offsetOfExpr(sql[tp.open+1:tp.close], colIdx)
	idx := CountPlaceholders(sql[:prefixEnd])
	if idx >= len(params) {
		return nil, false
	}
	return params[idx], true
}
