// Package sqlinfo performs the light-weight SQL text analysis the service
// needs: classifying statements, extracting the primary table, rewriting
// :name placeholders to positional form, and injecting tenant scoping.
// It is deliberately not a SQL parser; it understands just enough MySQL
// surface syntax to route, scope, and invalidate correctly.
package sqlinfo

import (
	"strings"

	"shardsql/internal/types"
)

// Kind classifies a statement for routing and caching decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindDDL
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindDDL:
		return "ddl"
	}
	return "unknown"
}

// IsMutation reports whether the statement changes rows.
func (k Kind) IsMutation() bool {
	return k == KindInsert || k == KindUpdate || k == KindDelete
}

// Classify returns the statement kind from its leading keyword.
func Classify(sql string) Kind {
	word := firstWord(sql)
	switch strings.ToUpper(word) {
	case "SELECT", "WITH":
		return KindSelect
	case "INSERT", "REPLACE":
		return KindInsert
	case "UPDATE":
		return KindUpdate
	case "DELETE":
		return KindDelete
	case "CREATE", "ALTER", "DROP", "TRUNCATE":
		return KindDDL
	}
	return KindUnknown
}

func firstWord(sql string) string {
	s := strings.TrimSpace(sql)
	for i := 0; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return s[:i]
		}
	}
	return s
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// Table extracts the primary table of a statement: the FROM target for
// SELECT/DELETE, the UPDATE target, the INSERT INTO target, or the
// object of a DDL statement. Returns "" when no table can be determined.
func Table(sql string) string {
	upper := strings.ToUpper(sql)
	switch Classify(sql) {
	case KindSelect, KindDelete:
		return identAfter(sql, upper, " FROM ")
	case KindUpdate:
		return identAfterKeyword(sql, upper, "UPDATE")
	case KindInsert:
		return identAfter(sql, upper, " INTO ")
	case KindDDL:
		for _, kw := range []string{" TABLE ", " INDEX ", " VIEW "} {
			if t := identAfter(sql, upper, kw); t != "" {
				return t
			}
		}
	}
	return ""
}

func identAfter(sql, upper, marker string) string {
	idx := strings.Index(upper, marker)
	if idx < 0 {
		return ""
	}
	return readIdent(sql[idx+len(marker):])
}

func identAfterKeyword(sql, upper, kw string) string {
	trimmed := strings.TrimSpace(sql)
	trimmedUpper := strings.TrimSpace(upper)
	if !strings.HasPrefix(trimmedUpper, kw) {
		return ""
	}
	return readIdent(trimmed[len(kw):])
}

func readIdent(s string) string {
	s = strings.TrimSpace(s)
	// Skip IF [NOT] EXISTS in DDL.
	for _, skip := range []string{"IF NOT EXISTS ", "IF EXISTS ", "if not exists ", "if exists "} {
		if strings.HasPrefix(s, skip) {
			s = s[len(skip):]
			break
		}
	}
	s = strings.TrimLeft(s, "`\"")
	end := 0
	for end < len(s) && (isIdentChar(s[end]) || s[end] == '.') {
		end++
	}
	return s[:end]
}

// Balanced verifies that single quotes, double quotes, backticks, and
// parentheses are balanced outside of string literals.
func Balanced(sql string) bool {
	depth := 0
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if quote != 0 {
			if c == quote {
				// Doubled quote is an escaped quote inside the literal.
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
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return quote == 0 && depth == 0
}

// CountPlaceholders returns the number of positional ? placeholders
// outside string literals.
func CountPlaceholders(sql string) int {
	n := 0
	forEachTopLevel(sql, func(c byte, i int) {
		if c == '?' {
			n++
		}
	})
	return n
}

// forEachTopLevel walks sql byte-wise, invoking fn only for bytes outside
// string literals.
func forEachTopLevel(sql string, fn func(c byte, i int)) {
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
		if c == '\'' || c == '"' || c == '`' {
			quote = c
			continue
		}
		fn(c, i)
	}
}

// RewriteNamedParams converts :name placeholders to positional ? form.
// Named placeholders are bound in declaration order, so the caller's
// positional params array lines up unchanged. Mixing ? and :name in one
// statement is rejected.
func RewriteNamedParams(sql string) (string, error) {
	hasPositional := CountPlaceholders(sql) > 0
	var b strings.Builder
	b.Grow(len(sql))
	named := 0

	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == quote {
				if i+1 < len(sql) && sql[i+1] == quote {
					b.WriteByte(sql[i+1])
					i++
					continue
				}
				quote = 0
			} else if c == '\\' && i+1 < len(sql) {
				b.WriteByte(sql[i+1])
				i++
			}
			continue
		}
		switch {
		case c == '\'' || c == '"' || c == '`':
			quote = c
			b.WriteByte(c)
		case c == ':' && i+1 < len(sql) && isIdentStart(sql[i+1]):
			j := i + 1
			for j < len(sql) && isIdentChar(sql[j]) {
				j++
			}
			b.WriteByte('?')
			named++
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}

	if named > 0 && hasPositional {
		return "", types.NewError(types.CodeInvalidQuery,
			"cannot mix positional ? and named :param placeholders")
	}
	return b.String(), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
