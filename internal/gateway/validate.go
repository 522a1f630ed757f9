package gateway

import (
	"strings"

	"shardsql/internal/sqlinfo"
	"shardsql/internal/types"
)

// Statement length bounds.
const (
	minSQLLen = 3
	maxSQLLen = 10_000
)

// injectionSignatures are classic attack fragments matched against the
// lowercased, whitespace-collapsed statement. Parameter binding is the
// real defense; this rejects the obvious probes at the door.
var injectionSignatures = []string{
	"or 1=1",
	"or '1'='1",
	"' or ''='",
	"union select null",
	"union all select null",
	"sleep(",
	"benchmark(",
	"waitfor delay",
	"load_file(",
	"into outfile",
	"into dumpfile",
	"xp_cmdshell",
}

// ValidateSQL enforces the gateway's statement rules: bounded length,
// balanced quotes and parentheses, a single statement, a recognized verb,
// and no known injection signatures.
func ValidateSQL(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if len(trimmed) < minSQLLen {
		return types.Errf(types.CodeInvalidQuery, "statement too short (%d chars)", len(trimmed))
	}
	if len(trimmed) > maxSQLLen {
		return types.Errf(types.CodeInvalidQuery, "statement too long (%d chars, max %d)", len(trimmed), maxSQLLen)
	}
	if !sqlinfo.Balanced(trimmed) {
		return types.NewError(types.CodeInvalidQuery, "unbalanced quotes or parentheses")
	}
	if err := singleStatement(trimmed); err != nil {
		return err
	}
	if sqlinfo.Classify(trimmed) == sqlinfo.KindUnknown {
		return types.Errf(types.CodeInvalidQuery, "unrecognized statement verb")
	}

	normalized := strings.ToLower(strings.Join(strings.Fields(trimmed), " "))
	for _, sig := range injectionSignatures {
		if strings.Contains(normalized, sig) {
			return types.Errf(types.CodeInvalidQuery, "statement matches injection signature").
				WithDetail("signature", sig)
		}
	}
	return nil
}

// singleStatement rejects stacked statements: a top-level semicolon is
// only legal as the final character.
func singleStatement(sql string) error {
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
		case ';':
			if strings.TrimSpace(sql[i+1:]) != "" {
				return types.NewError(types.CodeInvalidQuery, "multiple statements are not allowed")
			}
		}
	}
	return nil
}
