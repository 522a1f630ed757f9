package gateway

import (
	"strconv"
	"strings"

	"shardsql/internal/types"
)

// Hints are per-query consistency and routing overrides embedded in
// MySQL-style optimizer comments: /*+ strong */, /*+ bounded=1500 */,
// /*+ weak */, /*+ shard:<key>=<value> */.
type Hints struct {
	Mode      types.ConsistencyMode // "" when no consistency hint given
	BoundedMs int64
	ShardKey  string
	ShardVal  string
}

// ParseHints extracts every hint comment and returns the statement with
// the comments stripped. Unknown hint tokens are rejected so a typoed
// hint never silently changes consistency.
func ParseHints(sql string) (Hints, string, error) {
	var h Hints
	var out strings.Builder
	out.Grow(len(sql))

	rest := sql
	for {
		start := strings.Index(rest, "/*+")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "*/")
		if end < 0 {
			return Hints{}, "", types.NewError(types.CodeInvalidQuery, "unterminated hint comment")
		}
		end += start
		body := strings.TrimSpace(rest[start+3 : end])
		if err := h.apply(body); err != nil {
			return Hints{}, "", err
		}
		out.WriteString(rest[:start])
		rest = rest[end+2:]
	}
	return h, strings.TrimSpace(strings.Join(strings.Fields(out.String()), " ")), nil
}

func (h *Hints) apply(body string) error {
	for _, token := range strings.Fields(body) {
		switch {
		case token == "strong":
			h.Mode = types.ModeStrong
		case token == "weak":
			h.Mode = types.ModeCached
		case token == "bounded":
			h.Mode = types.ModeBounded
		case strings.HasPrefix(token, "bounded="):
			ms, err := strconv.ParseInt(token[len("bounded="):], 10, 64)
			if err != nil || ms < 0 {
				return types.Errf(types.CodeInvalidQuery, "malformed hint %q", token)
			}
			h.Mode = types.ModeBounded
			h.BoundedMs = ms
		case strings.HasPrefix(token, "shard:"):
			kv := token[len("shard:"):]
			key, val, ok := strings.Cut(kv, "=")
			if !ok || key == "" || val == "" {
				return types.Errf(types.CodeInvalidQuery, "malformed shard hint %q", token)
			}
			h.ShardKey = key
			h.ShardVal = val
		default:
			return types.Errf(types.CodeInvalidQuery, "unknown hint %q", token)
		}
	}
	return nil
}
