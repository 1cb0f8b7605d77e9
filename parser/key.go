package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mevdschee/pgdogproxy/sharding"
)

// whereEqRegex matches simple equality predicates: ident = $n or
// ident = 'literal' or ident = 123, the common sharding-key shape in
// WHERE clauses and UPDATE ... SET pk = ...
var whereEqRegex = regexp.MustCompile(`(?i)\b([a-zA-Z_][a-zA-Z0-9_]*)\s*=\s*(\$(\d+)|'([^']*)'|(\d+))`)

// whereInRegex matches IN ($1, $2) / IN (1, 2, 3) lists.
var whereInRegex = regexp.MustCompile(`(?i)\b([a-zA-Z_][a-zA-Z0-9_]*)\s+IN\s*\(([^)]*)\)`)

// valuesRegex matches a single-row VALUES (...) clause following INSERT.
var valuesRegex = regexp.MustCompile(`(?i)VALUES\s*\(([^)]*)\)`)

// ExtractKeys scans query text for candidate sharding keys: WHERE
// equality predicates and IN (...) lists. VALUES rows and
// UPDATE ... SET col = value assignments are not scanned here;
// ExtractValuesRowKeys handles a single VALUES row. It does not require the
// column name to match the configured sharding column; that filtering
// is the router's job once it knows the table's shard key.
func ExtractKeys(text string) map[string][]Key {
	byColumn := make(map[string][]Key)

	for _, m := range whereEqRegex.FindAllStringSubmatch(text, -1) {
		col := strings.ToLower(m[1])
		k := keyFromMatch(m)
		k.Column = col
		byColumn[col] = append(byColumn[col], k)
	}

	for _, m := range whereInRegex.FindAllStringSubmatch(text, -1) {
		col := strings.ToLower(m[1])
		for _, item := range strings.Split(m[2], ",") {
			item = strings.TrimSpace(item)
			k := keyFromToken(item)
			k.Column = col
			byColumn[col] = append(byColumn[col], k)
		}
	}

	return byColumn
}

// keyFromMatch builds a Key from a whereEqRegex submatch: group 2 is
// the raw RHS, group 3 the $n position (if a parameter), group 4 the
// unquoted string literal, group 5 the bare numeric literal.
func keyFromMatch(m []string) Key {
	if m[3] != "" {
		pos, _ := strconv.Atoi(m[3])
		return Key{Kind: KeyParameter, Pos: pos}
	}
	if m[4] != "" {
		return Key{Kind: KeyConstant, Value: sharding.Value{Type: sharding.ValueText, Str: m[4]}}
	}
	n, err := strconv.ParseInt(m[5], 10, 64)
	if err != nil {
		return Key{Kind: KeyNull}
	}
	return Key{Kind: KeyConstant, Value: sharding.Value{Type: sharding.ValueBigint, Int: n}}
}

// keyFromToken classifies one bare token from an IN (...) list or a
// VALUES (...) row: a $n placeholder, a quoted string, a bare integer,
// or NULL.
func keyFromToken(tok string) Key {
	tok = strings.TrimSpace(tok)
	switch {
	case strings.EqualFold(tok, "NULL"):
		return Key{Kind: KeyNull}
	case strings.HasPrefix(tok, "$"):
		pos, err := strconv.Atoi(tok[1:])
		if err != nil {
			return Key{Kind: KeyNull}
		}
		return Key{Kind: KeyParameter, Pos: pos}
	case len(tok) >= 2 && tok[0] == '\'' && tok[len(tok)-1] == '\'':
		return Key{Kind: KeyConstant, Value: sharding.Value{Type: sharding.ValueText, Str: tok[1 : len(tok)-1]}}
	default:
		if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
			return Key{Kind: KeyConstant, Value: sharding.Value{Type: sharding.ValueBigint, Int: n}}
		}
		return Key{Kind: KeyConstant, Value: sharding.Value{Type: sharding.ValueText, Str: tok}}
	}
}

// ExtractValuesRowKeys extracts candidate keys from a single-row
// INSERT ... VALUES (...) clause, positionally matched against
// columns, when the column list is known (e.g. INSERT INTO t (a, b)
// VALUES (...)). columns may be nil, in which case positions are
// reported without column names under the key "".
func ExtractValuesRowKeys(text string, columns []string) map[string][]Key {
	m := valuesRegex.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	tokens := splitRespectingQuotes(m[1])
	byColumn := make(map[string][]Key)
	for i, tok := range tokens {
		col := ""
		if i < len(columns) {
			col = strings.ToLower(columns[i])
		}
		k := keyFromToken(tok)
		k.Column = col
		byColumn[col] = append(byColumn[col], k)
	}
	return byColumn
}

// splitRespectingQuotes splits a comma-separated token list without
// breaking apart quoted string literals that may themselves contain commas.
func splitRespectingQuotes(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, strings.TrimSpace(cur.String()))
	}
	return out
}
