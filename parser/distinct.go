package parser

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	distinctOnRegex = regexp.MustCompile(`(?i)\bDISTINCT\s+ON\s*\(([^)]*)\)`)
	distinctRegex   = regexp.MustCompile(`(?i)\bSELECT\s+DISTINCT\b`)
)

// ExtractDistinct captures a query's DISTINCT clause. DISTINCT ON
// takes priority over bare DISTINCT since "SELECT DISTINCT ON (...)"
// matches both regexes.
func ExtractDistinct(text string) DistinctBy {
	if m := distinctOnRegex.FindStringSubmatch(text); m != nil {
		var cols []ColumnRef
		for _, tok := range strings.Split(m[1], ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if idx, err := strconv.Atoi(tok); err == nil {
				cols = append(cols, ColumnRef{Index: idx})
			} else {
				cols = append(cols, ColumnRef{Name: tok})
			}
		}
		return DistinctBy{Kind: DistinctColumns, Columns: cols}
	}
	if distinctRegex.MatchString(text) {
		return DistinctBy{Kind: DistinctRow}
	}
	return DistinctBy{Kind: DistinctNone}
}
