package parser

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	limitRegex  = regexp.MustCompile(`(?i)\bLIMIT\s+(\$(\d+)|(\d+))`)
	offsetRegex = regexp.MustCompile(`(?i)\bOFFSET\s+(\$(\d+)|(\d+))`)
)

// ExtractLimit captures a query's LIMIT/OFFSET clause, resolving a
// literal value directly or recording the $n position for the router
// to resolve once a Bind's parameter values are known.
func ExtractLimit(text string) Limit {
	var lim Limit
	if m := limitRegex.FindStringSubmatch(text); m != nil {
		if m[2] != "" {
			lim.HasLimit = true
			lim.LimitBind, _ = strconv.Atoi(m[2])
		} else if m[3] != "" {
			lim.HasLimit = true
			lim.Limit, _ = strconv.ParseInt(m[3], 10, 64)
		}
	}
	if m := offsetRegex.FindStringSubmatch(text); m != nil {
		if m[2] != "" {
			lim.HasOffset = true
			lim.OffsetBind, _ = strconv.Atoi(m[2])
		} else if m[3] != "" {
			lim.HasOffset = true
			lim.Offset, _ = strconv.ParseInt(m[3], 10, 64)
		}
	}
	return lim
}

// ResolveLimit replaces any Bind-referenced LIMIT/OFFSET with the
// corresponding bound parameter's integer value, using the extended
// protocol's 1-based $n positions against the Bind's text-format params.
func ResolveLimit(lim Limit, params [][]byte) Limit {
	if lim.LimitBind > 0 && lim.LimitBind <= len(params) {
		if n, ok := parseIntParam(params[lim.LimitBind-1]); ok {
			lim.Limit = n
			lim.LimitBind = 0
		}
	}
	if lim.OffsetBind > 0 && lim.OffsetBind <= len(params) {
		if n, ok := parseIntParam(params[lim.OffsetBind-1]); ok {
			lim.Offset = n
			lim.OffsetBind = 0
		}
	}
	return lim
}

func parseIntParam(b []byte) (int64, bool) {
	if b == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
