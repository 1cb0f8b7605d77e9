package engine

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/mevdschee/pgdogproxy/wire"
)

// framesFromRows re-frames a database/sql result set as a
// RowDescription followed by one DataRow per row, all in text format,
// mirroring postgres.go's own practice of routing query results
// through database/sql rather than a raw wire passthrough (it
// never forwards backend bytes verbatim either — it always re-derives
// them from a database/sql call).
func framesFromRows(rows *sql.Rows) ([]wire.Message, int, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, 0, err
	}

	fields := make([]wire.Field, len(cols))
	for i, c := range cols {
		fields[i] = wire.TextField(c)
	}

	msgs := []wire.Message{wire.RowDescriptionMsg(fields)}

	scanDest := make([]interface{}, len(cols))
	scanBuf := make([]interface{}, len(cols))
	for i := range scanBuf {
		scanDest[i] = &scanBuf[i]
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(scanDest...); err != nil {
			return nil, count, err
		}
		values := make([]interface{}, len(cols))
		copy(values, scanBuf)
		msgs = append(msgs, wire.DataRowMsg(values))
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, count, err
	}
	return msgs, count, nil
}

// commandTag derives the PostgreSQL command-complete tag for a
// statement: "SELECT n" for reads, "INSERT 0 n"/"UPDATE n"/"DELETE n"
// for writes, falling back to the leading keyword for anything else.
func commandTag(text string, rowCount int) string {
	upper := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case strings.HasPrefix(upper, "SELECT"):
		return "SELECT " + strconv.Itoa(rowCount)
	case strings.HasPrefix(upper, "INSERT"):
		return "INSERT 0 " + strconv.Itoa(rowCount)
	case strings.HasPrefix(upper, "UPDATE"):
		return "UPDATE " + strconv.Itoa(rowCount)
	case strings.HasPrefix(upper, "DELETE"):
		return "DELETE " + strconv.Itoa(rowCount)
	default:
		fields := strings.Fields(upper)
		if len(fields) > 0 {
			return fields[0]
		}
		return ""
	}
}
