// Package admin dispatches the out-of-core admin command surface
// (BAN, UNBAN, PROBE, SHOW PREPARED STATEMENTS) the query engine
// accepts over the same wire path as any other intercepted statement,
// recognizing that an admin CLI is an external collaborator whose
// commands the engine still has to recognize and answer. Grounded on
// postgres.go's handleShowTQDBStatus synthesized-reply pattern,
// generalized from one fixed status blob into a small dispatch table
// over the cluster and prepared-statement registry.
package admin

import (
	"context"
	"net"
	"time"

	"github.com/mevdschee/pgdogproxy/pool"
	"github.com/mevdschee/pgdogproxy/prepared"
	"github.com/mevdschee/pgdogproxy/wire"
)

// Dispatch runs one admin command against cluster and statements and
// returns the wire reply (without the trailing ReadyForQuery, which
// the engine appends per its own FIFO-ordering convention).
func Dispatch(ctx context.Context, cluster *pool.Cluster, statements *prepared.Statements, kind AdminKind, id int, hasID bool, probeURL string) []wire.Message {
	switch kind {
	case AdminBan:
		return ban(cluster, id, hasID)
	case AdminUnban:
		return unban(cluster, id, hasID)
	case AdminProbe:
		return probe(ctx, probeURL)
	case AdminShowPreparedStatements:
		return showPreparedStatements(statements)
	default:
		return []wire.Message{wire.ErrorResponseMsg("ERROR", "42601", "unrecognized admin command")}
	}
}

// AdminKind mirrors parser.AdminKind without importing parser, so
// this package stays a leaf the engine wires rather than a dependency
// of the parser/router core.
type AdminKind int

const (
	AdminBan AdminKind = iota
	AdminUnban
	AdminProbe
	AdminShowPreparedStatements
)

func ban(cluster *pool.Cluster, id int, hasID bool) []wire.Message {
	if !hasID {
		cluster.BanAll(pool.BanManual)
		return []wire.Message{wire.CommandComplete("BAN")}
	}
	if err := cluster.BanByID(id, pool.BanManual); err != nil {
		return []wire.Message{wire.ErrorResponseMsg("ERROR", "XX000", err.Error())}
	}
	return []wire.Message{wire.CommandComplete("BAN")}
}

func unban(cluster *pool.Cluster, id int, hasID bool) []wire.Message {
	if !hasID {
		cluster.UnbanAll()
		return []wire.Message{wire.CommandComplete("UNBAN")}
	}
	if err := cluster.UnbanByID(id); err != nil {
		return []wire.Message{wire.ErrorResponseMsg("ERROR", "XX000", err.Error())}
	}
	return []wire.Message{wire.CommandComplete("UNBAN")}
}

// probe dials the host:port named by url and reports the round trip
// in milliseconds as a single-row, single-column bigint result,
// mirroring replica.Pool's own checkReplica dial probe.
func probe(ctx context.Context, url string) []wire.Message {
	addr, err := probeAddr(url)
	if err != nil {
		return []wire.Message{wire.ErrorResponseMsg("ERROR", "08001", err.Error())}
	}

	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(deadline, "tcp", addr)
	if err != nil {
		return []wire.Message{wire.ErrorResponseMsg("ERROR", "08001", err.Error())}
	}
	conn.Close()
	latencyMS := time.Since(start).Milliseconds()

	return []wire.Message{
		wire.RowDescriptionMsg([]wire.Field{wire.BigintField("latency")}),
		wire.DataRowMsg([]interface{}{latencyMS}),
		wire.CommandComplete("PROBE"),
	}
}

func showPreparedStatements(statements *prepared.Statements) []wire.Message {
	names := statements.Names()
	usage := statements.MemoryUsage()

	msgs := []wire.Message{
		wire.RowDescriptionMsg([]wire.Field{
			wire.TextField("name"),
			wire.BigintField("used"),
			wire.BigintField("memory_bytes"),
		}),
	}
	for _, name := range names {
		msgs = append(msgs, wire.DataRowMsg([]interface{}{
			name, statements.Used(name), usage[name],
		}))
	}
	msgs = append(msgs, wire.CommandComplete("SHOW"))
	return msgs
}
