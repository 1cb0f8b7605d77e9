package engine

import (
	"context"

	"github.com/mevdschee/pgdogproxy/admin"
	"github.com/mevdschee/pgdogproxy/backend"
	"github.com/mevdschee/pgdogproxy/parser"
	"github.com/mevdschee/pgdogproxy/wire"
)

// handleIncomplete handles a batch that classifies as incomplete: a
// run of bare Sync messages, or Close messages followed by a terminal
// Sync, produces no routable command. The engine releases each closed statement
// alias and synthesizes CloseComplete per Close plus a single
// ReadyForQuery, without ever checking out a server.
func (e *Engine) handleIncomplete(session *Session, cmd parser.Command) []wire.Message {
	msgs := make([]wire.Message, 0, len(cmd.CloseNames)+1)
	for _, name := range cmd.CloseNames {
		session.Aliases.Close(e.statements, name)
		msgs = append(msgs, wire.CloseCompleteMsg())
	}
	msgs = append(msgs, wire.ReadyForQuery(session.State == StateInTxn))
	return msgs
}

// adminKind maps the parser's admin-command tag onto the admin
// package's own, keeping admin a leaf dependency the engine wires
// rather than something the parser core needs to import.
func adminKind(k parser.AdminKind) admin.AdminKind {
	switch k {
	case parser.AdminBan:
		return admin.AdminBan
	case parser.AdminUnban:
		return admin.AdminUnban
	case parser.AdminProbe:
		return admin.AdminProbe
	default:
		return admin.AdminShowPreparedStatements
	}
}

// handleAdmin dispatches the BAN/UNBAN/PROBE/SHOW PREPARED STATEMENTS
// admin surface to the admin package against this engine's shared
// prepared-statement registry and the session's own cluster handle.
func (e *Engine) handleAdmin(ctx context.Context, facade *backend.Facade, session *Session, cmd parser.Command) []wire.Message {
	msgs := admin.Dispatch(ctx, facade.Cluster(), e.statements, adminKind(cmd.Admin), cmd.AdminID, cmd.HasAdminID, cmd.ProbeURL)
	return append(msgs, wire.ReadyForQuery(session.State == StateInTxn))
}
