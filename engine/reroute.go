package engine

import (
	"github.com/mevdschee/pgdogproxy/buffer"
	"github.com/mevdschee/pgdogproxy/parser"
)

// resolveSpeculative re-decides a Query command's route once a Bind
// in the same buffer supplies parameter values the original Parse
// left unresolved. This is the engine's answer to the one open
// question left in the router's design: since the proxy never holds
// a server-side prepared statement open before the shard is known
// (statement text is re-sent to whichever server Checkout picks,
// rather than forwarded as raw Parse/Bind frames), there is nothing
// stale to invalidate on a newly chosen server — the re-route simply
// targets the query text at the server Checkout leases once the real
// shard is known.
func (e *Engine) resolveSpeculative(buf *buffer.Buffer, cmd parser.Command) parser.Command {
	if !cmd.Route.Speculative {
		return cmd
	}
	bind, ok := buf.Parameters()
	if !ok {
		return cmd
	}
	cmd.Route = e.router.RouteWithBind(cmd, bind.Params)
	return cmd
}
