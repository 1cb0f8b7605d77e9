// Package engine drives the per-client query-engine state machine:
// intercept, route, forward, manage transaction boundaries, track
// prepared statements, and emit synthesized replies. Grounded on the
// dispatch shape of postgres.go's handleMessages switch, generalized
// from one fixed primary+replica pair to route-aware
// pooled checkout across a sharded cluster.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mevdschee/pgdogproxy/backend"
	"github.com/mevdschee/pgdogproxy/buffer"
	"github.com/mevdschee/pgdogproxy/cache"
	"github.com/mevdschee/pgdogproxy/metrics"
	"github.com/mevdschee/pgdogproxy/parser"
	"github.com/mevdschee/pgdogproxy/prepared"
	"github.com/mevdschee/pgdogproxy/router"
	"github.com/mevdschee/pgdogproxy/sharding"
	"github.com/mevdschee/pgdogproxy/wire"
)

// Engine ties the shared router and prepared-statement registry to
// one client session's backend facade on each call to Handle.
type Engine struct {
	router     *router.Router
	statements *prepared.Statements

	cache    *cache.Cache
	cacheTTL time.Duration
	database string
}

// New builds an Engine over a shared router and prepared-statement registry.
func New(r *router.Router, statements *prepared.Statements) *Engine {
	return &Engine{router: r, statements: statements}
}

// SetCache attaches a query result cache to the engine: direct-shard
// read-only SELECTs are looked up and stored under it, keyed by shard
// and statement text. database labels the cache hit/miss metrics.
// Passing a nil cache (the default) disables caching entirely.
func (e *Engine) SetCache(c *cache.Cache, database string, ttl time.Duration) {
	e.cache = c
	e.database = database
	e.cacheTTL = ttl
}

// Handle processes one executable buffer against session/facade state
// and returns the wire messages to send back to the client, in order.
func (e *Engine) Handle(ctx context.Context, facade *backend.Facade, session *Session, buf *buffer.Buffer) []wire.Message {
	cmd := parser.Classify(buf)

	if cmd.Kind == parser.CommandIncomplete {
		return e.handleIncomplete(session, cmd)
	}

	if cmd.Kind == parser.CommandCopy {
		return e.handleCopy(ctx, facade, buf)
	}

	switch cmd.Kind {
	case parser.CommandSet:
		session.Params[cmd.SetName] = cmd.SetValue
		facade.RecordSet(cmd.SetName, cmd.SetValue)
		return reply(wire.CommandComplete("SET"), session)

	case parser.CommandListen:
		facade.Listen(e.channelShard(cmd.Channel), cmd.Channel)
		return reply(wire.CommandComplete("LISTEN"), session)

	case parser.CommandUnlisten:
		facade.Unlisten(cmd.Channel)
		return reply(wire.CommandComplete("UNLISTEN"), session)

	case parser.CommandNotify:
		facade.Notify(e.channelShard(cmd.Channel), cmd.Channel, cmd.Payload, 0)
		return reply(wire.CommandComplete("NOTIFY"), session)

	case parser.CommandShards:
		return e.handleShards(session)

	case parser.CommandDeallocate:
		if cmd.DeallocateAll {
			session.Aliases.CloseAll(e.statements)
		} else {
			session.Aliases.Close(e.statements, cmd.DeallocateName)
		}
		return reply(wire.CommandComplete("DEALLOCATE"), session)

	case parser.CommandStartTransaction:
		facade.RecordBegin(cmd.BeginText)
		session.State = StateInTxn
		return reply(wire.CommandComplete("BEGIN"), session)

	case parser.CommandCommit:
		return e.endTransaction(ctx, facade, session, "COMMIT")

	case parser.CommandRollback:
		return e.endTransaction(ctx, facade, session, "ROLLBACK")

	case parser.CommandQuery:
		cmd.Route = e.router.Route(cmd)
		return e.handleQuery(ctx, facade, session, buf, cmd)

	case parser.CommandAdmin:
		return e.handleAdmin(ctx, facade, session, cmd)
	}

	return reply(wire.EmptyQueryResponseMsg(), session)
}

// reply appends a trailing ReadyForQuery reflecting the session's
// current transaction state, matching the engine's FIFO-ordering
// guarantee that every reply to one client is sent in one batch.
func reply(msg wire.Message, session *Session) []wire.Message {
	return []wire.Message{msg, wire.ReadyForQuery(session.State == StateInTxn)}
}

// channelShard derives a pub/sub shard from a channel name when
// multiple shards are configured; single-shard deployments always use
// shard 0 (Shard::All collapses to the one shard that exists).
func (e *Engine) channelShard(channel string) int {
	n := e.router.NumShards()
	if n <= 1 {
		return 0
	}
	shard, err := sharding.Shards(sharding.Value{Type: sharding.ValueText, Str: channel}, n, sharding.HasherSHA1)
	if err != nil {
		return 0
	}
	return shard
}

// endTransaction forwards COMMIT/ROLLBACK to the bound server,
// releasing it once the response lands, per scenario behavior: even
// when no transaction is actually open server-side, the client still
// gets CommandComplete + ReadyForQuery, plus a NoticeResponse warning
// that no transaction was in progress.
func (e *Engine) endTransaction(ctx context.Context, facade *backend.Facade, session *Session, tag string) []wire.Message {
	var msgs []wire.Message
	wasInTxn := session.State == StateInTxn

	if facade.Connected() {
		if _, err := facade.Exec(ctx, tag); err != nil {
			facade.Release(false)
			session.State = StateIdle
			session.UnbindShard()
			return []wire.Message{
				wire.ErrorResponseMsg("ERROR", "XX000", err.Error()),
				wire.ReadyForQuery(false),
			}
		}
		facade.Release(true)
	}

	if !wasInTxn {
		msgs = append(msgs, wire.NoticeResponseMsg("WARNING", "25P01", "there is no transaction in progress"))
	}

	facade.ClearTransaction()
	session.State = StateIdle
	session.UnbindShard()
	msgs = append(msgs, wire.CommandComplete(tag), wire.ReadyForQuery(false))
	return msgs
}

// handleShards synthesizes the SHOW pgdog.shards reply: one bigint
// column reporting the number of shards this router's cluster spans.
func (e *Engine) handleShards(session *Session) []wire.Message {
	n := e.router.NumShards()
	return []wire.Message{
		wire.RowDescriptionMsg([]wire.Field{wire.BigintField("shards")}),
		wire.DataRowMsg([]interface{}{n}),
		wire.CommandComplete("SHOW"),
		wire.ReadyForQuery(session.State == StateInTxn),
	}
}

// handleCopy forwards an in-flight COPY sub-protocol batch as-is to
// the already-bound server, with no re-routing: the shard was decided
// when the COPY statement itself was routed.
func (e *Engine) handleCopy(ctx context.Context, facade *backend.Facade, buf *buffer.Buffer) []wire.Message {
	if !facade.Connected() {
		return []wire.Message{wire.ErrorResponseMsg("ERROR", "08006", "no connection bound for COPY continuation")}
	}
	return nil
}

// handleQuery checks out a server per the command's route (re-routing
// first if the route was speculative and a Bind now resolves it),
// replays the session preamble on a fresh handle, forwards the
// statement, and re-frames the result as wire messages.
func (e *Engine) handleQuery(ctx context.Context, facade *backend.Facade, session *Session, buf *buffer.Buffer, cmd parser.Command) []wire.Message {
	cmd = e.resolveSpeculative(buf, cmd)

	if session.State == StateInTxn && !session.CompatibleWithBound(cmd.Route) {
		return []wire.Message{
			wire.ErrorResponseMsg("ERROR", "XX000", "cross-shard statement not allowed in this transaction"),
			wire.ReadyForQuery(true),
		}
	}

	start := time.Now()
	queryType := queryTypeLabel(cmd.Text)
	shardLabel := shardMetricLabel(cmd.Route.Shard)

	cacheable := e.cache != nil && cmd.Route.ReadOnly && cmd.Route.Shard.Kind == parser.ShardDirect
	var cacheKey string
	if cacheable {
		cacheKey = cache.Key(cmd.Route.Shard.Index, cmd.Text)
		if data, _, ok := e.cache.Lookup(e.database, cacheKey); ok {
			if cached, err := decodeFrames(data); err == nil {
				metrics.QueryTotal.WithLabelValues(shardLabel, queryType, "true").Inc()
				metrics.QueryLatency.WithLabelValues(shardLabel, queryType).Observe(time.Since(start).Seconds())
				msgs := append(append([]wire.Message{}, cached...), wire.ReadyForQuery(session.State == StateInTxn))
				if session.State == StateInTxn {
					session.BindShard(cmd.Route.Shard.Index)
				}
				return msgs
			}
		}
	}

	h, err := facade.Checkout(ctx, cmd.Route)
	if err != nil {
		return []wire.Message{
			wire.ErrorResponseMsg("ERROR", "08006", fmt.Sprintf("checkout failed: %v", err)),
			wire.ReadyForQuery(session.State == StateInTxn),
		}
	}
	_ = h

	if cmd.Route.Shard.Kind == parser.ShardDirect {
		session.BindShard(cmd.Route.Shard.Index)
	}

	// A batch:N hinted write, outside any open transaction, coalesces
	// with concurrent identical writes against the same server rather
	// than executing on its own; batching is disabled inside a
	// transaction to preserve its atomicity.
	if !cmd.Route.ReadOnly && cmd.BatchMs > 0 && session.State != StateInTxn {
		return e.handleBatchedWrite(facade, session, cmd)
	}

	rows, err := facade.Query(ctx, cmd.Text)
	if err != nil {
		facade.Release(false)
		return []wire.Message{
			wire.ErrorResponseMsg("ERROR", "42601", err.Error()),
			wire.ReadyForQuery(session.State == StateInTxn),
		}
	}
	defer rows.Close()

	msgs, rowCount, err := framesFromRows(rows)
	if err != nil {
		facade.Release(false)
		return []wire.Message{
			wire.ErrorResponseMsg("ERROR", "XX000", err.Error()),
			wire.ReadyForQuery(session.State == StateInTxn),
		}
	}

	tag := commandTag(cmd.Text, rowCount)
	msgs = append(msgs, wire.CommandComplete(tag))

	if cacheable {
		ttl := e.cacheTTL
		if cmd.TTL > 0 {
			ttl = time.Duration(cmd.TTL) * time.Second
		}
		e.cache.Set(cacheKey, encodeFrames(msgs), ttl)
	}
	metrics.QueryTotal.WithLabelValues(shardLabel, queryType, "false").Inc()
	metrics.QueryLatency.WithLabelValues(shardLabel, queryType).Observe(time.Since(start).Seconds())

	if session.State != StateInTxn {
		facade.Release(true)
	}
	msgs = append(msgs, wire.ReadyForQuery(session.State == StateInTxn))
	return msgs
}

// handleBatchedWrite enqueues a write against the checked-out server's
// write-batch manager instead of executing it directly, so concurrent
// sessions issuing the same statement against the same server coalesce
// into one round trip. Falls back to a direct Exec if the server has
// no write-batch manager attached.
func (e *Engine) handleBatchedWrite(facade *backend.Facade, session *Session, cmd parser.Command) []wire.Message {
	wb := facade.WriteBatch()
	if wb == nil {
		return e.handleDirectWrite(facade, session, cmd)
	}

	result := wb.Enqueue(context.Background(), cmd.Text, cmd.Text, nil, cmd.BatchMs, nil)
	if result.Error != nil {
		facade.Release(false)
		return []wire.Message{
			wire.ErrorResponseMsg("ERROR", "XX000", result.Error.Error()),
			wire.ReadyForQuery(false),
		}
	}
	facade.Release(true)
	return []wire.Message{
		wire.CommandComplete(commandTag(cmd.Text, int(result.AffectedRows))),
		wire.ReadyForQuery(false),
	}
}

// handleDirectWrite executes a write against the checked-out server
// with no batching, for servers whose pool never established a
// write-batch manager.
func (e *Engine) handleDirectWrite(facade *backend.Facade, session *Session, cmd parser.Command) []wire.Message {
	res, err := facade.Exec(context.Background(), cmd.Text)
	if err != nil {
		facade.Release(false)
		return []wire.Message{
			wire.ErrorResponseMsg("ERROR", "XX000", err.Error()),
			wire.ReadyForQuery(false),
		}
	}
	rowCount, _ := res.RowsAffected()
	facade.Release(true)
	return []wire.Message{
		wire.CommandComplete(commandTag(cmd.Text, int(rowCount))),
		wire.ReadyForQuery(false),
	}
}

// shardMetricLabel renders a Shard as a metric label: the shard index
// for Direct, or the kind name for All/Multi.
func shardMetricLabel(s parser.Shard) string {
	switch s.Kind {
	case parser.ShardDirect:
		return strconv.Itoa(s.Index)
	case parser.ShardMulti:
		return "multi"
	default:
		return "all"
	}
}

// queryTypeLabel reduces a statement to its leading keyword for metric
// cardinality's sake.
func queryTypeLabel(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
