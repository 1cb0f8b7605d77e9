package engine

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/mevdschee/pgdogproxy/backend"
	"github.com/mevdschee/pgdogproxy/buffer"
	"github.com/mevdschee/pgdogproxy/cache"
	"github.com/mevdschee/pgdogproxy/parser"
	"github.com/mevdschee/pgdogproxy/pool"
	"github.com/mevdschee/pgdogproxy/prepared"
	"github.com/mevdschee/pgdogproxy/pubsub"
	"github.com/mevdschee/pgdogproxy/router"
	"github.com/mevdschee/pgdogproxy/sharding"
	"github.com/mevdschee/pgdogproxy/wire"
)

func newTestEngine(totalShards int) (*Engine, *backend.Facade, *Session) {
	r := router.New(router.Config{Tables: map[string]router.Table{}, TotalShards: totalShards})
	e := New(r, prepared.New())
	f := backend.New(pool.NewCluster(), map[int]*pubsub.Registry{}, "testdb", 50*time.Millisecond)
	s := NewSession()
	return e, f, s
}

func simpleBuffer(msgs ...wire.Message) *buffer.Buffer {
	b := buffer.New()
	for _, m := range msgs {
		b.Push(m)
	}
	return b
}

func queryBuffer(text string) *buffer.Buffer {
	return simpleBuffer(wire.Message{Code: wire.Query, Payload: wire.CString(text)})
}

// bindPayload encodes a minimal Bind message body with one text-format
// parameter, matching what wire.DecodeBind expects.
func bindPayload(param string) []byte {
	buf := append([]byte{}, wire.CString("")...)  // portal
	buf = append(buf, wire.CString("")...)        // statement
	buf = append(buf, 0, 0)                       // zero param format codes
	var paramCount [2]byte
	binary.BigEndian.PutUint16(paramCount[:], 1)
	buf = append(buf, paramCount[:]...)
	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(param)))
	buf = append(buf, plen[:]...)
	buf = append(buf, []byte(param)...)
	buf = append(buf, 0, 0) // zero result format codes
	return buf
}

func TestHandleSetUpdatesSessionAndReplies(t *testing.T) {
	e, f, s := newTestEngine(1)
	msgs := e.Handle(context.Background(), f, s, queryBuffer("SET statement_timeout = 5000"))
	if len(msgs) != 2 || msgs[0].Code != wire.CodeCommandComplete || msgs[1].Code != wire.CodeReadyForQuery {
		t.Fatalf("unexpected reply shape: %#v", msgs)
	}
	if s.Params["statement_timeout"] != "5000" {
		t.Fatalf("expected session param to be recorded, got %q", s.Params["statement_timeout"])
	}
}

func TestHandleListenUnlistenNotifyRoundTrip(t *testing.T) {
	e, f, s := newTestEngine(1)

	msgs := e.Handle(context.Background(), f, s, queryBuffer("LISTEN events"))
	if len(msgs) != 2 {
		t.Fatalf("expected LISTEN reply, got %#v", msgs)
	}

	msgs = e.Handle(context.Background(), f, s, queryBuffer("NOTIFY events, 'hi'"))
	if len(msgs) != 2 {
		t.Fatalf("expected NOTIFY reply, got %#v", msgs)
	}

	sub := f.Listen(e.channelShard("events"), "events")
	select {
	case n := <-sub.C():
		if n.Payload != "hi" {
			t.Fatalf("unexpected notification payload: %+v", n)
		}
	default:
		t.Fatal("expected the earlier NOTIFY to have already landed in the channel's registry")
	}

	msgs = e.Handle(context.Background(), f, s, queryBuffer("UNLISTEN events"))
	if len(msgs) != 2 {
		t.Fatalf("expected UNLISTEN reply, got %#v", msgs)
	}
}

func TestChannelShardSingleShardAlwaysZero(t *testing.T) {
	e, _, _ := newTestEngine(1)
	for _, channel := range []string{"events", "alerts", "a-very-different-channel"} {
		if got := e.channelShard(channel); got != 0 {
			t.Fatalf("channelShard(%q) = %d on a single-shard cluster, want 0", channel, got)
		}
	}
}

func TestChannelShardMatchesHashOnMultiShardCluster(t *testing.T) {
	e, _, _ := newTestEngine(8)
	for _, channel := range []string{"events", "alerts", "orders-ready"} {
		want, err := sharding.Shards(sharding.Value{Type: sharding.ValueText, Str: channel}, 8, sharding.HasherSHA1)
		if err != nil {
			t.Fatalf("sharding.Shards(%q): %v", channel, err)
		}
		if got := e.channelShard(channel); got != want {
			t.Fatalf("channelShard(%q) = %d, want %d (matching the channel-name hash)", channel, got, want)
		}
		if got := e.channelShard(channel); got < 0 || got >= 8 {
			t.Fatalf("channelShard(%q) = %d out of range [0, 8)", channel, got)
		}
	}
}

func TestHandleDeallocateReleasesAlias(t *testing.T) {
	e, f, s := newTestEngine(1)
	fp := prepared.NewFingerprint("select 1", nil)
	name := e.statements.Acquire(fp, "select 1")
	s.Aliases.Bind("p1", name)

	msgs := e.Handle(context.Background(), f, s, queryBuffer("DEALLOCATE p1"))
	if len(msgs) != 2 || msgs[0].Code != wire.CodeCommandComplete {
		t.Fatalf("unexpected DEALLOCATE reply: %#v", msgs)
	}
	if _, ok := s.Aliases.Resolve("p1"); ok {
		t.Fatal("expected alias to be released after DEALLOCATE")
	}
}

func TestHandleShardsReportsConfiguredCount(t *testing.T) {
	e, f, s := newTestEngine(12)
	msgs := e.Handle(context.Background(), f, s, queryBuffer("SHOW pgdog.shards"))
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages (RowDescription, DataRow, CommandComplete, ReadyForQuery), got %d", len(msgs))
	}
	if msgs[0].Code != wire.CodeRowDescription {
		t.Fatalf("expected RowDescription first, got %v", msgs[0].Code)
	}
	if msgs[1].Code != wire.CodeDataRow {
		t.Fatalf("expected DataRow second, got %v", msgs[1].Code)
	}
}

func TestEndTransactionWarnsWhenNoneInProgress(t *testing.T) {
	e, f, s := newTestEngine(1)
	msgs := e.Handle(context.Background(), f, s, queryBuffer("COMMIT"))
	if len(msgs) != 3 {
		t.Fatalf("expected NoticeResponse + CommandComplete + ReadyForQuery, got %#v", msgs)
	}
	if msgs[0].Code != wire.CodeNoticeResponse {
		t.Fatalf("expected NoticeResponse first when no transaction was open, got %v", msgs[0].Code)
	}
}

func TestStartTransactionThenCommitSuppressesNotice(t *testing.T) {
	e, f, s := newTestEngine(1)
	msgs := e.Handle(context.Background(), f, s, queryBuffer("BEGIN"))
	if len(msgs) != 2 || s.State != StateInTxn {
		t.Fatalf("expected BEGIN to move session into a transaction, got state %v msgs %#v", s.State, msgs)
	}

	msgs = e.Handle(context.Background(), f, s, queryBuffer("COMMIT"))
	if len(msgs) != 2 {
		t.Fatalf("expected no NoticeResponse once a transaction was actually started, got %#v", msgs)
	}
	if s.State != StateIdle {
		t.Fatalf("expected COMMIT to return session to idle, got %v", s.State)
	}
}

func TestHandleIncompleteReleasesClosedAliasesAndEmitsCloseComplete(t *testing.T) {
	e, f, s := newTestEngine(1)
	fp := prepared.NewFingerprint("select 2", nil)
	name := e.statements.Acquire(fp, "select 2")
	s.Aliases.Bind("p2", name)

	buf := simpleBuffer(
		wire.Message{Code: wire.CloseMsg, Payload: append([]byte{'S'}, wire.CString("p2")...)},
		wire.Message{Code: wire.Sync},
	)
	msgs := e.Handle(context.Background(), f, s, buf)
	if len(msgs) != 2 {
		t.Fatalf("expected one CloseComplete plus ReadyForQuery, got %#v", msgs)
	}
	if msgs[0].Code != wire.CodeCloseComplete {
		t.Fatalf("expected CloseComplete, got %v", msgs[0].Code)
	}
	if _, ok := s.Aliases.Resolve("p2"); ok {
		t.Fatal("expected alias to be released by the incomplete-request interception")
	}
}

func TestHandleQueryServesCachedResultWithoutCheckout(t *testing.T) {
	e, f, s := newTestEngine(1)
	c, err := cache.New(cache.DefaultCacheConfig())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	e.SetCache(c, "testdb", time.Minute)

	text := "select * from users where id = 1"
	route := parser.Route{Shard: parser.DirectShard(0), ReadOnly: true}
	cached := []wire.Message{
		wire.RowDescriptionMsg([]wire.Field{wire.BigintField("id")}),
		wire.DataRowMsg([]interface{}{int64(1)}),
		wire.CommandComplete("SELECT 1"),
	}
	c.Set(cache.Key(0, text), encodeFrames(cached), time.Minute)

	s.State = StateInTxn
	cmd := parser.Command{Kind: parser.CommandQuery, Text: text, Route: route}
	msgs := e.handleQuery(context.Background(), f, s, queryBuffer(text), cmd)

	if len(msgs) != 4 {
		t.Fatalf("expected 3 cached frames + ReadyForQuery, got %#v", msgs)
	}
	if msgs[0].Code != wire.CodeRowDescription || msgs[3].Code != wire.CodeReadyForQuery {
		t.Fatalf("unexpected cached reply shape: %#v", msgs)
	}
	if !s.HasBoundShard || s.BoundShard != 0 {
		t.Fatalf("expected a cache hit inside a transaction to still bind the session's shard, got bound=%v shard=%d", s.HasBoundShard, s.BoundShard)
	}
}

func TestResolveSpeculativeUsesBindParams(t *testing.T) {
	r := router.New(router.Config{
		Tables: map[string]router.Table{
			"users": {Name: "users", Column: "id", Kind: router.MappingHash, NumShards: 12},
		},
	})
	e := New(r, prepared.New())

	cmd := parser.Command{
		Kind:  parser.CommandQuery,
		Text:  "select * from users where id = $1",
		Keys:  []parser.Key{{Kind: parser.KeyParameter, Pos: 1, Column: "id"}},
		Route: parser.Route{Shard: parser.AllShards(), Write: true, Speculative: true},
	}

	buf := simpleBuffer(wire.Message{Code: wire.Bind, Payload: bindPayload("0")})
	resolved := e.resolveSpeculative(buf, cmd)
	if resolved.Route.Speculative {
		t.Fatal("expected the route to no longer be speculative once a Bind resolved it")
	}
	if resolved.Route.Shard.Kind != parser.ShardDirect {
		t.Fatalf("expected a resolved direct shard, got %#v", resolved.Route.Shard)
	}
}

func TestHandleAdminShowPreparedStatements(t *testing.T) {
	e, f, s := newTestEngine(1)
	fp := prepared.NewFingerprint("select 1", nil)
	e.statements.Acquire(fp, "select 1")

	msgs := e.Handle(context.Background(), f, s, queryBuffer("SHOW PREPARED STATEMENTS"))
	if len(msgs) < 3 {
		t.Fatalf("expected RowDescription+DataRow+CommandComplete+RFQ, got %+v", msgs)
	}
	if msgs[0].Code != wire.CodeRowDescription {
		t.Fatalf("expected RowDescription first, got %+v", msgs[0])
	}
	if msgs[len(msgs)-1].Code != wire.CodeReadyForQuery {
		t.Fatalf("expected trailing ReadyForQuery, got %+v", msgs[len(msgs)-1])
	}
}

func TestHandleAdminBanUnknownPoolIDErrors(t *testing.T) {
	e, f, s := newTestEngine(1)
	msgs := e.Handle(context.Background(), f, s, queryBuffer("BAN 42"))
	if len(msgs) != 2 || msgs[0].Code != wire.CodeErrorResponse {
		t.Fatalf("expected ErrorResponse+RFQ for unknown pool id, got %+v", msgs)
	}
}
