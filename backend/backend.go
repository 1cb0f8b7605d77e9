// Package backend provides the single entry point the query engine
// uses to reach a server: route-sensitive checkout, session replay,
// pub/sub dispatch, and COPY passthrough. Grounded on postgres.go's
// connState, which played the same role (one struct holding the
// client's current primary/replica *sql.DB and in-flight transaction
// bookkeeping) but for a single fixed primary+replicas pair rather
// than a sharded cluster.
package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mevdschee/pgdogproxy/parser"
	"github.com/mevdschee/pgdogproxy/pool"
	"github.com/mevdschee/pgdogproxy/pubsub"
	"github.com/mevdschee/pgdogproxy/writebatch"
)

// Facade is one client session's connection to the backend cluster.
// It holds at most one checked-out server handle at a time.
type Facade struct {
	cluster    *pool.Cluster
	pubsub     map[int]*pubsub.Registry // per-shard registries
	database   string
	checkoutTO time.Duration

	current *pool.ServerHandle
	replay  *Replay

	subs map[string]*pubsub.Subscription // channel -> this session's LISTEN
}

// New builds a Facade bound to one client session's database.
func New(cluster *pool.Cluster, pubsubByShard map[int]*pubsub.Registry, database string, checkoutTimeout time.Duration) *Facade {
	return &Facade{
		cluster:    cluster,
		pubsub:     pubsubByShard,
		database:   database,
		checkoutTO: checkoutTimeout,
		replay:     NewReplay(),
		subs:       make(map[string]*pubsub.Subscription),
	}
}

// Connected reports whether a server handle is currently checked out.
func (f *Facade) Connected() bool { return f.current != nil }

// Cluster exposes the underlying cluster, e.g. for admin dispatch.
func (f *Facade) Cluster() *pool.Cluster { return f.cluster }

// Checkout leases a server for route, replaying the session preamble
// (BEGIN + accumulated SETs) if this is a freshly acquired handle
// rather than one already bound for the current transaction. Prepared
// statements are not re-prepared on the new server.
func (f *Facade) Checkout(ctx context.Context, route parser.Route) (*pool.ServerHandle, error) {
	if f.current != nil {
		return f.current, nil
	}

	role := pool.RolePrimary
	if route.ReadOnly && !route.Write {
		role = pool.RoleReplica
	}

	shard := 0
	switch route.Shard.Kind {
	case parser.ShardDirect:
		shard = route.Shard.Index
	case parser.ShardAll, parser.ShardMulti:
		shard = 0 // the first shard stands in for an unsharded/fan-out statement
	}

	h, err := f.cluster.Checkout(ctx, f.database, shard, role, f.checkoutTO)
	if err != nil {
		return nil, err
	}
	f.current = h

	if err := f.replay.Apply(ctx, h.DB); err != nil {
		f.Release(false)
		return nil, fmt.Errorf("backend: session replay failed: %w", err)
	}
	return h, nil
}

// Release returns the current server handle to the pool it was
// leased from. ok=false signals the connection may be in a bad state
// and should be health-checked before reuse.
func (f *Facade) Release(ok bool) {
	if f.current == nil {
		return
	}
	f.cluster.Release(f.current, ok)
	f.current = nil
}

// Bound reports the server handle currently bound to this session's
// open transaction, if any.
func (f *Facade) Bound() *pool.ServerHandle { return f.current }

// WriteBatch returns the currently bound server's write-coalescing
// manager, or nil if nothing is checked out.
func (f *Facade) WriteBatch() *writebatch.Manager {
	if f.current == nil {
		return nil
	}
	return f.current.WriteBatch
}

// RecordBegin stores the BEGIN text to replay on the next fresh checkout.
func (f *Facade) RecordBegin(text string) { f.replay.SetBegin(text) }

// RecordSet accumulates a SET so it replays on the next fresh checkout.
func (f *Facade) RecordSet(name, value string) { f.replay.SetParam(name, value) }

// ClearTransaction forgets the recorded BEGIN once a transaction ends.
func (f *Facade) ClearTransaction() { f.replay.ClearBegin() }

// Listen registers a LISTEN on channel for this session, against the
// pub/sub registry for shard.
func (f *Facade) Listen(shard int, channel string) *pubsub.Subscription {
	if sub, ok := f.subs[channel]; ok {
		return sub
	}
	reg := f.registryFor(shard)
	sub := reg.Subscribe(channel)
	f.subs[channel] = sub
	return sub
}

// Unlisten drops this session's subscription to channel, if any.
func (f *Facade) Unlisten(channel string) {
	if sub, ok := f.subs[channel]; ok {
		sub.Unsubscribe()
		delete(f.subs, channel)
	}
}

// UnlistenAll drops every subscription this session holds, for
// session teardown on disconnect.
func (f *Facade) UnlistenAll() {
	for channel, sub := range f.subs {
		sub.Unsubscribe()
		delete(f.subs, channel)
	}
}

// Notify publishes a NOTIFY to every session LISTEN-ing on channel in shard.
func (f *Facade) Notify(shard int, channel, payload string, pid int32) {
	f.registryFor(shard).Publish(pubsub.Notification{Channel: channel, Payload: payload, PID: pid})
}

func (f *Facade) registryFor(shard int) *pubsub.Registry {
	reg, ok := f.pubsub[shard]
	if !ok {
		reg = pubsub.NewRegistry()
		f.pubsub[shard] = reg
	}
	return reg
}

// Query runs a simple-protocol query against the currently bound
// server handle and returns the raw *sql.Rows for the engine to
// re-frame as RowDescription/DataRow messages.
func (f *Facade) Query(ctx context.Context, text string) (*sql.Rows, error) {
	if f.current == nil {
		return nil, fmt.Errorf("backend: no server checked out")
	}
	return f.current.DB.QueryContext(ctx, text)
}

// Exec runs a statement against the currently bound server handle
// without expecting a result set (BEGIN/COMMIT/ROLLBACK/SET replay,
// writes whose result the caller discards).
func (f *Facade) Exec(ctx context.Context, text string) (sql.Result, error) {
	if f.current == nil {
		return nil, fmt.Errorf("backend: no server checked out")
	}
	return f.current.DB.ExecContext(ctx, text)
}
