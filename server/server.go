// Package server accepts client connections and drives each one
// through the PostgreSQL startup handshake and message loop, handing
// every executable batch to the engine and writing back whatever
// wire messages it returns. Grounded on postgres.go's own
// Proxy/acceptLoop/handleConnection shape, generalized from one fixed
// primary+replica pair to a per-database engine over a sharded
// cluster.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/mevdschee/pgdogproxy/backend"
	"github.com/mevdschee/pgdogproxy/buffer"
	"github.com/mevdschee/pgdogproxy/cache"
	"github.com/mevdschee/pgdogproxy/config"
	"github.com/mevdschee/pgdogproxy/engine"
	"github.com/mevdschee/pgdogproxy/pool"
	"github.com/mevdschee/pgdogproxy/prepared"
	"github.com/mevdschee/pgdogproxy/pubsub"
	"github.com/mevdschee/pgdogproxy/router"
	"github.com/mevdschee/pgdogproxy/wire"
)

// connCounter assigns each accepted connection a process-unique id,
// used as its fake backend pid for BackendKeyData and log lines.
var connCounter uint32

// Server ties one cluster and one engine per database to a pair of
// listeners. Databases not named in cfg.Databases are rejected at
// startup time.
type Server struct {
	cfg     *config.Config
	cluster *pool.Cluster
	engines map[string]*engine.Engine
	pubsub  map[int]*pubsub.Registry
}

// New builds a cluster and router-backed engine for every database in
// cfg, wiring each shard's primary and replica pools.
func New(cfg *config.Config) *Server {
	s := &Server{
		cfg:     cfg,
		cluster: pool.NewCluster(),
		engines: make(map[string]*engine.Engine),
		pubsub:  make(map[int]*pubsub.Registry),
	}

	opts := pool.Options{
		BanDuration:    cfg.BanDuration,
		ConnectTimeout: cfg.ConnectTimeout,
		HealthInterval: cfg.HealthInterval,
	}

	for dbName, db := range cfg.Databases {
		for shardID, shard := range db.Shards {
			sp := &pool.ShardPools{}
			if shard.Primary != "" {
				sp.Primary = pool.New(dbName, shardID, pool.RolePrimary, []string{shard.Primary}, opts)
			}
			if len(shard.Replicas) > 0 {
				sp.Replicas = append(sp.Replicas, pool.New(dbName, shardID, pool.RoleReplica, shard.Replicas, opts))
			}
			s.cluster.AddShard(dbName, shardID, sp)
		}

		r := router.New(router.Config{Tables: db.Tables, TotalShards: db.TotalShards})
		s.engines[dbName] = engine.New(r, prepared.New())
	}

	return s
}

// SetCache attaches one shared query result cache to every database's
// engine, each keyed under its own database name so a cache hit never
// crosses a database boundary.
func (s *Server) SetCache(c *cache.Cache, ttl time.Duration) {
	for dbName, e := range s.engines {
		e.SetCache(c, dbName, ttl)
	}
}

// StartHealthChecks starts every pool's background health check loop,
// stopping them all when ctx is canceled.
func (s *Server) StartHealthChecks(ctx context.Context) {
	for _, p := range s.cluster.Pools() {
		go p.StartHealthChecks(ctx)
	}
}

// Engine returns the engine configured for database, if any.
func (s *Server) Engine(database string) (*engine.Engine, bool) {
	e, ok := s.engines[database]
	return e, ok
}

// Start begins listening on the configured TCP address, and on the
// configured Unix socket if one is set, forwarding every accepted
// connection to handleConnection in its own goroutine.
func (s *Server) Start() error {
	tcpListener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	log.Printf("[pgdogproxy] listening on %s (tcp), serving %d database(s)", s.cfg.Listen, len(s.engines))
	go s.acceptLoop(tcpListener)

	if s.cfg.Socket != "" {
		if err := os.Remove(s.cfg.Socket); err != nil && !os.IsNotExist(err) {
			log.Printf("[pgdogproxy] warning: could not remove existing socket: %v", err)
		}
		unixListener, err := net.Listen("unix", s.cfg.Socket)
		if err != nil {
			return fmt.Errorf("failed to listen on unix socket: %w", err)
		}
		log.Printf("[pgdogproxy] listening on %s (unix)", s.cfg.Socket)
		go s.acceptLoop(unixListener)
	}
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("[pgdogproxy] accept error: %v", err)
			continue
		}
		connID := atomic.AddUint32(&connCounter, 1)
		go s.handleConnection(conn, connID)
	}
}

// handleConnection runs the startup handshake, then services
// executable batches until the client disconnects or sends Terminate.
func (s *Server) handleConnection(conn net.Conn, connID uint32) {
	defer conn.Close()
	codec := wire.NewCodec(conn)

	startup, err := codec.ReadStartup()
	if err != nil {
		log.Printf("[pgdogproxy] conn %d: startup read error: %v", connID, err)
		return
	}

	if wire.ProtocolVersion(startup) == wire.SSLRequestCode {
		if _, err := conn.Write([]byte{'N'}); err != nil {
			return
		}
		startup, err = codec.ReadStartup()
		if err != nil {
			log.Printf("[pgdogproxy] conn %d: post-SSL startup read error: %v", connID, err)
			return
		}
	}

	params := wire.StartupParams(startup)
	user := params["user"]
	database := params["database"]
	if database == "" {
		database = user
	}

	e, ok := s.engines[database]
	if !ok {
		s.sendFatal(codec, "3D000", fmt.Sprintf("database %q is not configured", database))
		return
	}

	// Trust authentication: the proxy's own pool DSNs already carry
	// the real backend credentials, so a client's claimed identity is
	// accepted outright rather than re-verified, the same way a
	// connection pooler in trust mode would.
	if _, err := codec.Send(wire.AuthenticationOkMsg()); err != nil {
		return
	}
	for _, ps := range [][2]string{
		{"server_version", "16.0"},
		{"client_encoding", "UTF8"},
		{"DateStyle", "ISO, MDY"},
		{"TimeZone", "UTC"},
	} {
		if _, err := codec.Send(wire.ParameterStatusMsg(ps[0], ps[1])); err != nil {
			return
		}
	}
	if _, err := codec.Send(wire.BackendKeyDataMsg(int32(connID), int32(connID)*7919)); err != nil {
		return
	}
	if _, err := codec.Send(wire.ReadyForQuery(false)); err != nil {
		return
	}
	if err := codec.Flush(); err != nil {
		return
	}

	facade := backend.New(s.cluster, s.pubsub, database, s.cfg.CheckoutTimeout)
	defer facade.UnlistenAll()
	session := engine.NewSession()
	buf := buffer.New()
	ctx := context.Background()

	for {
		msg, err := codec.Read()
		if err != nil {
			if facade.Connected() {
				facade.Release(false)
			}
			return
		}
		if msg.Code == wire.Terminate {
			if facade.Connected() {
				facade.Release(true)
			}
			return
		}

		buf.Push(msg)
		if !buf.Executable() {
			continue
		}

		msgs := e.Handle(ctx, facade, session, buf)
		buf.Clear()

		if _, err := codec.SendMany(msgs); err != nil {
			return
		}
		if err := codec.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) sendFatal(codec *wire.Codec, code, message string) {
	codec.Send(wire.ErrorResponseMsg("FATAL", code, message))
	codec.Flush()
}
