// Package pool manages per (database, shard, role) connection pools:
// checkout with timeout, ban/unban, and periodic health checks.
// Grounded on replica.Pool (round-robin selection, net.DialTimeout
// health probes, bracket-tagged log lines) generalized
// from a single primary+replicas pair into one pool per
// (database, shard, role) triple, and on lib/pq for the actual
// backend dial.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/mevdschee/pgdogproxy/metrics"
	"github.com/mevdschee/pgdogproxy/writebatch"
)

func roleLabel(r Role) string {
	if r == RoleReplica {
		return "replica"
	}
	return "primary"
}

func banReasonLabel(reason BanReason) string {
	switch reason {
	case BanManual:
		return "manual"
	case BanHealthcheck:
		return "healthcheck"
	case BanConnect:
		return "connect"
	default:
		return "none"
	}
}

// Role distinguishes a primary pool from a replica pool for a shard.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

// State is a server's checkout eligibility.
type State int

const (
	StateUp State = iota
	StateBanned
	StateOffline
)

// BanReason records why a server transitioned to StateBanned.
type BanReason int

const (
	BanNone BanReason = iota
	BanManual
	BanHealthcheck
	BanConnect
)

// Server is one backend connection slot within a Pool: a stable
// numeric id, its address, and its ban/offline state.
type Server struct {
	ID      int
	Address string

	mu        sync.Mutex
	state     State
	banReason BanReason
	bannedAt  time.Time
	inUse     bool
	db        *sql.DB
	wb        *writebatch.Manager
}

// Info is a read-only snapshot of a Server's state, for admin enumeration.
type Info struct {
	PoolID    int // cluster-wide stable id, for BAN/UNBAN by id
	Database  string
	Shard     int
	Role      Role
	ServerID  int
	Address   string
	State     State
	BanReason BanReason
	BannedAt  time.Time
	InUse     bool
}

// ServerHandle is the leased connection returned by Checkout. It
// carries only a back-reference token (pool + server id), not a
// pointer cycle back to the pool, so Release can find its way home
// without the handle keeping the pool alive by a hard reference.
type ServerHandle struct {
	Database string
	Shard    int
	Role     Role
	ServerID int
	Address  string
	DB       *sql.DB

	// WriteBatch coalesces same-shard writes hinted with a batch:N
	// comment against this server. One Manager per server, shared
	// across every session's handle so concurrent clients' writes
	// actually group together.
	WriteBatch *writebatch.Manager

	pool *Pool
}

// Options configures ban duration and connect behavior for a Pool.
type Options struct {
	BanDuration    time.Duration
	ConnectTimeout time.Duration
	HealthInterval time.Duration
}

func defaultOptions(o Options) Options {
	if o.BanDuration <= 0 {
		o.BanDuration = 60 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	return o
}

// Pool is a fair-FIFO checkout waitlist over a fixed set of backend
// servers for one (database, shard, role).
type Pool struct {
	Database string
	Shard    int
	Role     Role

	opts Options

	mu      sync.Mutex
	servers []*Server
	waiters []chan struct{} // FIFO queue of parked checkout attempts
	rrIndex int
}

// New builds a Pool over the given DSNs, one Server per address.
// Connections are opened lazily on first Checkout.
func New(database string, shard int, role Role, addresses []string, opts Options) *Pool {
	opts = defaultOptions(opts)
	p := &Pool{Database: database, Shard: shard, Role: role, opts: opts}
	for i, addr := range addresses {
		p.servers = append(p.servers, &Server{ID: i, Address: addr, state: StateUp})
	}
	return p
}

// Checkout waits up to timeout for a free, unbanned server, dialing
// it lazily on first use (Requested -> WaitingForFree|ConnectingNew ->
// Leased). It returns a typed pool error on timeout or exhaustion.
func (p *Pool) Checkout(ctx context.Context, timeout time.Duration) (*ServerHandle, error) {
	start := time.Now()
	p.mu.Lock()
	if len(p.servers) == 0 {
		p.mu.Unlock()
		if p.Role == RoleReplica {
			return nil, errKind(KindNoReplicas)
		}
		return nil, errKind(KindNoPrimary)
	}

	deadline := time.Now().Add(timeout)
	for {
		if srv := p.tryLeaseLocked(); srv != nil {
			p.mu.Unlock()
			db, err := p.connect(srv)
			if err != nil {
				p.releaseLocked(srv, false)
				return nil, err
			}
			metrics.PoolCheckoutDuration.WithLabelValues(p.Database, strconv.Itoa(p.Shard), roleLabel(p.Role)).Observe(time.Since(start).Seconds())
			metrics.DatabaseQueries.WithLabelValues(strconv.Itoa(p.Shard), roleLabel(p.Role)).Inc()
			srv.mu.Lock()
			wb := srv.wb
			srv.mu.Unlock()
			return &ServerHandle{
				Database: p.Database, Shard: p.Shard, Role: p.Role,
				ServerID: srv.ID, Address: srv.Address, DB: db, WriteBatch: wb, pool: p,
			}, nil
		}

		wake := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, p.timeoutError()
		}
		select {
		case <-wake:
		case <-time.After(remaining):
			return nil, p.timeoutError()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		p.mu.Lock()
	}
}

func (p *Pool) timeoutError() error {
	if p.Role == RoleReplica {
		return errKind(KindReplicaCheckoutTimeout)
	}
	return errKind(KindCheckoutTimeout)
}

// tryLeaseLocked scans servers round-robin for the first Up, free
// server, marks it in-use, and returns it. Caller holds p.mu.
func (p *Pool) tryLeaseLocked() *Server {
	n := len(p.servers)
	for i := 0; i < n; i++ {
		idx := (p.rrIndex + i) % n
		srv := p.servers[idx]
		srv.mu.Lock()
		if p.expireBanLocked(srv) && srv.state == StateUp && !srv.inUse {
			srv.inUse = true
			srv.mu.Unlock()
			p.rrIndex = (idx + 1) % n
			return srv
		}
		srv.mu.Unlock()
	}
	return nil
}

// expireBanLocked auto-unbans srv if its ban interval has elapsed.
// Caller holds srv.mu.
func (p *Pool) expireBanLocked(srv *Server) bool {
	if srv.state == StateBanned && time.Since(srv.bannedAt) > p.opts.BanDuration {
		srv.state = StateUp
		srv.banReason = BanNone
		log.Printf("[Pool] server %d (%s) ban expired, back to Up", srv.ID, srv.Address)
	}
	return srv.state != StateOffline
}

func (p *Pool) connect(srv *Server) (*sql.DB, error) {
	srv.mu.Lock()
	if srv.db != nil {
		db := srv.db
		srv.mu.Unlock()
		return db, nil
	}
	srv.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
	defer cancel()

	db, err := sql.Open("postgres", srv.Address)
	if err != nil {
		return nil, fmt.Errorf("pool: open %s: %w", srv.Address, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errKind(KindConnectTimeout)
	}

	srv.mu.Lock()
	srv.db = db
	srv.wb = writebatch.New(db, srv.ID, p.Shard, writebatch.DefaultConfig())
	srv.mu.Unlock()
	go srv.wb.StartAdaptiveAdjustment(context.Background())
	return db, nil
}

// Release returns a handle's server to the pool. ok=false starts a
// background health check of the server; the server is leasable again
// at once, and a failing health check bans it.
func (p *Pool) Release(h *ServerHandle, ok bool) {
	if h == nil || h.pool != p {
		return
	}
	srv := p.serverByID(h.ServerID)
	if srv == nil {
		return
	}
	p.releaseLocked(srv, ok)
}

func (p *Pool) releaseLocked(srv *Server, ok bool) {
	srv.mu.Lock()
	srv.inUse = false
	needsCheck := !ok
	srv.mu.Unlock()

	if needsCheck {
		go p.healthCheck(srv)
	}
	p.wakeOneWaiter()
}

func (p *Pool) wakeOneWaiter() {
	p.mu.Lock()
	if len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()
	select {
	case w <- struct{}{}:
	default:
	}
}

func (p *Pool) serverByID(id int) *Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.servers {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Ban excludes a server from checkout until its ban interval elapses
// or it is explicitly Unban'd.
func (p *Pool) Ban(serverID int, reason BanReason) error {
	srv := p.serverByID(serverID)
	if srv == nil {
		return errNoShard(p.Shard)
	}
	srv.mu.Lock()
	srv.state = StateBanned
	srv.banReason = reason
	srv.bannedAt = time.Now()
	srv.mu.Unlock()
	metrics.PoolBanned.WithLabelValues(banReasonLabel(reason)).Inc()
	log.Printf("[Pool] server %d (%s) banned: %v", serverID, srv.Address, reason)
	return nil
}

// Unban immediately clears a server's ban, regardless of the
// configured ban interval.
func (p *Pool) Unban(serverID int) error {
	srv := p.serverByID(serverID)
	if srv == nil {
		return errNoShard(p.Shard)
	}
	srv.mu.Lock()
	srv.state = StateUp
	srv.banReason = BanNone
	srv.mu.Unlock()
	log.Printf("[Pool] server %d (%s) unbanned", serverID, srv.Address)
	return nil
}

// Pools enumerates this pool's servers for admin introspection.
func (p *Pool) Pools() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.servers))
	for _, s := range p.servers {
		s.mu.Lock()
		out = append(out, Info{
			Database: p.Database, Shard: p.Shard, Role: p.Role,
			ServerID: s.ID, Address: s.Address, State: s.state,
			BanReason: s.banReason, BannedAt: s.bannedAt, InUse: s.inUse,
		})
		s.mu.Unlock()
	}
	return out
}

// BanServer bans the server with the given local id within this pool.
// Reports whether that id was found.
func (p *Pool) BanServer(serverID int, reason BanReason) bool {
	if p.serverByID(serverID) == nil {
		return false
	}
	p.Ban(serverID, reason)
	return true
}

// UnbanServer unbans the server with the given local id within this
// pool. Reports whether that id was found.
func (p *Pool) UnbanServer(serverID int) bool {
	if p.serverByID(serverID) == nil {
		return false
	}
	p.Unban(serverID)
	return true
}

// healthCheck pings a server after a failed release and bans it on
// failure, mirroring checkReplica's dial probe but over the
// already-open *sql.DB rather than a bare net.Dial.
func (p *Pool) healthCheck(srv *Server) {
	srv.mu.Lock()
	db := srv.db
	srv.mu.Unlock()
	if db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Printf("[Pool] health check failed for server %d (%s): %v", srv.ID, srv.Address, err)
		p.Ban(srv.ID, BanHealthcheck)
	}
}

// StartHealthChecks runs periodic background health checks on every
// server in the pool until ctx is canceled.
func (p *Pool) StartHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			servers := append([]*Server(nil), p.servers...)
			p.mu.Unlock()
			for _, s := range servers {
				go p.healthCheck(s)
			}
		}
	}
}
