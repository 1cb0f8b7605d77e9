package pool

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ShardPools holds the primary and replica pools for one shard of
// one database.
type ShardPools struct {
	Primary  *Pool
	Replicas []*Pool
}

// Cluster is the top-level data model: databases, each with a set of
// shards, each with a primary pool and zero or more replica pools.
type Cluster struct {
	Databases map[string]map[int]*ShardPools
}

// NewCluster builds an empty Cluster ready for AddShard calls.
func NewCluster() *Cluster {
	return &Cluster{Databases: make(map[string]map[int]*ShardPools)}
}

// AddShard registers a shard's pools for a database.
func (c *Cluster) AddShard(database string, shard int, sp *ShardPools) {
	shards, ok := c.Databases[database]
	if !ok {
		shards = make(map[int]*ShardPools)
		c.Databases[database] = shards
	}
	shards[shard] = sp
}

// Shard returns the pools for one (database, shard) pair.
func (c *Cluster) Shard(database string, shard int) (*ShardPools, error) {
	shards, ok := c.Databases[database]
	if !ok {
		return nil, errKind(KindNoDatabases)
	}
	sp, ok := shards[shard]
	if !ok {
		return nil, errNoShard(shard)
	}
	return sp, nil
}

// Checkout resolves (database, shard, role) to a leased server
// handle. For RoleReplica it tries each replica pool registered for
// the shard in registration order, starting from the first on every
// call, surfacing AllReplicasDown only once every replica pool has
// been tried and failed.
func (c *Cluster) Checkout(ctx context.Context, database string, shard int, role Role, timeout time.Duration) (*ServerHandle, error) {
	sp, err := c.Shard(database, shard)
	if err != nil {
		return nil, err
	}
	if role == RolePrimary {
		if sp.Primary == nil {
			return nil, errKind(KindNoPrimary)
		}
		return sp.Primary.Checkout(ctx, timeout)
	}

	if len(sp.Replicas) == 0 {
		return nil, errKind(KindNoReplicas)
	}
	var lastErr error
	for _, p := range sp.Replicas {
		h, err := p.Checkout(ctx, timeout)
		if err == nil {
			return h, nil
		}
		lastErr = err
	}
	_ = lastErr
	return nil, errKind(KindAllReplicasDown)
}

// Release returns a handle to whichever pool it was leased from.
func (c *Cluster) Release(h *ServerHandle, ok bool) {
	if h == nil || h.pool == nil {
		return
	}
	h.pool.Release(h, ok)
}

// allPoolsWithOwner walks the cluster in deterministic order (database
// name, then shard id, then primary-before-replicas), pairing every
// server's Info with the *Pool it came from so admin dispatch can act
// on it directly without a second lookup pass.
func (c *Cluster) allPoolsWithOwner() ([]Info, []*Pool) {
	var infos []Info
	var owners []*Pool
	for _, db := range c.sortedDatabases() {
		shards := c.Databases[db]
		for _, shard := range sortedShards(shards) {
			sp := shards[shard]
			if sp.Primary != nil {
				for _, info := range sp.Primary.Pools() {
					infos = append(infos, info)
					owners = append(owners, sp.Primary)
				}
			}
			for _, r := range sp.Replicas {
				for _, info := range r.Pools() {
					infos = append(infos, info)
					owners = append(owners, r)
				}
			}
		}
	}
	for i := range infos {
		infos[i].PoolID = i
	}
	return infos, owners
}

// AllPools enumerates every pool's servers across the whole cluster,
// assigning each a stable cluster-wide PoolID, for the admin
// BAN/UNBAN-by-id and SHOW ... surfaces.
func (c *Cluster) AllPools() []Info {
	infos, _ := c.allPoolsWithOwner()
	return infos
}

// Pools returns every distinct *Pool in the cluster (primary and
// replica, across every database and shard), for callers that need to
// operate on the pools themselves rather than a read-only Info
// snapshot, e.g. starting each pool's background health checks.
func (c *Cluster) Pools() []*Pool {
	_, owners := c.allPoolsWithOwner()
	seen := make(map[*Pool]bool, len(owners))
	var pools []*Pool
	for _, p := range owners {
		if seen[p] {
			continue
		}
		seen[p] = true
		pools = append(pools, p)
	}
	return pools
}

func (c *Cluster) sortedDatabases() []string {
	names := make([]string, 0, len(c.Databases))
	for name := range c.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedShards(shards map[int]*ShardPools) []int {
	ids := make([]int, 0, len(shards))
	for id := range shards {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// BanByID bans the server identified by a cluster-wide PoolID, as
// previously reported by AllPools.
func (c *Cluster) BanByID(id int, reason BanReason) error {
	infos, owners := c.allPoolsWithOwner()
	for i, info := range infos {
		if info.PoolID == id {
			owners[i].BanServer(info.ServerID, reason)
			return nil
		}
	}
	return fmt.Errorf("pool: unknown pool id %d", id)
}

// UnbanByID unbans the server identified by a cluster-wide PoolID.
func (c *Cluster) UnbanByID(id int) error {
	infos, owners := c.allPoolsWithOwner()
	for i, info := range infos {
		if info.PoolID == id {
			owners[i].UnbanServer(info.ServerID)
			return nil
		}
	}
	return fmt.Errorf("pool: unknown pool id %d", id)
}

// BanAll bans every server across the whole cluster, for bare "BAN"
// with no id.
func (c *Cluster) BanAll(reason BanReason) {
	_, owners := c.allPoolsWithOwner()
	seen := make(map[*Pool]bool, len(owners))
	for _, p := range owners {
		if seen[p] {
			continue
		}
		seen[p] = true
		for _, info := range p.Pools() {
			p.BanServer(info.ServerID, reason)
		}
	}
}

// UnbanAll unbans every server across the whole cluster, for bare
// "UNBAN" with no id.
func (c *Cluster) UnbanAll() {
	_, owners := c.allPoolsWithOwner()
	seen := make(map[*Pool]bool, len(owners))
	for _, p := range owners {
		if seen[p] {
			continue
		}
		seen[p] = true
		for _, info := range p.Pools() {
			p.UnbanServer(info.ServerID)
		}
	}
}
