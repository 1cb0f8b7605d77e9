// Package router binds a parsed Command to a Route: a shard set plus
// a read/write decision, using WHERE-clause key extraction, DISTINCT/
// LIMIT hints, and the configured sharding function. Grounded on a
// reference hash-range proxy's shard lookup, generalized to the
// hash/range/list/centroid sharders postgres.go never needed.
package router

import (
	"strconv"

	"github.com/mevdschee/pgdogproxy/metrics"
	"github.com/mevdschee/pgdogproxy/parser"
	"github.com/mevdschee/pgdogproxy/sharding"
)

// MappingKind names which sharding strategy a Table uses.
type MappingKind int

const (
	MappingHash MappingKind = iota
	MappingRange
	MappingList
	MappingCentroid
)

// Table describes how one sharded table's column maps to a shard.
type Table struct {
	Name      string
	Column    string
	Kind      MappingKind
	NumShards int
	Hasher    sharding.Hasher
	Ranges    *sharding.RangeTable
	Lists     *sharding.ListTable
	Centroids *sharding.Centroids
}

// shardFor resolves one key against this table's configured mapping.
// ok is false when the key cannot yet be decided (e.g. an unbound
// parameter in extended protocol with no Bind seen).
func (t Table) shardFor(k parser.Key) (shards []int, ok bool) {
	if k.Kind != parser.KeyConstant {
		return nil, false
	}
	switch t.Kind {
	case MappingHash:
		s, err := sharding.Shards(k.Value, t.NumShards, t.Hasher)
		if err != nil {
			return nil, false
		}
		return []int{s}, true
	case MappingRange:
		if t.Ranges == nil {
			return nil, false
		}
		s, found := t.Ranges.Shard(k.Value.Int)
		if !found {
			return nil, false
		}
		return []int{s}, true
	case MappingList:
		if t.Lists == nil {
			return nil, false
		}
		s, found := t.Lists.Shard(k.Value.Str)
		if !found {
			return nil, false
		}
		return []int{s}, true
	case MappingCentroid:
		// Centroid sharding operates on vector queries, not scalar
		// equality keys; callers needing it use ProbeCentroid directly.
		return nil, false
	default:
		return nil, false
	}
}

// Config is the subset of cluster configuration the router consults:
// the set of sharded tables, keyed by lowercased table name, and the
// total shard count for this cluster (for SHOW pgdog.shards).
type Config struct {
	Tables     map[string]Table
	TotalShards int
}

// Router resolves Commands into Routes.
type Router struct {
	cfg Config
}

// New builds a Router over the given table configuration.
func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// NumShards returns the total shard count configured for this
// cluster, for the synthesized SHOW pgdog.shards reply.
func (r *Router) NumShards() int {
	return r.cfg.TotalShards
}

// Route computes the Route for cmd. For non-Query commands this is
// simply the command's own route (defaulting to write/all-shards).
// For Query commands, candidate keys are resolved against every
// configured table and converged into a single Shard.
func (r *Router) Route(cmd parser.Command) parser.Route {
	if cmd.Kind != parser.CommandQuery {
		return parser.WriteAllRoute()
	}

	var shards []int
	decided := false
	speculative := false

	for _, table := range r.cfg.Tables {
		for _, k := range cmd.Keys {
			if k.Column != "" && k.Column != table.Column {
				continue
			}
			if k.Kind == parser.KeyParameter {
				// Extended protocol, no Bind seen yet: the route is
				// speculative until a later Bind supplies the value.
				speculative = true
				continue
			}
			if ss, ok := table.shardFor(k); ok {
				shards = append(shards, ss...)
				decided = true
			}
		}
	}

	route := cmd.Route
	if decided {
		route.Shard = Converge(shards)
	} else {
		route.Shard = parser.AllShards()
	}
	route.Speculative = speculative && !decided
	return route
}

// RouteWithBind re-resolves a speculative Query route once a Bind's
// parameter values are known, substituting bound values for
// KeyParameter keys before converging.
func (r *Router) RouteWithBind(cmd parser.Command, params [][]byte) parser.Route {
	resolved := make([]parser.Key, len(cmd.Keys))
	for i, k := range cmd.Keys {
		if k.Kind == parser.KeyParameter && k.Pos > 0 && k.Pos <= len(params) {
			if params[k.Pos-1] == nil {
				resolved[i] = parser.Key{Kind: parser.KeyNull, Column: k.Column}
				continue
			}
			raw := string(params[k.Pos-1])
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				resolved[i] = parser.Key{Kind: parser.KeyConstant, Value: sharding.Value{Type: sharding.ValueBigint, Int: n}, Column: k.Column}
			} else {
				resolved[i] = parser.Key{Kind: parser.KeyConstant, Value: sharding.Value{Type: sharding.ValueText, Str: raw}, Column: k.Column}
			}
			continue
		}
		resolved[i] = k
	}
	cmd.Keys = resolved
	return r.Route(cmd)
}

// Converge reduces per-key shard decisions into a single Shard:
// empty input yields All, unanimous agreement yields Direct, any
// disagreement yields a deduplicated Multi.
func Converge(shardIDs []int) parser.Shard {
	if len(shardIDs) == 0 {
		metrics.RouteDecisions.WithLabelValues("all").Inc()
		return parser.AllShards()
	}
	first := shardIDs[0]
	allSame := true
	for _, s := range shardIDs[1:] {
		if s != first {
			allSame = false
			break
		}
	}
	if allSame {
		metrics.RouteDecisions.WithLabelValues("direct").Inc()
		return parser.DirectShard(first)
	}
	metrics.RouteDecisions.WithLabelValues("multi").Inc()
	return parser.MultiShard(shardIDs)
}
