package router

import (
	"testing"

	"github.com/mevdschee/pgdogproxy/parser"
	"github.com/mevdschee/pgdogproxy/sharding"
)

func TestConvergeEmptyYieldsAll(t *testing.T) {
	s := Converge(nil)
	if s.Kind != parser.ShardAll {
		t.Fatalf("expected ShardAll, got %v", s)
	}
}

func TestConvergeAgreementYieldsDirect(t *testing.T) {
	s := Converge([]int{3, 3, 3})
	if s.Kind != parser.ShardDirect || s.Index != 3 {
		t.Fatalf("expected Direct(3), got %+v", s)
	}
}

func TestConvergeDisagreementYieldsMultiNoDuplicates(t *testing.T) {
	s := Converge([]int{1, 2, 1, 5, 2})
	if s.Kind != parser.ShardMulti {
		t.Fatalf("expected Multi, got %+v", s)
	}
	seen := make(map[int]bool)
	for _, id := range s.Set {
		if seen[id] {
			t.Fatalf("duplicate shard id %d in Multi set %v", id, s.Set)
		}
		seen[id] = true
	}
	if len(s.Set) != 3 {
		t.Fatalf("expected 3 unique shards, got %v", s.Set)
	}
}

func newHashRouter() *Router {
	return New(Config{
		Tables: map[string]Table{
			"users": {Name: "users", Column: "id", Kind: MappingHash, NumShards: 12, Hasher: sharding.HasherSHA1},
		},
	})
}

func TestRouteDirectOnSingleKey(t *testing.T) {
	r := newHashRouter()
	cmd := parser.Command{
		Kind: parser.CommandQuery,
		Keys: []parser.Key{{Kind: parser.KeyConstant, Value: sharding.Value{Type: sharding.ValueBigint, Int: 0}}},
		Route: parser.Route{Write: false, ReadOnly: true},
	}
	route := r.Route(cmd)
	if route.Shard.Kind != parser.ShardDirect || route.Shard.Index != 4 {
		t.Fatalf("expected Direct(4) for key 0, got %+v", route.Shard)
	}
}

func TestRouteAllWhenNoKeysResolved(t *testing.T) {
	r := newHashRouter()
	cmd := parser.Command{Kind: parser.CommandQuery, Route: parser.Route{ReadOnly: true}}
	route := r.Route(cmd)
	if route.Shard.Kind != parser.ShardAll {
		t.Fatalf("expected ShardAll, got %+v", route.Shard)
	}
}

func TestRouteSpeculativeOnUnboundParameter(t *testing.T) {
	r := newHashRouter()
	cmd := parser.Command{
		Kind:  parser.CommandQuery,
		Keys:  []parser.Key{{Kind: parser.KeyParameter, Pos: 1}},
		Route: parser.Route{ReadOnly: true},
	}
	route := r.Route(cmd)
	if route.Shard.Kind != parser.ShardAll || !route.Speculative {
		t.Fatalf("expected speculative ShardAll route, got %+v", route)
	}
}

func TestRouteWithBindResolvesSpeculativeRoute(t *testing.T) {
	r := newHashRouter()
	cmd := parser.Command{
		Kind:  parser.CommandQuery,
		Keys:  []parser.Key{{Kind: parser.KeyParameter, Pos: 1}},
		Route: parser.Route{ReadOnly: true},
	}
	route := r.RouteWithBind(cmd, [][]byte{[]byte("0")})
	if route.Shard.Kind != parser.ShardDirect || route.Shard.Index != 4 {
		t.Fatalf("expected Direct(4) after Bind resolution, got %+v", route.Shard)
	}
}

func TestRouteNonQueryDefaultsToWriteAll(t *testing.T) {
	r := newHashRouter()
	route := r.Route(parser.Command{Kind: parser.CommandStartTransaction})
	if route.Shard.Kind != parser.ShardAll || !route.Write {
		t.Fatalf("expected write/all route for non-Query command, got %+v", route)
	}
}
