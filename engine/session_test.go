package engine

import (
	"testing"

	"github.com/mevdschee/pgdogproxy/parser"
)

func TestCompatibleWithBoundNoTransactionAlwaysTrue(t *testing.T) {
	s := NewSession()
	route := parser.Route{Shard: parser.DirectShard(7)}
	if !s.CompatibleWithBound(route) {
		t.Fatal("expected any route to be compatible when no transaction is bound")
	}
}

func TestCompatibleWithBoundDirectMismatch(t *testing.T) {
	s := NewSession()
	s.BindShard(2)
	if s.CompatibleWithBound(parser.Route{Shard: parser.DirectShard(3)}) {
		t.Fatal("expected a different direct shard to be incompatible")
	}
	if !s.CompatibleWithBound(parser.Route{Shard: parser.DirectShard(2)}) {
		t.Fatal("expected the same direct shard to be compatible")
	}
}

func TestCompatibleWithBoundMultiIncludesBound(t *testing.T) {
	s := NewSession()
	s.BindShard(2)
	if !s.CompatibleWithBound(parser.Route{Shard: parser.MultiShard([]int{1, 2, 3})}) {
		t.Fatal("expected Multi containing the bound shard to be compatible")
	}
	if s.CompatibleWithBound(parser.Route{Shard: parser.MultiShard([]int{1, 3})}) {
		t.Fatal("expected Multi excluding the bound shard to be incompatible")
	}
}

func TestCompatibleWithBoundAllIsAlwaysCompatible(t *testing.T) {
	s := NewSession()
	s.BindShard(5)
	if !s.CompatibleWithBound(parser.Route{Shard: parser.AllShards()}) {
		t.Fatal("expected ShardAll to always be compatible")
	}
}

func TestUnbindShardClearsState(t *testing.T) {
	s := NewSession()
	s.BindShard(1)
	s.UnbindShard()
	if s.HasBoundShard {
		t.Fatal("expected UnbindShard to clear HasBoundShard")
	}
}
