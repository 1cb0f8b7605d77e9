package engine

import (
	"time"

	"github.com/mevdschee/pgdogproxy/parser"
	"github.com/mevdschee/pgdogproxy/prepared"
)

// State is a client session's position in the query-engine state machine.
type State int

const (
	StateIdle State = iota
	StateInTxn
	StateActive // a statement is currently executing against a backend
)

// Session is the per-client state carried across executable buffers:
// transaction membership, session parameters, this session's prepared
// statement aliases, and the pending BEGIN text replayed on the next
// fresh checkout.
type Session struct {
	State State

	Params map[string]string
	Aliases *prepared.AliasSet

	CrossShardDisabled bool
	MemoryUsage        int

	IdleTimeout  time.Duration
	QueryTimeout time.Duration

	// BoundShard is the shard the currently open transaction is
	// pinned to, once the first statement in it has routed.
	BoundShard    int
	HasBoundShard bool

	// PendingSpeculative holds a not-yet-Bound Query command whose
	// route was Shard::All because it referenced an unbound parameter;
	// a later Bind in the same buffer re-routes it before forwarding.
	PendingSpeculative *parser.Command
}

// NewSession returns a fresh Idle session.
func NewSession() *Session {
	return &Session{
		Params:  make(map[string]string),
		Aliases: prepared.NewAliasSet(),
	}
}

// BindShard pins the open transaction to shard. Subsequent statements
// must route to the same shard or be rejected as cross-shard.
func (s *Session) BindShard(shard int) {
	s.BoundShard = shard
	s.HasBoundShard = true
}

// UnbindShard forgets the pinned shard once a transaction ends.
func (s *Session) UnbindShard() {
	s.HasBoundShard = false
	s.BoundShard = 0
}

// CompatibleWithBound reports whether route's shard is compatible
// with the shard the open transaction is already pinned to: identical
// Direct shard, or a route spanning All/Multi that includes it.
func (s *Session) CompatibleWithBound(route parser.Route) bool {
	if !s.HasBoundShard {
		return true
	}
	switch route.Shard.Kind {
	case parser.ShardAll:
		return true
	case parser.ShardDirect:
		return route.Shard.Index == s.BoundShard
	case parser.ShardMulti:
		for _, id := range route.Shard.Set {
			if id == s.BoundShard {
				return true
			}
		}
		return false
	default:
		return false
	}
}
