package engine

import "fmt"

// ErrCrossShard is returned when a statement inside an open
// transaction would route to a shard other than the one the
// transaction is already pinned to, and cross-shard statements are
// disabled for this session.
type ErrCrossShard struct {
	Bound   int
	Wanted  string
}

func (e *ErrCrossShard) Error() string {
	return fmt.Sprintf("engine: cross-shard statement in transaction bound to shard %d (wanted %s)", e.Bound, e.Wanted)
}
