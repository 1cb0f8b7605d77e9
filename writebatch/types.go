// Package writebatch implements automatic batching of write operations
// (INSERT, UPDATE, DELETE) to improve database throughput.
//
// A Manager is bound to one pooled backend server, identified by its
// server ID and shard. Clients opt into batching with a batch:N SQL
// comment hint, parsed upstream into Enqueue's batchMs argument:
//
//	/* batch:10 */ INSERT INTO logs (message) VALUES ($1)
//
// How it works:
//  1. The router extracts the batch:N hint from the SQL comment.
//  2. The write is added to a batch group keyed by its query text,
//     scoped to this server's Manager.
//  3. The first write into a group starts a timer for batchMs.
//  4. Additional writes join the batch until the timer fires or
//     MaxBatchSize is reached.
//  5. The batch executes against this server's *sql.DB and each write
//     receives its own result, including RETURNING values when the
//     query has a RETURNING clause.
//
// Because every server in the pool runs its own Manager, batches never
// cross shards: a write routed to shard 2 only ever coalesces with
// other writes already landed on shard 2's server.
package writebatch

import (
	"sync"
	"time"
)

// WriteRequest represents a single write operation to be batched
type WriteRequest struct {
	Query           string
	Params          []interface{}
	ResultChan      chan WriteResult
	EnqueuedAt      time.Time
	OnBatchComplete func(batchSize int) // Called when batch executes to update connection state
	HasReturning    bool                // True if query has RETURNING clause
}

// WriteResult contains the result of a write operation. LastInsertId
// has no Postgres equivalent; callers that need a generated key should
// add a RETURNING clause and read ReturningValues instead.
type WriteResult struct {
	AffectedRows    int64
	BatchSize       int             // Number of operations in the batch that executed this request
	ReturningValues [][]interface{} // One row per RETURNING row, column order matching the query
	Error           error
}

// BatchGroup holds a group of write requests with the same batch key
type BatchGroup struct {
	BatchKey  string
	Requests  []*WriteRequest
	FirstSeen time.Time
	mu        sync.Mutex
	timer     *time.Timer
}

// Config holds configuration for the write batch manager
type Config struct {
	MaxBatchSize int // Maximum number of operations per batch (1000 default)

	// MetricsInterval is how often, in seconds, the adaptive loop
	// resamples throughput and reconsiders the current delay.
	MetricsInterval int
	// WriteThreshold is the ops/second above which the adaptive delay
	// increases, batching more aggressively under load.
	WriteThreshold uint64
	// AdaptiveStep is the multiplicative factor applied to the current
	// delay on each adjustment.
	AdaptiveStep float64
	MinDelayMs   int
	MaxDelayMs   int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:    1000,
		MetricsInterval: 1,
		WriteThreshold:  500,
		AdaptiveStep:    1.5,
		MinDelayMs:      1,
		MaxDelayMs:      20,
	}
}

// DefaultMaxBatchSize is the default maximum batch size
const DefaultMaxBatchSize = 1000
