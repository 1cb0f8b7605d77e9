package writebatch

import "errors"

// Errors returned by a Manager's Enqueue. They carry no shard/server
// identity of their own; callers that need to report which server a
// failure came from already have the Manager that produced it.
var (
	// ErrManagerClosed is returned when a write is enqueued after Close.
	ErrManagerClosed = errors.New("write batch manager is closed")

	// ErrTimeout is returned when a batched write doesn't complete
	// within Enqueue's wait bound.
	ErrTimeout = errors.New("write batch operation timeout")
)
