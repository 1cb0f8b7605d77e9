// Package buffer accumulates an in-flight batch of client messages
// until the batch is executable, mirroring postgres.go's own
// per-connection message loop but pulled out into its own reusable type
// so the parser and router never see a message more than once.
package buffer

import "github.com/mevdschee/pgdogproxy/wire"

// BufferedQuery is either a simple Query (text, Simple=true) or a
// Parse (prepared statement text + name, Extended=true). The two are
// kept distinct because transaction-control statements are only
// intercepted in simple-query mode.
type BufferedQuery struct {
	Text     string
	Name     string // statement name, only set for Parse
	Simple   bool
	Extended bool
}

// Buffer is an ordered sequence of messages forming one logical unit,
// never routed until Executable reports true.
type Buffer struct {
	messages []wire.Message
	inCopy   bool
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{messages: make([]wire.Message, 0, 4)}
}

// Push appends a message to the batch, tracking COPY sub-protocol state.
func (b *Buffer) Push(msg wire.Message) {
	switch msg.Code {
	case wire.CopyData:
		b.inCopy = true
	case wire.CopyDone, wire.CopyFail:
		b.inCopy = false
	}
	b.messages = append(b.messages, msg)
}

// Executable reports true iff the last message is a Sync ('S') or a
// simple Query ('Q'), or a COPY continuation is active.
func (b *Buffer) Executable() bool {
	if b.inCopy {
		return true
	}
	if len(b.messages) == 0 {
		return false
	}
	last := b.messages[len(b.messages)-1].Code
	return last == wire.Sync || last == wire.Query
}

// Query returns the first simple Query or Parse message in the batch,
// whichever appears first, as a BufferedQuery.
func (b *Buffer) Query() (BufferedQuery, bool) {
	for _, msg := range b.messages {
		switch msg.Code {
		case wire.Query:
			return BufferedQuery{Text: wire.QueryString(msg.Payload), Simple: true}, true
		case wire.Parse:
			p, err := wire.DecodeParse(msg.Payload)
			if err != nil {
				continue
			}
			return BufferedQuery{Text: p.Query, Name: p.Statement, Extended: true}, true
		}
	}
	return BufferedQuery{}, false
}

// Parameters returns the last Bind message in the batch, if any.
func (b *Buffer) Parameters() (wire.BindMessage, bool) {
	var last wire.BindMessage
	found := false
	for _, msg := range b.messages {
		if msg.Code == wire.Bind {
			if bind, err := wire.DecodeBind(msg.Payload); err == nil {
				last = bind
				found = true
			}
		}
	}
	return last, found
}

// Copy reports whether a COPY sub-protocol is currently in flight.
func (b *Buffer) Copy() bool { return b.inCopy }

// IsEmpty reports whether the batch holds no messages.
func (b *Buffer) IsEmpty() bool { return len(b.messages) == 0 }

// Iter returns the accumulated messages in arrival order. Callers must
// not retain the slice past the next Clear, since Clear reuses the
// backing array.
func (b *Buffer) Iter() []wire.Message { return b.messages }

// Clear empties the batch, reusing the underlying array so repeated
// batches on one connection do not reallocate. Does not reset inCopy:
// a COPY sub-protocol spans multiple otherwise-independent batches.
func (b *Buffer) Clear() {
	b.messages = b.messages[:0]
}
