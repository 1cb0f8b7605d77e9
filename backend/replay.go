package backend

import (
	"context"
	"database/sql"
	"fmt"
)

// Replay holds the session-preamble state re-emitted against a freshly
// checked-out server: the pending BEGIN (if a transaction is open)
// and every SET accumulated since, in the order the client issued
// them. Grounded on postgres.go's own practice of replaying prepared
// statements on reconnect in its handleParse/handleBind cache paths,
// generalized to a full BEGIN+SET preamble since this
// engine's pool hands out any free backend rather than a dedicated one.
type Replay struct {
	beginText string
	hasBegin  bool
	setOrder  []string
	setValue  map[string]string
}

// NewReplay returns an empty session-replay state.
func NewReplay() *Replay {
	return &Replay{setValue: make(map[string]string)}
}

// SetBegin records the BEGIN statement text to replay on next checkout.
func (r *Replay) SetBegin(text string) {
	r.beginText = text
	r.hasBegin = true
}

// ClearBegin forgets the recorded BEGIN once COMMIT/ROLLBACK lands.
func (r *Replay) ClearBegin() {
	r.beginText = ""
	r.hasBegin = false
}

// SetParam records a SET so it replays before the next statement on a
// fresh backend. A repeated name keeps its original position in
// setOrder but takes the latest value.
func (r *Replay) SetParam(name, value string) {
	if _, exists := r.setValue[name]; !exists {
		r.setOrder = append(r.setOrder, name)
	}
	r.setValue[name] = value
}

// Apply re-emits the recorded BEGIN and SET preamble against db.
func (r *Replay) Apply(ctx context.Context, db *sql.DB) error {
	if r.hasBegin {
		if _, err := db.ExecContext(ctx, r.beginText); err != nil {
			return fmt.Errorf("replay BEGIN: %w", err)
		}
	}
	for _, name := range r.setOrder {
		stmt := fmt.Sprintf("SET %s = %s", name, quoteSetValue(r.setValue[name]))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("replay SET %s: %w", name, err)
		}
	}
	return nil
}

func quoteSetValue(v string) string {
	return "'" + v + "'"
}
