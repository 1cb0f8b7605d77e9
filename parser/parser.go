// Package parser turns an executable client request buffer into a
// typed Command, following postgres.go's own preference for
// lightweight regex classification over a full SQL grammar: the hot
// path never needs more than the handful of statement shapes this
// engine actually intercepts.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mevdschee/pgdogproxy/buffer"
	"github.com/mevdschee/pgdogproxy/wire"
)

var (
	beginRegex       = regexp.MustCompile(`(?i)^\s*(BEGIN|START\s+TRANSACTION)\b`)
	commitRegex      = regexp.MustCompile(`(?i)^\s*COMMIT\b`)
	rollbackRegex    = regexp.MustCompile(`(?i)^\s*ROLLBACK\b`)
	setRegex         = regexp.MustCompile(`(?i)^\s*SET\s+(?:SESSION\s+)?([a-zA-Z_][a-zA-Z0-9_.]*)\s*(?:=|TO)\s*(.+?)\s*;?\s*$`)
	listenRegex      = regexp.MustCompile(`(?i)^\s*LISTEN\s+"?([a-zA-Z_][a-zA-Z0-9_]*)"?\s*;?\s*$`)
	unlistenRegex    = regexp.MustCompile(`(?i)^\s*UNLISTEN\s+"?([a-zA-Z_][a-zA-Z0-9_]*)"?\s*;?\s*$`)
	notifyRegex      = regexp.MustCompile(`(?i)^\s*NOTIFY\s+"?([a-zA-Z_][a-zA-Z0-9_]*)"?\s*(?:,\s*'([^']*)')?\s*;?\s*$`)
	deallocateRegex  = regexp.MustCompile(`(?i)^\s*DEALLOCATE\s+(ALL|"?[a-zA-Z_][a-zA-Z0-9_]*"?)\s*;?\s*$`)
	showShardsRegex  = regexp.MustCompile(`(?i)^\s*SHOW\s+pgdog\.shards\s*;?\s*$`)
	dmlRegex         = regexp.MustCompile(`(?i)^\s*(SELECT|INSERT|UPDATE|DELETE)\b`)

	banRegex             = regexp.MustCompile(`(?i)^\s*BAN\s*(\d+)?\s*;?\s*$`)
	unbanRegex           = regexp.MustCompile(`(?i)^\s*UNBAN\s*(\d+)?\s*;?\s*$`)
	probeRegex           = regexp.MustCompile(`(?i)^\s*PROBE\s+(\S+)\s*;?\s*$`)
	showPreparedRegex    = regexp.MustCompile(`(?i)^\s*SHOW\s+PREPARED\s+STATEMENTS\s*;?\s*$`)

	// hintBlockRegex isolates the leading /* ... */ comment a client
	// prepends to a statement to carry out-of-band hints; ttlHintRegex
	// and batchHintRegex then pull ttl:N (read-query caching) and
	// batch:N (write coalescing window) out of it independently, so
	// either, both, or neither may be present in any order.
	hintBlockRegex = regexp.MustCompile(`/\*[^*]*\*/`)
	ttlHintRegex   = regexp.MustCompile(`\bttl:(\d+)\b`)
	batchHintRegex = regexp.MustCompile(`\bbatch:(\d+)\b`)
)

// Classify turns an executable buffer into a Command, applying the
// classifier's rules in order: incomplete-request interception, COPY
// continuation, simple-protocol statement forms, then DML detection.
func Classify(buf *buffer.Buffer) Command {
	if incomplete, cmd := classifyIncomplete(buf); incomplete {
		return cmd
	}

	if buf.Copy() {
		return Command{Kind: CommandCopy}
	}

	bq, ok := buf.Query()
	if !ok {
		return Command{Kind: CommandIncomplete}
	}

	// Transaction control and the other intercepted statement forms
	// are only recognized in simple-protocol mode; under the extended
	// protocol they are forwarded like any other statement.
	if bq.Simple {
		if cmd, ok := classifySimple(bq.Text); ok {
			return cmd
		}
	}

	if stripped, _, _ := extractHints(bq.Text); dmlRegex.MatchString(stripped) {
		return classifyQuery(bq.Text, bq.Name)
	}

	return defaultQuery(bq.Text)
}

func classifyIncomplete(buf *buffer.Buffer) (bool, Command) {
	msgs := buf.Iter()
	if len(msgs) == 0 {
		return false, Command{}
	}
	var closeNames []string
	for i, m := range msgs {
		switch m.Code {
		case wire.Sync:
			if i != len(msgs)-1 {
				return false, Command{}
			}
		case wire.CloseMsg:
			c, err := wire.DecodeClose(m.Payload)
			if err != nil {
				return false, Command{}
			}
			if !c.IsStatement {
				// Portal closes carry no alias refcount to release.
				continue
			}
			closeNames = append(closeNames, c.Name)
		default:
			return false, Command{}
		}
	}
	last := msgs[len(msgs)-1]
	if last.Code != wire.Sync {
		return false, Command{}
	}
	return true, Command{Kind: CommandIncomplete, CloseNames: closeNames}
}

func classifySimple(text string) (Command, bool) {
	switch {
	case beginRegex.MatchString(text):
		return Command{Kind: CommandStartTransaction, BeginText: text}, true
	case commitRegex.MatchString(text):
		return Command{Kind: CommandCommit}, true
	case rollbackRegex.MatchString(text):
		return Command{Kind: CommandRollback}, true
	}
	if m := setRegex.FindStringSubmatch(text); m != nil {
		return Command{Kind: CommandSet, SetName: strings.ToLower(m[1]), SetValue: strings.Trim(m[2], "'")}, true
	}
	if m := listenRegex.FindStringSubmatch(text); m != nil {
		return Command{Kind: CommandListen, Channel: m[1]}, true
	}
	if m := unlistenRegex.FindStringSubmatch(text); m != nil {
		return Command{Kind: CommandUnlisten, Channel: m[1]}, true
	}
	if m := notifyRegex.FindStringSubmatch(text); m != nil {
		return Command{Kind: CommandNotify, Channel: m[1], Payload: m[2]}, true
	}
	if m := deallocateRegex.FindStringSubmatch(text); m != nil {
		name := strings.Trim(m[1], `"`)
		if strings.EqualFold(name, "ALL") {
			return Command{Kind: CommandDeallocate, DeallocateAll: true}, true
		}
		return Command{Kind: CommandDeallocate, DeallocateName: name}, true
	}
	if showShardsRegex.MatchString(text) {
		return Command{Kind: CommandShards}, true
	}
	if cmd, ok := classifyAdmin(text); ok {
		return cmd, true
	}
	return Command{}, false
}

// classifyAdmin recognizes the admin command surface (BAN, UNBAN,
// PROBE, SHOW PREPARED STATEMENTS), sent by the admin CLI over the
// same simple-query wire path as any other intercepted statement.
func classifyAdmin(text string) (Command, bool) {
	if m := banRegex.FindStringSubmatch(text); m != nil {
		cmd := Command{Kind: CommandAdmin, Admin: AdminBan}
		if m[1] != "" {
			id, _ := strconv.Atoi(m[1])
			cmd.AdminID, cmd.HasAdminID = id, true
		}
		return cmd, true
	}
	if m := unbanRegex.FindStringSubmatch(text); m != nil {
		cmd := Command{Kind: CommandAdmin, Admin: AdminUnban}
		if m[1] != "" {
			id, _ := strconv.Atoi(m[1])
			cmd.AdminID, cmd.HasAdminID = id, true
		}
		return cmd, true
	}
	if m := probeRegex.FindStringSubmatch(text); m != nil {
		return Command{Kind: CommandAdmin, Admin: AdminProbe, ProbeURL: m[1]}, true
	}
	if showPreparedRegex.MatchString(text) {
		return Command{Kind: CommandAdmin, Admin: AdminShowPreparedStatements}, true
	}
	return Command{}, false
}

// classifyQuery builds a CommandQuery with keys/distinct/limit
// extracted for the router. Shard-key resolution against the table's
// configured sharding column happens in the router, not here: the
// parser has no cluster configuration to consult.
func classifyQuery(text, statement string) Command {
	text, ttl, batchMs := extractHints(text)
	byColumn := ExtractKeys(text)
	var keys []Key
	for _, ks := range byColumn {
		keys = append(keys, ks...)
	}

	readOnly := strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), "SELECT")
	if !readOnly {
		ttl = 0 // caching only ever applies to reads
	} else {
		batchMs = 0 // coalescing only ever applies to writes
	}

	return Command{
		Kind:      CommandQuery,
		Text:      text,
		Statement: statement,
		Keys:      keys,
		Distinct:  ExtractDistinct(text),
		Limit:     ExtractLimit(text),
		Route:     Route{Shard: AllShards(), Write: !readOnly, ReadOnly: readOnly},
		TTL:       ttl,
		BatchMs:   batchMs,
	}
}

// extractHints strips a leading /* ttl:N batch:N */ comment off text
// and returns the remainder plus whichever hints it carried, so
// identical statements batch and cache together regardless of the
// hint's exact wording.
func extractHints(text string) (stripped string, ttl, batchMs int) {
	block := hintBlockRegex.FindString(text)
	if block == "" {
		return text, 0, 0
	}
	if m := ttlHintRegex.FindStringSubmatch(block); m != nil {
		ttl, _ = strconv.Atoi(m[1])
	}
	if m := batchHintRegex.FindStringSubmatch(block); m != nil {
		batchMs, _ = strconv.Atoi(m[1])
	}
	stripped = strings.TrimSpace(hintBlockRegex.ReplaceAllString(text, ""))
	return stripped, ttl, batchMs
}
