package parser

import (
	"sort"

	"github.com/mevdschee/pgdogproxy/sharding"
)

// ShardKind distinguishes the variants of a routing decision's shard set.
type ShardKind int

const (
	ShardAll ShardKind = iota
	ShardDirect
	ShardMulti
)

// Shard is a tagged union: All, Direct(i), or Multi(set<i>). Only the
// field matching Kind is meaningful.
type Shard struct {
	Kind  ShardKind
	Index int   // valid when Kind == ShardDirect
	Set   []int // valid when Kind == ShardMulti, never contains duplicates
}

// AllShards returns the Shard::All variant.
func AllShards() Shard { return Shard{Kind: ShardAll} }

// DirectShard returns the Shard::Direct(i) variant.
func DirectShard(i int) Shard { return Shard{Kind: ShardDirect, Index: i} }

// MultiShard returns the Shard::Multi(set) variant, deduplicated and sorted.
func MultiShard(set []int) Shard {
	seen := make(map[int]bool, len(set))
	out := make([]int, 0, len(set))
	for _, s := range set {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Ints(out)
	return Shard{Kind: ShardMulti, Set: out}
}

// Route is the routing decision attached to one executable buffer.
type Route struct {
	Shard      Shard
	Write      bool
	ReadOnly   bool
	Speculative bool // true when the shard choice may be re-decided by a later Bind
}

// WriteAllRoute is the default route for non-Query commands.
func WriteAllRoute() Route {
	return Route{Shard: AllShards(), Write: true}
}

// KeyKind distinguishes the variants of a sharding key.
type KeyKind int

const (
	KeyParameter KeyKind = iota
	KeyConstant
	KeyNull
)

// Key is an extracted candidate sharding key: a bound parameter
// reference, a literal constant, or an explicit NULL. Column is the
// lowercased column name the key was extracted against, when known;
// the router only considers a key for a table whose configured
// sharding column matches.
type Key struct {
	Kind   KeyKind
	Pos    int            // valid when Kind == KeyParameter: 1-based $n position
	Value  sharding.Value // valid when Kind == KeyConstant
	Array  bool
	Column string
}

// DistinctKind distinguishes bare DISTINCT from DISTINCT ON (...).
type DistinctKind int

const (
	DistinctNone DistinctKind = iota
	DistinctRow               // bare DISTINCT
	DistinctColumns           // DISTINCT ON (col, ...)
)

// ColumnRef names a column either by its identifier or its ordinal
// position in the select list.
type ColumnRef struct {
	Name  string
	Index int // 1-based, used when Name == ""
}

// DistinctBy captures a query's DISTINCT clause, if any.
type DistinctBy struct {
	Kind    DistinctKind
	Columns []ColumnRef // valid when Kind == DistinctColumns
}

// Limit captures a query's LIMIT/OFFSET clause. A Bind reference is
// resolved by the router once parameter values are known.
type Limit struct {
	HasLimit  bool
	Limit     int64
	LimitBind int // 1-based $n position, 0 if Limit is a literal
	HasOffset bool
	Offset    int64
	OffsetBind int
}

// CommandKind enumerates the tagged variants of Command.
type CommandKind int

const (
	CommandIncomplete CommandKind = iota
	CommandQuery
	CommandCopy
	CommandStartTransaction
	CommandCommit
	CommandRollback
	CommandSet
	CommandPreparedStatement
	CommandShards
	CommandDeallocate
	CommandListen
	CommandNotify
	CommandUnlisten
	CommandReplicationMeta
	CommandRewrite
	CommandAdmin
)

// AdminKind distinguishes the admin command surface's own variants.
type AdminKind int

const (
	AdminBan AdminKind = iota
	AdminUnban
	AdminProbe
	AdminShowPreparedStatements
)

// Command is the classifier's output: a tagged union over the query
// surface this engine intercepts or routes. Only fields relevant to
// Kind are populated.
type Command struct {
	Kind CommandKind

	// CommandQuery
	Route      Route
	Keys       []Key
	Distinct   DistinctBy
	Limit      Limit
	Text       string
	Statement  string // non-empty for extended-protocol Parse-originated queries
	TTL        int    // ttl:N hint, seconds; 0 means no caching override
	BatchMs    int    // batch:N hint, ms; 0 means no write coalescing

	// CommandStartTransaction
	BeginText string

	// CommandSet
	SetName  string
	SetValue string

	// CommandShards
	NumShards int

	// CommandDeallocate
	DeallocateAll  bool
	DeallocateName string

	// CommandListen / CommandNotify / CommandUnlisten
	Channel string
	Payload string

	// CommandPreparedStatement (extended-protocol Parse of a non-DML statement
	// still needs an alias registered even though it carries no route)
	ParseName string

	// CommandIncomplete: names of statement aliases closed by Close
	// messages in the batch, in arrival order (possibly empty, e.g. a
	// batch of bare Sync messages).
	CloseNames []string

	// CommandAdmin
	Admin      AdminKind
	AdminID    int  // BAN/UNBAN [id]; HasAdminID false means "all pools"
	HasAdminID bool
	ProbeURL   string
}

// defaultQuery returns Query(Route::write(Shard::All)), the fallback
// for any statement the classifier does not otherwise recognize.
func defaultQuery(text string) Command {
	return Command{Kind: CommandQuery, Route: WriteAllRoute(), Text: text}
}
