// Package config loads the cluster topology from an INI file: which
// databases exist, how many shards each spans, where each shard's
// primary and replicas live, and how each sharded table maps its key
// column to a shard. Grounded on the ini-based loadProxyConfig
// section-scanning style (prefix-matched section names, comma-split
// lists, environment variable overrides) generalized from one
// primary+replicas backend per protocol into a routing table per
// sharded database.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/mevdschee/pgdogproxy/router"
	"github.com/mevdschee/pgdogproxy/sharding"
)

// Config is the fully parsed cluster configuration.
type Config struct {
	Listen string // TCP listen address, e.g. ":6432"
	Socket string // optional Unix socket path

	CheckoutTimeout time.Duration
	ConnectTimeout  time.Duration
	BanDuration     time.Duration
	HealthInterval  time.Duration

	Databases map[string]DatabaseConfig
}

// DatabaseConfig is one routable database: its shards and the tables
// whose WHERE-clause keys the router inspects to pick a shard.
type DatabaseConfig struct {
	TotalShards int
	Shards      map[int]ShardConfig
	Tables      map[string]router.Table
}

// ShardConfig is one shard's backing servers.
type ShardConfig struct {
	Primary  string
	Replicas []string
}

// Load reads configuration from an INI file, with environment
// variable overrides for the listen address.
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Listen:          cfg.Section("cluster").Key("listen").MustString(":6432"),
		Socket:          cfg.Section("cluster").Key("socket").String(),
		CheckoutTimeout: time.Duration(cfg.Section("cluster").Key("checkout_timeout_ms").MustInt(5000)) * time.Millisecond,
		ConnectTimeout:  time.Duration(cfg.Section("cluster").Key("connect_timeout_ms").MustInt(5000)) * time.Millisecond,
		BanDuration:     time.Duration(cfg.Section("cluster").Key("ban_duration_ms").MustInt(60000)) * time.Millisecond,
		HealthInterval:  time.Duration(cfg.Section("cluster").Key("health_interval_ms").MustInt(5000)) * time.Millisecond,
		Databases:       make(map[string]DatabaseConfig),
	}

	if v := os.Getenv("PGDOGPROXY_LISTEN"); v != "" {
		c.Listen = v
	}

	if err := loadDatabases(cfg, c); err != nil {
		return nil, err
	}
	if err := loadTables(cfg, c); err != nil {
		return nil, err
	}

	if len(c.Databases) == 0 {
		log.Printf("Warning: no databases configured, proxy will have no shards")
	}
	return c, nil
}

// loadDatabases scans [database.<name>] and [database.<name>.shard.<n>]
// sections, mirroring loadProxyConfig's prefix-matched section scan.
func loadDatabases(cfg *ini.File, c *Config) error {
	for _, sec := range cfg.Sections() {
		name := sec.Name()
		const prefix = "database."
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		if strings.Contains(rest, ".shard.") {
			continue // handled below, once the database itself is known
		}

		db := DatabaseConfig{
			TotalShards: sec.Key("total_shards").MustInt(1),
			Shards:      make(map[int]ShardConfig),
			Tables:      make(map[string]router.Table),
		}
		c.Databases[rest] = db
	}

	for _, sec := range cfg.Sections() {
		name := sec.Name()
		const prefix = "database."
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		parts := strings.SplitN(rest, ".shard.", 2)
		if len(parts) != 2 {
			continue
		}
		dbName, shardPart := parts[0], parts[1]
		shardID, err := strconv.Atoi(shardPart)
		if err != nil {
			return fmt.Errorf("config: invalid shard section %q: %w", name, err)
		}
		db, ok := c.Databases[dbName]
		if !ok {
			return fmt.Errorf("config: shard section %q references undeclared database %q", name, dbName)
		}

		var replicas []string
		if sec.HasKey("replicas") {
			for _, r := range strings.Split(sec.Key("replicas").String(), ",") {
				if r = strings.TrimSpace(r); r != "" {
					replicas = append(replicas, r)
				}
			}
		}
		db.Shards[shardID] = ShardConfig{
			Primary:  sec.Key("primary").String(),
			Replicas: replicas,
		}
	}
	return nil
}

// loadTables scans [table.<database>.<name>] sections for the
// sharding function each table uses, plus any [table.<database>.<name>.range.<n>]
// or [table.<database>.<name>.list.<n>] detail sections.
func loadTables(cfg *ini.File, c *Config) error {
	for _, sec := range cfg.Sections() {
		name := sec.Name()
		const prefix = "table."
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		parts := strings.SplitN(rest, ".", 3)
		if len(parts) < 2 {
			continue
		}
		if len(parts) == 3 {
			continue // detail section, handled alongside its table below
		}
		dbName, tableName := parts[0], parts[1]
		db, ok := c.Databases[dbName]
		if !ok {
			return fmt.Errorf("config: table section %q references undeclared database %q", name, dbName)
		}

		t := router.Table{
			Name:      tableName,
			Column:    sec.Key("column").String(),
			NumShards: db.TotalShards,
		}

		switch kind := strings.ToLower(sec.Key("kind").MustString("hash")); kind {
		case "hash":
			t.Kind = router.MappingHash
			switch strings.ToLower(sec.Key("hasher").MustString("sha1")) {
			case "postgres":
				t.Hasher = sharding.HasherPostgres
			default:
				t.Hasher = sharding.HasherSHA1
			}
		case "range":
			t.Kind = router.MappingRange
			ranges, err := loadRanges(cfg, dbName, tableName)
			if err != nil {
				return err
			}
			t.Ranges = sharding.NewRangeTable(ranges)
		case "list":
			t.Kind = router.MappingList
			lists, err := loadLists(cfg, dbName, tableName)
			if err != nil {
				return err
			}
			listTable, err := sharding.NewListTable(lists)
			if err != nil {
				return err
			}
			t.Lists = listTable
		default:
			return fmt.Errorf("config: table %q has unknown kind %q", name, kind)
		}

		db.Tables[strings.ToLower(tableName)] = t
	}
	return nil
}

func loadRanges(cfg *ini.File, dbName, tableName string) ([]sharding.Range, error) {
	prefix := fmt.Sprintf("table.%s.%s.range.", dbName, tableName)
	var ranges []sharding.Range
	for _, sec := range cfg.Sections() {
		if !strings.HasPrefix(sec.Name(), prefix) {
			continue
		}
		lo, err := sec.Key("lower").Int64()
		if err != nil {
			return nil, fmt.Errorf("config: %s: invalid lower bound: %w", sec.Name(), err)
		}
		hi, err := sec.Key("upper").Int64()
		if err != nil {
			return nil, fmt.Errorf("config: %s: invalid upper bound: %w", sec.Name(), err)
		}
		shard, err := sec.Key("shard").Int()
		if err != nil {
			return nil, fmt.Errorf("config: %s: invalid shard: %w", sec.Name(), err)
		}
		ranges = append(ranges, sharding.Range{Lo: lo, Hi: hi, Shard: shard})
	}
	return ranges, nil
}

func loadLists(cfg *ini.File, dbName, tableName string) (map[int][]string, error) {
	prefix := fmt.Sprintf("table.%s.%s.list.", dbName, tableName)
	lists := make(map[int][]string)
	for _, sec := range cfg.Sections() {
		if !strings.HasPrefix(sec.Name(), prefix) {
			continue
		}
		shard, err := sec.Key("shard").Int()
		if err != nil {
			return nil, fmt.Errorf("config: %s: invalid shard: %w", sec.Name(), err)
		}
		var values []string
		for _, v := range strings.Split(sec.Key("values").String(), ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		lists[shard] = append(lists[shard], values...)
	}
	return lists, nil
}
