// Package sharding provides pure mappings from typed key values to
// shard ids. Every function here is deterministic: the same (value,
// operator, config) always yields the same shard, across runs and
// processes.
//
// The SHA-1 hasher is grounded on postgres.go's own use of
// crypto/sha1 for cache-key hashing; the hash-range shard lookup is
// grounded on a reference hash-range proxy's shard-selection logic.
package sharding

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
)

// Hasher names the supported hash families for the Shards(n) mapping.
type Hasher int

const (
	// HasherPostgres mirrors PostgreSQL's internal hash_any distribution
	// for bigint keys (FNV-1a style, 32-bit, used when the configured
	// hasher is "postgres").
	HasherPostgres Hasher = iota
	// HasherSHA1 takes the lower 32 bits of SHA-1(decimal string of the
	// key) as an unsigned integer, matching postgres.go's own
	// sha1-based cache key hashing.
	HasherSHA1
)

// Value is a typed sharding key value. Exactly one field is set,
// matching the corresponding Type.
type Value struct {
	Type  ValueType
	Int   int64
	Str   string
	Bytes []byte
}

// ValueType distinguishes the typed variants a Shards() hasher accepts.
type ValueType int

const (
	ValueBigint ValueType = iota
	ValueUUID
	ValueText
)

// Shards maps a typed value to a shard id in [0, n) using the
// configured hasher. Text equality is case- and collation-exact.
func Shards(v Value, n int, h Hasher) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("sharding: num_shards must be positive, got %d", n)
	}
	var sum uint32
	switch h {
	case HasherSHA1:
		sum = sha1Lower32(keyBytes(v))
	case HasherPostgres:
		sum = postgresHash(keyBytes(v))
	default:
		return 0, fmt.Errorf("sharding: unknown hasher %d", h)
	}
	return int(sum % uint32(n)), nil
}

// keyBytes renders a Value into the byte sequence hashed by Shards.
// Bigint values are hashed by their canonical decimal string
// representation; UUID/Text/Bytes values are hashed as-is.
func keyBytes(v Value) []byte {
	switch v.Type {
	case ValueBigint:
		return []byte(strconv.FormatInt(v.Int, 10))
	case ValueUUID, ValueText:
		if v.Bytes != nil {
			return v.Bytes
		}
		return []byte(v.Str)
	default:
		return []byte(v.Str)
	}
}

func sha1Lower32(b []byte) uint32 {
	digest := sha1.Sum(b)
	return binary.BigEndian.Uint32(digest[len(digest)-4:])
}

// postgresHash is a small FNV-1a-family hash in the spirit of
// PostgreSQL's internal hash_any; it is not bit-for-bit identical to
// Postgres's own hash function (that would require vendoring Postgres's
// C implementation), but it is deterministic and evenly distributed.
func postgresHash(b []byte) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for _, c := range b {
		h ^= uint32(c)
		h *= prime32
	}
	return h
}

// Range is one half-open interval [Lo, Hi) assigned to a shard.
type Range struct {
	Lo, Hi int64
	Shard  int
}

// RangeTable is a sorted set of half-open ranges, searched by binary
// search; the lower bound is inclusive on ties.
type RangeTable struct {
	ranges []Range
}

// NewRangeTable builds a RangeTable sorted by Lo.
func NewRangeTable(ranges []Range) *RangeTable {
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })
	return &RangeTable{ranges: sorted}
}

// Shard returns the shard owning value, or false if value falls
// outside every configured range.
func (t *RangeTable) Shard(value int64) (int, bool) {
	// Binary search for the last range whose Lo <= value.
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].Lo > value })
	if i == 0 {
		return 0, false
	}
	r := t.ranges[i-1]
	if value >= r.Lo && value < r.Hi {
		return r.Shard, true
	}
	return 0, false
}

// ListTable maps exact values to shards. One value may belong to at
// most one shard; NewListTable returns an error if the configured
// lists would violate that.
type ListTable struct {
	byValue map[string]int
}

// NewListTable builds a ListTable from shard -> member-value lists.
func NewListTable(lists map[int][]string) (*ListTable, error) {
	t := &ListTable{byValue: make(map[string]int)}
	for shard, values := range lists {
		for _, v := range values {
			if existing, ok := t.byValue[v]; ok {
				return nil, fmt.Errorf("sharding: value %q assigned to both shard %d and shard %d", v, existing, shard)
			}
			t.byValue[v] = shard
		}
	}
	return t, nil
}

// Shard returns the shard that owns value.
func (t *ListTable) Shard(value string) (int, bool) {
	s, ok := t.byValue[value]
	return s, ok
}

// Centroids implements a k-means-probe sharder: for a vector value,
// the Probes nearest centroids are found, and the union of their
// assigned shards is returned. A small hand-rolled nearest-centroid
// scan over []float64, matching the scale of postgres.go's own
// numeric helpers.
type Centroids struct {
	Shards     []int // shard id per centroid, same length as Vectors
	Vectors    [][]float64
	ProbeCount int
}

// NewCentroids builds a Centroids sharder. probes is clamped to the
// number of centroids available.
func NewCentroids(shards []int, vectors [][]float64, probes int) (*Centroids, error) {
	if len(shards) != len(vectors) {
		return nil, fmt.Errorf("sharding: centroid shards/vectors length mismatch: %d vs %d", len(shards), len(vectors))
	}
	if probes <= 0 {
		probes = 1
	}
	if probes > len(vectors) {
		probes = len(vectors)
	}
	return &Centroids{Shards: shards, Vectors: vectors, ProbeCount: probes}, nil
}

// Probe returns the set of shard ids (deduplicated) owned by the
// ProbeCount nearest centroids to query.
func (c *Centroids) Probe(query []float64) ([]int, error) {
	if len(c.Vectors) == 0 {
		return nil, fmt.Errorf("sharding: no centroids configured")
	}
	type dist struct {
		idx int
		d   float64
	}
	dists := make([]dist, len(c.Vectors))
	for i, v := range c.Vectors {
		dists[i] = dist{idx: i, d: squaredDistance(query, v)}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].d < dists[j].d })

	seen := make(map[int]bool)
	var out []int
	for i := 0; i < c.ProbeCount; i++ {
		s := c.Shards[dists[i].idx]
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// squaredDistance ranks vectors the same as euclidean distance without
// the sqrt, since only relative order matters for nearest-centroid probing.
func squaredDistance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
