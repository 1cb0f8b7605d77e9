// Package prepared implements the process-wide prepared-statement
// registry: a fingerprint (normalized query text + parameter OIDs)
// dedupes to one canonical server-side name shared by every client
// alias, refcounted so a Close on one alias never drops a canonical
// entry still in use elsewhere. Grounded on postgres.go's
// connState.preparedStatements map, generalized from a per-connection
// cache into the shared, refcounted registry this engine's pooled
// backends require.
package prepared

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mevdschee/pgdogproxy/metrics"
)

// Fingerprint is the dedup key: normalized query text plus parameter
// type OIDs.
type Fingerprint struct {
	Text  string
	Types string // comma-joined OIDs, stable regardless of map iteration order
}

// NewFingerprint builds a Fingerprint from raw query text and
// parameter type OIDs, normalizing whitespace so cosmetically
// different but semantically identical statements still dedupe.
func NewFingerprint(text string, paramTypes []uint32) Fingerprint {
	fields := strings.Fields(text)
	normalized := strings.ToLower(strings.Join(fields, " "))
	types := make([]string, len(paramTypes))
	for i, t := range paramTypes {
		types[i] = fmt.Sprintf("%d", t)
	}
	return Fingerprint{Text: normalized, Types: strings.Join(types, ",")}
}

// entry is one canonical prepared statement: a shared server-side
// name, its live alias refcount, and a rough memory estimate.
type entry struct {
	canonicalName string
	used          int
	memoryUsage   int
}

// Statements is the process-wide registry. Safe for concurrent use;
// readers clone on access so callers never observe a torn entry.
type Statements struct {
	mu          sync.Mutex
	byFP        map[Fingerprint]*entry
	byName      map[string]Fingerprint
	nextID      int
}

// New returns an empty Statements registry.
func New() *Statements {
	return &Statements{
		byFP:   make(map[Fingerprint]*entry),
		byName: make(map[string]Fingerprint),
	}
}

// Acquire returns the canonical name for fp, creating it (and a fresh
// server-side name) if this is the first alias to reference it.
// Every Acquire must be balanced by a Release.
func (s *Statements) Acquire(fp Fingerprint, text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byFP[fp]; ok {
		e.used++
		return e.canonicalName
	}

	s.nextID++
	name := fmt.Sprintf("pgdog_%d", s.nextID)
	e := &entry{canonicalName: name, used: 1, memoryUsage: len(text)}
	s.byFP[fp] = e
	s.byName[name] = fp
	metrics.PreparedStatements.Set(float64(len(s.byFP)))
	return name
}

// Release decrements the alias refcount for the canonical entry
// backing name. The canonical entry itself is never destroyed here
// while used > 0; eviction under memory pressure is out of scope.
func (s *Statements) Release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.byName[name]
	if !ok {
		return
	}
	e, ok := s.byFP[fp]
	if !ok {
		return
	}
	if e.used > 0 {
		e.used--
	}
}

// Used reports the live alias refcount for the canonical entry
// backing name, for tests and admin introspection.
func (s *Statements) Used(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.byName[name]
	if !ok {
		return 0
	}
	e, ok := s.byFP[fp]
	if !ok {
		return 0
	}
	return e.used
}

// MemoryUsage returns the memory estimate of each canonical entry,
// keyed by canonical name, for the admin SHOW PREPARED STATEMENTS
// surface.
func (s *Statements) MemoryUsage() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.byFP))
	for _, e := range s.byFP {
		out[e.canonicalName] = e.memoryUsage
	}
	return out
}

// Names returns every canonical name currently registered, sorted for
// deterministic admin output.
func (s *Statements) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AliasSet is a per-session map from client-visible statement alias
// to the canonical name it resolves to, so DEALLOCATE and Close can
// release the right canonical entry.
type AliasSet struct {
	byAlias map[string]string
}

// NewAliasSet returns an empty per-session alias set.
func NewAliasSet() *AliasSet {
	return &AliasSet{byAlias: make(map[string]string)}
}

// Bind records that alias now resolves to canonicalName.
func (a *AliasSet) Bind(alias, canonicalName string) {
	a.byAlias[alias] = canonicalName
}

// Resolve returns the canonical name for alias, if bound.
func (a *AliasSet) Resolve(alias string) (string, bool) {
	name, ok := a.byAlias[alias]
	return name, ok
}

// Close removes alias from this session's alias set and releases its
// canonical entry in the shared registry. A no-op if alias is unbound.
func (a *AliasSet) Close(s *Statements, alias string) {
	name, ok := a.byAlias[alias]
	if !ok {
		return
	}
	delete(a.byAlias, alias)
	s.Release(name)
}

// CloseAll releases every alias in this session (DEALLOCATE ALL).
func (a *AliasSet) CloseAll(s *Statements) {
	for alias, name := range a.byAlias {
		delete(a.byAlias, alias)
		s.Release(name)
	}
}
