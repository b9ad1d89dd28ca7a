package vm

import (
	"reflect"
	"sync/atomic"
)

// Inline Caching for Host Access
//
// Every property, method and index site compiled at OptimizeCallsite or above
// owns a slot. The slot caches the Member or Indexer resolved for each
// receiver type it has seen:
// - most sites only ever see one Go type (monomorphic)
// - some see a handful (polymorphic, up to MaxPICEntries)
// - the rest stop caching (megamorphic)
//
// A cache value is never mutated once published. Updates build a new value
// and swap it into the slot atomically, so concurrent runs of one Assembly
// only ever observe complete snapshots.

// CacheState represents the current state of an inline cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No cached lookup yet
	CacheMonomorphic                   // Single type cached
	CachePolymorphic                   // 2-6 entries
	CacheMegamorphic                   // Too many types, always resolve
)

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	case CacheMegamorphic:
		return "megamorphic"
	}
	return "unknown"
}

// MaxPICEntries is the maximum number of entries in a polymorphic inline cache.
const MaxPICEntries = 6

// InlineCacheEntry holds one resolved access for a receiver type.
type InlineCacheEntry struct {
	Type    reflect.Type
	Member  Member
	Indexer Indexer
}

// InlineCache is an immutable snapshot of one site's cache.
type InlineCache struct {
	State   CacheState
	Entries [MaxPICEntries]InlineCacheEntry
	Count   int
}

var emptyCache = &InlineCache{}

// Lookup returns the entry cached for t.
func (ic *InlineCache) Lookup(t reflect.Type) (InlineCacheEntry, bool) {
	if ic.State == CacheMonomorphic || ic.State == CachePolymorphic {
		for i := 0; i < ic.Count; i++ {
			if ic.Entries[i].Type == t {
				return ic.Entries[i], true
			}
		}
	}
	return InlineCacheEntry{}, false
}

// With returns the cache that results from recording e. The receiver is left
// untouched; recording a type that is already present returns ic itself.
func (ic *InlineCache) With(e InlineCacheEntry) *InlineCache {
	if _, ok := ic.Lookup(e.Type); ok {
		return ic
	}
	switch ic.State {
	case CacheEmpty:
		next := &InlineCache{State: CacheMonomorphic, Count: 1}
		next.Entries[0] = e
		return next

	case CacheMonomorphic, CachePolymorphic:
		if ic.Count >= MaxPICEntries {
			return &InlineCache{State: CacheMegamorphic}
		}
		next := *ic
		next.State = CachePolymorphic
		next.Entries[next.Count] = e
		next.Count++
		return &next
	}
	return ic
}

// Slot is one callsite cache. It is safe for concurrent use.
type Slot struct {
	cache  atomic.Pointer[InlineCache]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// Snapshot returns the current cache.
func (s *Slot) Snapshot() *InlineCache {
	if ic := s.cache.Load(); ic != nil {
		return ic
	}
	return emptyCache
}

// State returns the current cache state.
func (s *Slot) State() CacheState { return s.Snapshot().State }

// Hits returns the number of lookups served from the cache.
func (s *Slot) Hits() uint64 { return s.hits.Load() }

// Misses returns the number of lookups that had to resolve.
func (s *Slot) Misses() uint64 { return s.misses.Load() }

// lookup checks the cache and counts the outcome.
func (s *Slot) lookup(t reflect.Type) (InlineCacheEntry, bool) {
	if e, ok := s.Snapshot().Lookup(t); ok {
		s.hits.Add(1)
		return e, true
	}
	s.misses.Add(1)
	return InlineCacheEntry{}, false
}

// record publishes e. Racing writers may overwrite each other; the entry is
// resolved again on a later miss.
func (s *Slot) record(e InlineCacheEntry) (from, to CacheState) {
	old := s.Snapshot()
	next := old.With(e)
	if next != old {
		s.cache.Store(next)
	}
	return old.State, next.State
}

// Reset clears the cache and its counters.
func (s *Slot) Reset() {
	s.cache.Store(nil)
	s.hits.Store(0)
	s.misses.Store(0)
}

// ICStats holds aggregate inline cache statistics.
type ICStats struct {
	TotalCallSites  int     // Total number of slots
	Monomorphic     int     // Slots in monomorphic state
	Polymorphic     int     // Slots in polymorphic state
	Megamorphic     int     // Slots in megamorphic state
	Empty           int     // Slots never used
	TotalHits       uint64  // Total cache hits
	TotalMisses     uint64  // Total cache misses
	HitRate         float64 // Overall hit rate percentage
	MonomorphicRate float64 // Percentage of used slots that are monomorphic
}

// CacheStats gathers statistics over every slot of the assembly.
func (a *Assembly) CacheStats() ICStats {
	var stats ICStats
	for i := 0; i < a.SlotCount; i++ {
		s := a.Slot(uint16(i))
		switch s.State() {
		case CacheMonomorphic:
			stats.Monomorphic++
		case CachePolymorphic:
			stats.Polymorphic++
		case CacheMegamorphic:
			stats.Megamorphic++
		default:
			stats.Empty++
		}
		stats.TotalHits += s.Hits()
		stats.TotalMisses += s.Misses()
		stats.TotalCallSites++
	}

	if total := stats.TotalHits + stats.TotalMisses; total > 0 {
		stats.HitRate = float64(stats.TotalHits) * 100 / float64(total)
	}
	if used := stats.TotalCallSites - stats.Empty; used > 0 {
		stats.MonomorphicRate = float64(stats.Monomorphic) * 100 / float64(used)
	}
	return stats
}

// ResetCaches clears every slot.
func (a *Assembly) ResetCaches() {
	for i := 0; i < a.SlotCount; i++ {
		a.Slot(uint16(i)).Reset()
	}
}
