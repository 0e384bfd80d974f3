package prefixcache

import "github.com/ollama-kv/kvengine/kvcache"

// MatchingCache is the tagged result of a successful Lookup: either the
// stored state matches the query exactly (or is a superset prefix of it),
// or it matches a proper prefix and the caller must still process the
// remainder. Implemented as a sealed interface with two concrete types
// rather than one struct with unused fields, to avoid near-duplicate code
// paths at call sites that need to distinguish the two outcomes.
type MatchingCache interface {
	isMatchingCache()
}

// Verbatim means the stored state can be used as-is: it matches the query
// exactly, or the query is a prefix of a longer stored sequence.
type Verbatim struct {
	Normal kvcache.LayerCaches
	XL     kvcache.LayerCaches // nil unless XL is enabled
}

func (Verbatim) isMatchingCache() {}

// Subset means the stored state matches a proper prefix of the query; the
// caller must process Remainder on top of the cached state.
type Subset struct {
	Normal    kvcache.LayerCaches
	XL        kvcache.LayerCaches // nil unless XL is enabled
	Remainder []uint32
}

func (Subset) isMatchingCache() {}
