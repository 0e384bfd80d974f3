// Package prefixcache retains completed or suspended sequences' K/V state
// keyed by their token-id prefix, so later requests sharing a prefix can
// skip recomputation. Entries live on one of two tiers — device or host —
// with LRU-style eviction from device to host, and lookup supports both
// exact and prefix matching (first match in insertion order).
package prefixcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ollama-kv/kvengine/kvcache"
	"github.com/ollama-kv/kvengine/tensor"
)

// maxConcurrentTransfers bounds how many entries EvictToHost transfers at
// once, so a large eviction doesn't flood the tensor library with
// simultaneous device-to-host copies.
const maxConcurrentTransfers = 8

// entry is one admitted sequence's stored state, keyed by its token prefix.
// tokens is retained alongside cache so prefix scans can compare against the
// original key without decoding it back out of the ordered map's string key.
type entry struct {
	tokens []uint32
	cache  kvcache.LayerCaches
}

// PrefixCache holds completed sequences' K/V keyed by their token-id prefix
// across two placement tiers. It is created once per model instance and
// lives until shutdown. Admit, EvictToHost and Lookup may mutate the tiers
// and are expected to be externally serialized by the caller; the Len
// accessors only read.
type PrefixCache struct {
	mu sync.Mutex

	deviceEntries *orderedmap.OrderedMap[string, *entry]
	hostEntries   *orderedmap.OrderedMap[string, *entry]

	deviceXLEntries *orderedmap.OrderedMap[string, *entry]
	hostXLEntries   *orderedmap.OrderedMap[string, *entry]

	deviceCapacity int
	device         tensor.Device
	isXL           bool

	logger *slog.Logger
}

// Option configures a PrefixCache at construction time.
type Option func(*PrefixCache)

// WithLogger overrides the default slog.Default() logger. A nil logger keeps
// the default.
func WithLogger(l *slog.Logger) Option {
	return func(c *PrefixCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds a PrefixCache targeting device, keeping at most deviceCapacity
// entries resident there before EvictToHost reclaims space.
func New(device tensor.Device, deviceCapacity int, isXL bool, opts ...Option) *PrefixCache {
	c := &PrefixCache{
		deviceEntries:  orderedmap.New[string, *entry](),
		hostEntries:    orderedmap.New[string, *entry](),
		deviceCapacity: deviceCapacity,
		device:         device,
		isXL:           isXL,
		logger:         slog.Default(),
	}
	if isXL {
		c.deviceXLEntries = orderedmap.New[string, *entry]()
		c.hostXLEntries = orderedmap.New[string, *entry]()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// tokenKey maps a token-id slice to a comparable map key. Each token is
// encoded as a fixed 4-byte little-endian word, so the resulting string's
// length alone recovers the token count unambiguously — no delimiter is
// needed between elements.
func tokenKey(tokens []uint32) string {
	buf := make([]byte, 4*len(tokens))
	for i, t := range tokens {
		binary.LittleEndian.PutUint32(buf[i*4:], t)
	}
	return string(buf)
}

// Admit registers a completed/paused sequence for later reuse. The key is a
// copy of the sequence's current token vector; the value is a shallow clone
// of its normal (and, if XL, XL) LayerCaches. A duplicate key overwrites the
// prior entry and moves it to the most-recent position.
func (c *PrefixCache) Admit(seq kvcache.Sequence) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens := append([]uint32(nil), seq.Tokens()...)
	key := tokenKey(tokens)

	c.insertMostRecent(c.deviceEntries, c.hostEntries, key, &entry{tokens: tokens, cache: seq.Cache(kvcache.SlotNormal).Clone()})

	if c.isXL {
		c.insertMostRecent(c.deviceXLEntries, c.hostXLEntries, key, &entry{tokens: tokens, cache: seq.Cache(kvcache.SlotXL).Clone()})
	}

	c.logger.Debug("prefixcache.admit", slog.Int("tokens", len(tokens)), slog.Int("device_entries", c.deviceEntries.Len()))
}

// insertMostRecent removes key from both tiers (so a re-admission can never
// leave a stale copy on the other tier) and (re)inserts it at the back of
// device, which is where go-ordered-map's Set places a brand-new key.
func (c *PrefixCache) insertMostRecent(device, host *orderedmap.OrderedMap[string, *entry], key string, e *entry) {
	device.Delete(key)
	host.Delete(key)
	device.Set(key, e)
}

// EvictToHost enforces the device-placement target: while more than
// deviceCapacity entries sit on device, the oldest excess entries are
// transferred to host. Transfers for distinct entries are independent, so
// they run concurrently (bounded); the first failure aborts remaining
// transfers via ctx while entries that already finished stay evicted.
// Returns the number of entries actually evicted.
func (c *PrefixCache) EvictToHost(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	excess := c.deviceEntries.Len() - c.deviceCapacity
	if excess <= 0 {
		return 0, nil
	}

	keys := make([]string, 0, excess)
	for pair := c.deviceEntries.Oldest(); pair != nil && len(keys) < excess; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}

	normalResults := make([]*entry, len(keys))
	xlResults := make([]*entry, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTransfers)

	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			src, _ := c.deviceEntries.Get(key)
			moved, err := transferLayerCaches(src.cache, "host")
			if err != nil {
				return err
			}
			normalResults[i] = &entry{tokens: src.tokens, cache: moved}

			if c.isXL {
				xlSrc, ok := c.deviceXLEntries.Get(key)
				if !ok {
					return fmt.Errorf("%w: key missing from device XL tier", ErrXLConsistencyError)
				}
				xlMoved, err := transferLayerCaches(xlSrc.cache, "host")
				if err != nil {
					return err
				}
				xlResults[i] = &entry{tokens: xlSrc.tokens, cache: xlMoved}
			}

			return nil
		})
	}
	groupErr := g.Wait()

	evicted := 0
	for i, key := range keys {
		if normalResults[i] == nil || (c.isXL && xlResults[i] == nil) {
			continue
		}
		c.deviceEntries.Delete(key)
		c.hostEntries.Set(key, normalResults[i])

		if c.isXL {
			c.deviceXLEntries.Delete(key)
			c.hostXLEntries.Set(key, xlResults[i])
		}

		evicted++
	}

	c.logger.Debug("prefixcache.evict_to_host", slog.Int("evicted", evicted), slog.Int("excess", excess))

	if groupErr != nil {
		// groupErr already wraps the sentinel that actually caused it —
		// ErrDeviceTransferError from transferLayerCaches, or
		// ErrXLConsistencyError from the missing-XL-entry check above —
		// so %w here preserves that distinction instead of flattening
		// every failure into ErrDeviceTransferError.
		return evicted, fmt.Errorf("prefixcache: evict_to_host: %w", groupErr)
	}
	return evicted, nil
}

// Lookup searches device first, then host, for an exact key hit, then
// falls back to scanning device and then host in insertion order for the
// first prefix match (a stored prefix of the query, or a stored sequence the
// query is a prefix of); the oldest matching entry wins, not the longest. A
// host-tier hit is promoted to device before being returned.
func (c *PrefixCache) Lookup(queryTokens []uint32) (MatchingCache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := tokenKey(queryTokens)

	if e, ok := c.deviceEntries.Get(key); ok {
		return c.verbatim(key, e), nil
	}

	if e, ok := c.hostEntries.Get(key); ok {
		promoted, err := c.promoteLocked(key, e)
		if err != nil {
			return nil, err
		}
		return c.verbatim(key, promoted), nil
	}

	// An empty query is only ever satisfied by an exact hit on the empty
	// key, handled above. Every stored entry is vacuously a "prefix" of
	// zero tokens, so the prefix scan below must not run for this case —
	// otherwise it would return the oldest admitted entry as a false hit.
	if len(queryTokens) == 0 {
		c.logger.Debug("prefixcache.lookup.miss", slog.Int("tokens", 0))
		return nil, ErrMiss
	}

	if m := c.scanPrefix(c.deviceEntries, queryTokens); m != nil {
		return m, nil
	}

	if key, e := c.findPrefixEntry(c.hostEntries, queryTokens); e != nil {
		stored := e.tokens
		promoted, err := c.promoteLocked(key, e)
		if err != nil {
			return nil, err
		}
		if len(stored) < len(queryTokens) {
			return c.subset(key, promoted, queryTokens[len(stored):]), nil
		}
		return c.verbatim(key, promoted), nil
	}

	c.logger.Debug("prefixcache.lookup.miss", slog.Int("tokens", len(queryTokens)))
	return nil, ErrMiss
}

// scanPrefix walks tier in insertion order and returns the first prefix
// match (device tier only: promotion isn't needed here).
func (c *PrefixCache) scanPrefix(tier *orderedmap.OrderedMap[string, *entry], queryTokens []uint32) MatchingCache {
	for pair := tier.Oldest(); pair != nil; pair = pair.Next() {
		if m := c.matchAgainst(pair.Key, pair.Value, queryTokens); m != nil {
			return m
		}
	}
	return nil
}

// findPrefixEntry is scanPrefix's host-tier counterpart: it returns the
// matching key/entry pair (pre-promotion) rather than a MatchingCache,
// since the host path still needs to promote before building the result.
func (c *PrefixCache) findPrefixEntry(tier *orderedmap.OrderedMap[string, *entry], queryTokens []uint32) (string, *entry) {
	for pair := tier.Oldest(); pair != nil; pair = pair.Next() {
		if prefixMatches(pair.Value.tokens, queryTokens) {
			return pair.Key, pair.Value
		}
	}
	return "", nil
}

func prefixMatches(stored, query []uint32) bool {
	if len(stored) <= len(query) && equalSlice(query[:len(stored)], stored) {
		return true
	}
	if len(stored) >= len(query) && equalSlice(stored[:len(query)], query) {
		return true
	}
	return false
}

func equalSlice(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// matchAgainst builds the MatchingCache for a device-tier candidate,
// returning nil if it doesn't actually match (so callers can keep scanning).
func (c *PrefixCache) matchAgainst(key string, e *entry, queryTokens []uint32) MatchingCache {
	stored := e.tokens
	if len(stored) <= len(queryTokens) && equalSlice(queryTokens[:len(stored)], stored) {
		return c.subset(key, e, queryTokens[len(stored):])
	}
	if len(stored) >= len(queryTokens) && equalSlice(stored[:len(queryTokens)], queryTokens) {
		return c.verbatim(key, e)
	}
	return nil
}

func (c *PrefixCache) verbatim(key string, e *entry) MatchingCache {
	return Verbatim{Normal: e.cache, XL: c.xlCacheForKey(key, c.deviceXLEntries)}
}

func (c *PrefixCache) subset(key string, e *entry, remainder []uint32) MatchingCache {
	return Subset{
		Normal:    e.cache,
		XL:        c.xlCacheForKey(key, c.deviceXLEntries),
		Remainder: append([]uint32(nil), remainder...),
	}
}

func (c *PrefixCache) xlCacheForKey(key string, tier *orderedmap.OrderedMap[string, *entry]) kvcache.LayerCaches {
	if !c.isXL {
		return nil
	}
	xe, ok := tier.Get(key)
	if !ok {
		return nil
	}
	return xe.cache
}

// promoteLocked transfers a host entry (and, if XL, its parallel entry) to
// device, moving both under key, and returns the promoted normal entry.
// The caller holds c.mu. The promoted device entry is keyed by the stored
// prefix key, not by the (possibly longer) query tokens that triggered the
// lookup.
func (c *PrefixCache) promoteLocked(key string, e *entry) (*entry, error) {
	moved, err := transferLayerCaches(e.cache, c.device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceTransferError, err)
	}
	promoted := &entry{tokens: e.tokens, cache: moved}
	c.hostEntries.Delete(key)
	c.deviceEntries.Set(key, promoted)

	if c.isXL {
		xe, ok := c.hostXLEntries.Get(key)
		if !ok {
			return nil, fmt.Errorf("%w: key missing from host XL tier", ErrXLConsistencyError)
		}
		xlMoved, err := transferLayerCaches(xe.cache, c.device)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceTransferError, err)
		}
		c.hostXLEntries.Delete(key)
		c.deviceXLEntries.Set(key, &entry{tokens: xe.tokens, cache: xlMoved})
	}

	c.logger.Debug("prefixcache.promote", slog.Int("tokens", len(e.tokens)))
	return promoted, nil
}

// transferLayerCaches transfers every present layer to device, leaving
// absent layers absent. The Tensor.To contract never returns an error, but
// a real backend may still panic on a failed transfer (e.g. OOM); that
// panic is converted into ErrDeviceTransferError rather than propagating
// past this module's API boundary.
func transferLayerCaches(lc kvcache.LayerCaches, device tensor.Device) (out kvcache.LayerCaches, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrDeviceTransferError, r)
		}
	}()

	out = make(kvcache.LayerCaches, len(lc))
	for i, layer := range lc {
		if layer == nil {
			continue
		}
		out[i] = &kvcache.LayerKV{K: layer.K.To(device), V: layer.V.To(device)}
	}
	return out, nil
}

// Len reports the total number of admitted entries across both tiers.
func (c *PrefixCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceEntries.Len() + c.hostEntries.Len()
}

// DeviceLen reports how many entries currently reside on device.
func (c *PrefixCache) DeviceLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceEntries.Len()
}

// HostLen reports how many entries currently reside on host.
func (c *PrefixCache) HostLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostEntries.Len()
}
