package kvcache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ollama-kv/kvengine/tensor"
)

// BatchCache holds the model's current forward-pass K/V state, one entry
// per layer, plus the optional XL adapter state and scalings side-channel.
// It is created once per model instance and reused across every decode
// step; Gather and Scatter are the only two operations on the hot path.
//
// The four containers (normal, draft, xl, scalings) are guarded by a single
// RWMutex: Gather and Scatter take the write lock for their whole duration
// (callers already serialize these calls externally, but the lock also lets
// read-only diagnostics via Peek run concurrently with nothing else in
// flight). Reset takes the write lock as well.
type BatchCache struct {
	mu sync.RWMutex

	layerCount int
	isXL       bool
	hasKVCache bool

	normal   LayerCaches
	draft    LayerCaches
	xl       LayerCaches
	scalings tensor.Tensor

	logger *slog.Logger
}

// Option configures a BatchCache at construction time.
type Option func(*BatchCache)

// WithLogger overrides the default slog.Default() logger. A nil logger keeps
// the default.
func WithLogger(l *slog.Logger) Option {
	return func(c *BatchCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewBatchCache builds a BatchCache for a model with the given layer count.
// isXL and hasKVCache mirror the Pipeline metadata consumed at gather/scatter
// time: isXL controls whether the xl/scalings containers exist at all,
// hasKVCache additionally gates whether a non-draft Gather/Scatter touches
// them (a KV-cache-free pipeline still reports IsXL true for its adapter
// routing elsewhere, but has no per-layer K/V to marshal).
func NewBatchCache(layerCount int, isXL, hasKVCache bool, opts ...Option) *BatchCache {
	c := &BatchCache{
		layerCount: layerCount,
		isXL:       isXL,
		hasKVCache: hasKVCache,
		normal:     make(LayerCaches, layerCount),
		draft:      make(LayerCaches, layerCount),
		logger:     slog.Default(),
	}
	if isXL {
		c.xl = make(LayerCaches, layerCount)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// selectionSlot returns the per-sequence CacheSlot a Gather/Scatter call
// reads from or writes to: SlotDraft when modifyDraft is true, SlotNormal
// otherwise. The XL slot is handled separately on the non-draft path.
func selectionSlot(modifyDraft bool) CacheSlot {
	if modifyDraft {
		return SlotDraft
	}
	return SlotNormal
}

// Gather populates the BatchCache from each sequence's selected per-sequence
// slot, concatenating across sequences into one per-layer batch tensor.
func (c *BatchCache) Gather(seqs []Sequence, modifyDraft bool) error {
	if len(seqs) == 0 {
		return fmt.Errorf("kvcache: Gather requires at least one sequence")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	slot := selectionSlot(modifyDraft)
	gathered, err := gatherLayers(c.layerCount, seqs, slot)
	if err != nil {
		return err
	}
	c.normal = gathered
	c.logger.Debug("kvcache.gather", slog.Int("sequences", len(seqs)), slog.String("slot", slot.String()))

	if modifyDraft {
		return nil
	}

	if c.isXL && c.hasKVCache {
		xl, err := gatherLayers(c.layerCount, seqs, SlotXL)
		if err != nil {
			return err
		}
		c.xl = xl
		c.logger.Debug("kvcache.gather.xl", slog.Int("sequences", len(seqs)))
	}

	if c.isXL {
		if s := seqs[0].Scalings(); s != nil && *s != nil {
			c.scalings = (*s).Clone()
		}
	}

	return nil
}

// gatherLayers concatenates, for each of the L layers, the selected slot's
// K and V tensors across seqs in order. A single sequence takes the fast
// path: its tensors are used directly, with no Concat call.
func gatherLayers(layerCount int, seqs []Sequence, slot CacheSlot) (LayerCaches, error) {
	out := make(LayerCaches, layerCount)

	for l := range layerCount {
		ks := make([]tensor.Tensor, 0, len(seqs))
		vs := make([]tensor.Tensor, 0, len(seqs))

		for _, s := range seqs {
			cache := *s.Cache(slot)
			if l >= len(cache) || cache[l] == nil {
				return nil, fmt.Errorf("%w: slot=%s layer=%d", ErrUnexpectedEmptyLayer, slot, l)
			}
			ks = append(ks, cache[l].K)
			vs = append(vs, cache[l].V)
		}

		if len(seqs) == 1 {
			out[l] = &LayerKV{K: ks[0], V: vs[0]}
			continue
		}

		out[l] = &LayerKV{K: ks[0].Concat(0, ks[1:]...), V: vs[0].Concat(0, vs[1:]...)}
	}

	return out, nil
}

// Scatter is the inverse of Gather: it splits each layer's batch tensor back
// into per-sequence chunks, writing chunk i into sequence i's selected slot,
// in the same order Gather last read them.
func (c *BatchCache) Scatter(seqs []Sequence, modifyDraft bool) error {
	if len(seqs) == 0 {
		return fmt.Errorf("kvcache: Scatter requires at least one sequence")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	slot := selectionSlot(modifyDraft)
	if err := scatterLayers(c.normal, seqs, slot); err != nil {
		return err
	}
	c.logger.Debug("kvcache.scatter", slog.Int("sequences", len(seqs)), slog.String("slot", slot.String()))

	if modifyDraft {
		return nil
	}

	if c.isXL && c.hasKVCache {
		if err := scatterLayers(c.xl, seqs, SlotXL); err != nil {
			return err
		}
		c.logger.Debug("kvcache.scatter.xl", slog.Int("sequences", len(seqs)))
	}

	if c.isXL && c.scalings != nil {
		*seqs[0].Scalings() = c.scalings.Clone()
	}

	return nil
}

func scatterLayers(src LayerCaches, seqs []Sequence, slot CacheSlot) error {
	n := len(seqs)

	for l, layer := range src {
		if layer == nil {
			return fmt.Errorf("%w: slot=%s layer=%d", ErrUnexpectedEmptyLayer, slot, l)
		}

		kChunks := layer.K.Chunk(0, n)
		vChunks := layer.V.Chunk(0, n)
		if len(kChunks) != n || len(vChunks) != n {
			return fmt.Errorf("%w: slot=%s layer=%d want=%d got k=%d v=%d",
				ErrBatchShapeMismatch, slot, l, n, len(kChunks), len(vChunks))
		}

		for i, s := range seqs {
			cache := *s.Cache(slot)
			cache[l] = &LayerKV{K: kChunks[i], V: vChunks[i]}
		}
	}

	return nil
}

// Reset replaces normal with a fresh length-L vector of absent layers. If
// modifyDraft is true, draft is reset the same way. If XL is enabled, xl is
// reset too. Scalings is left untouched; it is refreshed on the next Gather.
func (c *BatchCache) Reset(modifyDraft bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.normal = make(LayerCaches, c.layerCount)
	if modifyDraft {
		c.draft = make(LayerCaches, c.layerCount)
	}
	if c.isXL {
		c.xl = make(LayerCaches, c.layerCount)
	}

	c.logger.Debug("kvcache.reset", slog.Bool("draft", modifyDraft))
}

// ResetAll is a convenience for the common "tear down everything" path,
// equivalent to the original cache manager's set_none_cache: it always
// resets draft alongside normal and xl.
func (c *BatchCache) ResetAll() {
	c.Reset(true)
}

// Snapshot is a read-only view of container shapes, used by diagnostics and
// metrics; it never exposes the underlying tensors.
type Snapshot struct {
	LayerCount   int
	NormalFilled int
	DraftFilled  int
	XLFilled     int
	HasScalings  bool
}

// Peek takes the read lock and reports container occupancy without
// mutating anything. It is not on the decode hot path.
func (c *BatchCache) Peek() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		LayerCount:   c.layerCount,
		NormalFilled: countPresent(c.normal),
		DraftFilled:  countPresent(c.draft),
		XLFilled:     countPresent(c.xl),
		HasScalings:  c.scalings != nil,
	}
}

func countPresent(lc LayerCaches) int {
	n := 0
	for _, layer := range lc {
		if layer != nil {
			n++
		}
	}
	return n
}
