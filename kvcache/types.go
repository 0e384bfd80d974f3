// Package kvcache holds the model's current forward-pass K/V state and
// marshals it between per-sequence storage and the batched tensor a single
// forward pass operates on.
//
// Two operations do all the work: Gather pulls each sequence's stored K/V
// into one concatenated per-layer tensor ahead of a forward pass; Scatter
// splits the advanced tensor back out to each sequence once the pass
// completes. Reset clears the container between unrelated forward passes
// (e.g. after a draft pass, or on model reset).
package kvcache

import "github.com/ollama-kv/kvengine/tensor"

// LayerKV is one layer's key/value pair. Both tensors share axis 0 as the
// sequence index within whatever batch last wrote them.
type LayerKV struct {
	K, V tensor.Tensor
}

// LayerCaches is an ordered, fixed-length-L vector of per-layer state. A nil
// element means "no state yet, sequence is at position 0".
type LayerCaches []*LayerKV

// Clone returns cheap shallow clones of every present layer. Absent layers
// stay absent.
func (lc LayerCaches) Clone() LayerCaches {
	out := make(LayerCaches, len(lc))
	for i, layer := range lc {
		if layer == nil {
			continue
		}
		out[i] = &LayerKV{K: layer.K.Clone(), V: layer.V.Clone()}
	}
	return out
}

// CacheSlot selects which per-sequence slot a BatchCache operation reads
// from or writes to. It is a tagged enum rather than three near-duplicate
// code paths through Sequence's accessors.
type CacheSlot int

const (
	// SlotNormal is the sequence's steady-state K/V cache.
	SlotNormal CacheSlot = iota
	// SlotXL is the auxiliary adapter cache, present only on XL models.
	SlotXL
	// SlotDraft is the speculative-decoding draft cache.
	SlotDraft
)

func (s CacheSlot) String() string {
	switch s {
	case SlotNormal:
		return "normal"
	case SlotXL:
		return "xl"
	case SlotDraft:
		return "draft"
	default:
		return "unknown"
	}
}

// Sequence is the subset of a scheduler-owned sequence object this core
// needs: mutable accessors to its three LayerCaches slots, its scalings
// side-channel, its XL flag, and the tokens observed so far. Ownership stays
// with the caller; this core never constructs a Sequence.
type Sequence interface {
	// Cache returns the mutable LayerCaches for the given slot. Callers may
	// read and replace the returned slice's contents; the Sequence retains
	// ownership of the backing storage.
	Cache(slot CacheSlot) *LayerCaches

	// Scalings returns the mutable adapter side-channel tensor, valid only
	// when IsXL is true.
	Scalings() *tensor.Tensor

	// IsXL reports whether this sequence runs against an XL adapter.
	IsXL() bool

	// Tokens returns the token-id vector observed so far. The returned
	// slice must not be retained past the call without copying: callers
	// that need a stable key (PrefixCache.Admit) copy it themselves.
	Tokens() []uint32
}

// Pipeline is the subset of the surrounding model pipeline this core needs
// in order to decide how to route a Gather/Scatter call.
type Pipeline interface {
	LayerCount() int
	IsXL() bool
	HasKVCache() bool
	BatchCache() *BatchCache
}

// CacheStrategy is the capability set a marshalling strategy must provide.
// BatchCache is the default implementation (naive concat/chunk); alternate
// strategies (e.g. a zero-copy paged-attention placement engine) can share
// this interface without requiring callers to special-case them.
type CacheStrategy interface {
	Gather(seqs []Sequence, modifyDraft bool) error
	Scatter(seqs []Sequence, modifyDraft bool) error
	Reset(modifyDraft bool)
}

var _ CacheStrategy = (*BatchCache)(nil)
