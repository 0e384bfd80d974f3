// Package kvcachetest provides a reference kvcache.Sequence implementation
// for tests: a plain in-memory holder of the three LayerCaches slots, a
// scalings side-channel, and an identity stamped with a uuid, mirroring how
// a scheduler's runner assigns sequence identity.
package kvcachetest

import (
	"github.com/google/uuid"

	"github.com/ollama-kv/kvengine/kvcache"
	"github.com/ollama-kv/kvengine/tensor"
)

// Sequence is a minimal, test-only kvcache.Sequence.
type Sequence struct {
	ID uuid.UUID

	normal kvcache.LayerCaches
	draft  kvcache.LayerCaches
	xl     kvcache.LayerCaches

	scalings tensor.Tensor
	isXL     bool
	tokens   []uint32
}

// New builds a Sequence with layerCount absent layers in every slot.
func New(layerCount int, isXL bool, tokens []uint32) *Sequence {
	return &Sequence{
		ID:     uuid.New(),
		normal: make(kvcache.LayerCaches, layerCount),
		draft:  make(kvcache.LayerCaches, layerCount),
		xl:     make(kvcache.LayerCaches, layerCount),
		isXL:   isXL,
		tokens: tokens,
	}
}

func (s *Sequence) Cache(slot kvcache.CacheSlot) *kvcache.LayerCaches {
	switch slot {
	case kvcache.SlotXL:
		return &s.xl
	case kvcache.SlotDraft:
		return &s.draft
	default:
		return &s.normal
	}
}

func (s *Sequence) Scalings() *tensor.Tensor { return &s.scalings }
func (s *Sequence) IsXL() bool               { return s.isXL }
func (s *Sequence) Tokens() []uint32         { return s.tokens }

// SetLayer is a test helper to populate a single layer of a slot directly.
func (s *Sequence) SetLayer(slot kvcache.CacheSlot, layer int, k, v tensor.Tensor) {
	(*s.Cache(slot))[layer] = &kvcache.LayerKV{K: k, V: v}
}
