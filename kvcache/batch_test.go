package kvcache_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama-kv/kvengine/kvcache"
	"github.com/ollama-kv/kvengine/kvcache/kvcachetest"
	"github.com/ollama-kv/kvengine/tensor"
	"github.com/ollama-kv/kvengine/tensor/faketensor"
)

// TestGatherSingleSequenceFastPath covers end-to-end scenario 1: a single
// sequence's tensors are used directly with no Concat call.
func TestGatherSingleSequenceFastPath(t *testing.T) {
	cache := kvcache.NewBatchCache(2, false, true)
	seq := kvcachetest.New(2, false, []uint32{5, 7})

	k0, v0 := faketensor.New(1, 2, 3, 4), faketensor.New(9, 9, 9, 9)
	k1, v1 := faketensor.New(5, 6, 7, 8), faketensor.New(1, 1, 1, 1)
	seq.SetLayer(kvcache.SlotNormal, 0, k0, v0)
	seq.SetLayer(kvcache.SlotNormal, 1, k1, v1)

	require.NoError(t, cache.Gather([]kvcache.Sequence{seq}, false))
	assert.Equal(t, 0, k0.Concats(), "single-sequence gather must not call Concat")

	snap := cache.Peek()
	assert.Equal(t, 2, snap.NormalFilled)

	require.NoError(t, cache.Scatter([]kvcache.Sequence{seq}, false))
	got0 := (*seq.Cache(kvcache.SlotNormal))[0]
	assert.Equal(t, k0.Values, got0.K.(*faketensor.Tensor).Values)
	assert.Equal(t, v0.Values, got0.V.(*faketensor.Tensor).Values)
}

// TestGatherScatterRoundTripTwoSequences covers end-to-end scenario 2.
func TestGatherScatterRoundTripTwoSequences(t *testing.T) {
	cache := kvcache.NewBatchCache(1, false, true)

	a := kvcachetest.New(1, false, []uint32{1})
	b := kvcachetest.New(1, false, []uint32{2})

	a.SetLayer(kvcache.SlotNormal, 0, faketensor.New(1), faketensor.New(10))
	b.SetLayer(kvcache.SlotNormal, 0, faketensor.New(2), faketensor.New(20))

	seqs := []kvcache.Sequence{a, b}
	require.NoError(t, cache.Gather(seqs, false))
	require.NoError(t, cache.Scatter(seqs, false))

	aLayer := (*a.Cache(kvcache.SlotNormal))[0]
	bLayer := (*b.Cache(kvcache.SlotNormal))[0]
	assert.Equal(t, []float32{1}, aLayer.K.(*faketensor.Tensor).Values)
	assert.Equal(t, []float32{10}, aLayer.V.(*faketensor.Tensor).Values)
	assert.Equal(t, []float32{2}, bLayer.K.(*faketensor.Tensor).Values)
	assert.Equal(t, []float32{20}, bLayer.V.(*faketensor.Tensor).Values)
}

// TestGatherXLRouting covers end-to-end scenario 3.
func TestGatherXLRouting(t *testing.T) {
	cache := kvcache.NewBatchCache(1, true, true)
	seq := kvcachetest.New(1, true, []uint32{1, 2})

	seq.SetLayer(kvcache.SlotNormal, 0, faketensor.New(1), faketensor.New(2))
	seq.SetLayer(kvcache.SlotXL, 0, faketensor.New(3), faketensor.New(4))
	*seq.Scalings() = faketensor.New(42)

	require.NoError(t, cache.Gather([]kvcache.Sequence{seq}, false))

	snap := cache.Peek()
	assert.Equal(t, 1, snap.NormalFilled)
	assert.Equal(t, 1, snap.XLFilled)
	assert.True(t, snap.HasScalings)

	require.NoError(t, cache.Scatter([]kvcache.Sequence{seq}, false))
	assert.Equal(t, []float32{42}, (*seq.Scalings()).(*faketensor.Tensor).Values)
}

// TestGatherDraftRoutesThroughNormalContainer exercises the rule that draft
// gather writes into the shared "normal" container, not a separate draft
// container, and scatter reads it back out into the sequence's draft slot.
func TestGatherDraftRoutesThroughNormalContainer(t *testing.T) {
	cache := kvcache.NewBatchCache(1, false, true)
	seq := kvcachetest.New(1, false, nil)
	seq.SetLayer(kvcache.SlotDraft, 0, faketensor.New(7), faketensor.New(8))

	require.NoError(t, cache.Gather([]kvcache.Sequence{seq}, true))
	require.NoError(t, cache.Scatter([]kvcache.Sequence{seq}, true))

	draftLayer := (*seq.Cache(kvcache.SlotDraft))[0]
	assert.Equal(t, []float32{7}, draftLayer.K.(*faketensor.Tensor).Values)
}

func TestGatherUnexpectedEmptyLayer(t *testing.T) {
	cache := kvcache.NewBatchCache(2, false, true)
	seq := kvcachetest.New(2, false, nil)
	seq.SetLayer(kvcache.SlotNormal, 0, faketensor.New(1), faketensor.New(2))
	// layer 1 left absent

	err := cache.Gather([]kvcache.Sequence{seq}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kvcache.ErrUnexpectedEmptyLayer))
}

func TestScatterUnexpectedEmptyLayer(t *testing.T) {
	cache := kvcache.NewBatchCache(1, false, true)
	seq := kvcachetest.New(1, false, nil)

	err := cache.Scatter([]kvcache.Sequence{seq}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kvcache.ErrUnexpectedEmptyLayer))
}

// badChunkTensor returns a wrong number of chunks, exercising
// ErrBatchShapeMismatch without panicking (unlike faketensor, which panics
// on an uneven split).
type badChunkTensor struct{ *faketensor.Tensor }

func (b badChunkTensor) Chunk(axis, n int) []tensor.Tensor {
	return b.Tensor.Chunk(axis, n)[:n-1]
}

func TestScatterBatchShapeMismatch(t *testing.T) {
	cache := kvcache.NewBatchCache(1, false, true)
	a := kvcachetest.New(1, false, nil)
	b := kvcachetest.New(1, false, nil)

	a.SetLayer(kvcache.SlotNormal, 0, faketensor.New(1), faketensor.New(2))
	b.SetLayer(kvcache.SlotNormal, 0, faketensor.New(3), faketensor.New(4))
	seqs := []kvcache.Sequence{a, b}

	// Gather a single misbehaving sequence so the fast path stores its K
	// tensor directly, simulating a corrupted upstream split arriving in
	// the container that Scatter is about to read from.
	bad := kvcachetest.New(1, false, nil)
	bad.SetLayer(kvcache.SlotNormal, 0, badChunkTensor{faketensor.New(1, 2)}, faketensor.New(1, 2))
	require.NoError(t, cache.Gather([]kvcache.Sequence{bad}, false))

	err := cache.Scatter(seqs, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kvcache.ErrBatchShapeMismatch))
}

func TestResetClearsContainersButKeepsScalings(t *testing.T) {
	cache := kvcache.NewBatchCache(1, true, true)
	seq := kvcachetest.New(1, true, nil)
	seq.SetLayer(kvcache.SlotNormal, 0, faketensor.New(1), faketensor.New(2))
	seq.SetLayer(kvcache.SlotXL, 0, faketensor.New(3), faketensor.New(4))
	*seq.Scalings() = faketensor.New(5)

	require.NoError(t, cache.Gather([]kvcache.Sequence{seq}, false))
	cache.Reset(false)

	snap := cache.Peek()
	assert.Equal(t, 0, snap.NormalFilled)
	assert.Equal(t, 0, snap.XLFilled)
	assert.True(t, snap.HasScalings, "scalings must survive Reset")
}

func TestResetAllClearsDraftToo(t *testing.T) {
	cache := kvcache.NewBatchCache(1, false, true)
	seq := kvcachetest.New(1, false, nil)
	seq.SetLayer(kvcache.SlotDraft, 0, faketensor.New(1), faketensor.New(2))
	require.NoError(t, cache.Gather([]kvcache.Sequence{seq}, true))

	cache.ResetAll()

	err := cache.Scatter([]kvcache.Sequence{seq}, true)
	require.Error(t, err, "normal container backing the draft slot should be empty after ResetAll")
}

func TestGatherRejectsEmptySequenceList(t *testing.T) {
	cache := kvcache.NewBatchCache(1, false, true)
	err := cache.Gather(nil, false)
	require.Error(t, err)
}
