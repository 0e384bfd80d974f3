package kvcache

import "errors"

// Error taxonomy for BatchCache. All are surfaced to the caller without
// local retry; none is swallowed.
var (
	// ErrUnexpectedEmptyLayer is returned when Gather or Scatter encounters
	// an absent layer where presence was required. Fatal to the step.
	ErrUnexpectedEmptyLayer = errors.New("kvcache: layer is absent where a present K/V pair was required")

	// ErrBatchShapeMismatch is returned when Scatter's split did not
	// produce exactly len(sequences) chunks. Indicates upstream corruption.
	ErrBatchShapeMismatch = errors.New("kvcache: split did not produce one chunk per sequence")
)
