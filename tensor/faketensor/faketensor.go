// Package faketensor provides a minimal, dependency-free tensor.Tensor used
// only by this module's own tests. It tracks values as a flat []float32 plus
// a leading-axis extent so that Concat/Chunk/To/Clone can be asserted at the
// value level, matching the gather/scatter round-trip laws these types must
// satisfy. It carries no device semantics beyond bookkeeping a label.
package faketensor

import (
	"fmt"

	"github.com/ollama-kv/kvengine/tensor"
)

// Tensor is a value-typed stand-in for tensor.Tensor. Rows is the axis-0
// extent (number of sequences currently concatenated into this handle) and
// Values holds one float32 per row for easy equality assertions.
type Tensor struct {
	Rows   int
	Values []float32
	device tensor.Device

	// concats counts how many times Concat actually ran (as opposed to the
	// single-element fast path), so tests can assert "no allocation" by
	// checking this stays zero.
	concats *int
}

// New builds a Tensor with one value per row, on device "cpu" unless
// overridden with On.
func New(values ...float32) *Tensor {
	n := 0
	return &Tensor{Rows: len(values), Values: values, device: "cpu", concats: &n}
}

// On sets the device label and returns the receiver for chaining in tests.
func (t *Tensor) On(d tensor.Device) *Tensor {
	t.device = d
	return t
}

// Concats reports how many Concat calls, including any with an empty rest,
// touched the lineage sharing this counter.
func (t *Tensor) Concats() int {
	if t.concats == nil {
		return 0
	}
	return *t.concats
}

func (t *Tensor) Device() tensor.Device { return t.device }

func (t *Tensor) Concat(axis int, rest ...tensor.Tensor) tensor.Tensor {
	if axis != 0 {
		panic(fmt.Sprintf("faketensor: only axis 0 is supported, got %d", axis))
	}

	if t.concats != nil {
		*t.concats++
	}

	values := append([]float32(nil), t.Values...)
	for _, r := range rest {
		other, ok := r.(*Tensor)
		if !ok {
			panic("faketensor: Concat requires other faketensor.Tensor values")
		}
		values = append(values, other.Values...)
	}

	return &Tensor{Rows: len(values), Values: values, device: t.device, concats: t.concats}
}

func (t *Tensor) Chunk(axis, n int) []tensor.Tensor {
	if axis != 0 {
		panic(fmt.Sprintf("faketensor: only axis 0 is supported, got %d", axis))
	}
	if n <= 0 || t.Rows%n != 0 {
		panic(fmt.Sprintf("faketensor: %d rows not evenly divisible by %d chunks", t.Rows, n))
	}

	size := t.Rows / n
	out := make([]tensor.Tensor, n)
	for i := range n {
		out[i] = &Tensor{
			Rows:    size,
			Values:  append([]float32(nil), t.Values[i*size:(i+1)*size]...),
			device:  t.device,
			concats: t.concats,
		}
	}
	return out
}

func (t *Tensor) To(device tensor.Device) tensor.Tensor {
	return &Tensor{Rows: t.Rows, Values: append([]float32(nil), t.Values...), device: device, concats: t.concats}
}

func (t *Tensor) Clone() tensor.Tensor {
	return &Tensor{Rows: t.Rows, Values: t.Values, device: t.device, concats: t.concats}
}
