// Package ml wraps the tensor executor. The engine treats a compiled model
// graph as an opaque forward-pass primitive: named tensors in, named
// tensors out. The only implementation is backed by ONNX Runtime, but the
// Session interface keeps the generators independent of it.
package ml

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Tensor is a named, shaped buffer fed to or returned from a Session.
// Exactly one of the data fields is populated, matching DType.
type Tensor struct {
	Name  string
	Shape []int64

	F32  []float32
	I64  []int64
	Bool []bool
}

func NewF32(name string, shape []int64, data []float32) *Tensor {
	if data == nil {
		data = make([]float32, Elements(shape))
	}
	return &Tensor{Name: name, Shape: shape, F32: data}
}

func NewI64(name string, shape []int64, data []int64) *Tensor {
	if data == nil {
		data = make([]int64, Elements(shape))
	}
	return &Tensor{Name: name, Shape: shape, I64: data}
}

func NewBool(name string, shape []int64, data []bool) *Tensor {
	if data == nil {
		data = make([]bool, Elements(shape))
	}
	return &Tensor{Name: name, Shape: shape, Bool: data}
}

// Elements returns the number of elements implied by shape. A zero-length
// dimension yields zero, which is how empty kv cache placeholders are
// expressed.
func Elements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Elements returns the element count of the tensor's populated buffer.
func (t *Tensor) Elements() int {
	switch {
	case t.F32 != nil:
		return len(t.F32)
	case t.I64 != nil:
		return len(t.I64)
	case t.Bool != nil:
		return len(t.Bool)
	}
	return 0
}

// Dim returns shape dimension i, or 0 if out of range.
func (t *Tensor) Dim(i int) int64 {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

func (t *Tensor) check() error {
	if want, got := Elements(t.Shape), int64(t.Elements()); want != got {
		return fmt.Errorf("tensor %s: shape %v implies %d elements, have %d", t.Name, t.Shape, want, got)
	}
	return nil
}

// fromFloat16 widens little-endian float16 bits into a float32 tensor.
// Quantized exports commonly emit half precision logits and hidden states.
func fromFloat16(name string, shape []int64, raw []byte) *Tensor {
	data := make([]float32, len(raw)/2)
	for i := range data {
		bits := uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
		data[i] = float16.Frombits(bits).Float32()
	}
	return &Tensor{Name: name, Shape: shape, F32: data}
}

// fromBFloat16 widens raw bfloat16 bytes into a float32 tensor.
func fromBFloat16(name string, shape []int64, raw []byte) *Tensor {
	return &Tensor{Name: name, Shape: shape, F32: bfloat16.DecodeFloat32(raw)}
}
