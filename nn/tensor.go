package nn

import "fmt"

// Numeric is the set of element types a Tensor can hold.
type Numeric interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Tensor is a dense row-major tensor. Images and feature maps use the
// [height, width, channels] layout.
type Tensor[T Numeric] struct {
	Data  []T
	Shape []int
}

// NewTensor allocates a zeroed tensor with the given shape.
func NewTensor[T Numeric](shape ...int) *Tensor[T] {
	return &Tensor[T]{
		Data:  make([]T, shapeSize(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// NewTensorFromSlice wraps data with the given shape. The slice is not copied.
func NewTensorFromSlice[T Numeric](data []T, shape ...int) *Tensor[T] {
	return &Tensor[T]{Data: data, Shape: append([]int(nil), shape...)}
}

// Size returns the number of elements.
func (t *Tensor[T]) Size() int {
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	return &Tensor[T]{
		Data:  append([]T(nil), t.Data...),
		Shape: append([]int(nil), t.Shape...),
	}
}

// Reshape returns a view sharing the data with a new shape, or nil when the
// element count differs.
func (t *Tensor[T]) Reshape(shape ...int) *Tensor[T] {
	if shapeSize(shape) != len(t.Data) {
		return nil
	}
	return &Tensor[T]{Data: t.Data, Shape: append([]int(nil), shape...)}
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor[T]) SameShape(other *Tensor[T]) bool {
	if t == nil || other == nil || len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// HWC returns the three dimensions of a [height, width, channels] tensor.
func (t *Tensor[T]) HWC() (h, w, c int, err error) {
	if len(t.Shape) != 3 {
		return 0, 0, 0, fmt.Errorf("expected [h, w, c] tensor, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], nil
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
