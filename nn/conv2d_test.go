package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, shape ...int) *Tensor[float32] {
	t := NewTensor[float32](shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func randomConv(rng *rand.Rand, inC, k, stride, pad, filters int, act ActivationType) *Conv2DLayer {
	l := &Conv2DLayer{
		KernelSize: k, Stride: stride, Padding: pad,
		InputChannels: inC, Filters: filters, Activation: act,
		Kernel: make([]float32, filters*inC*k*k),
		Bias:   make([]float32, filters),
	}
	for i := range l.Kernel {
		l.Kernel[i] = float32(rng.NormFloat64() * 0.5)
	}
	for i := range l.Bias {
		l.Bias[i] = float32(rng.NormFloat64() * 0.1)
	}
	return l
}

func TestConv2DForwardKnownValues(t *testing.T) {
	input := NewTensorFromSlice([]float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 3, 3, 1)
	layer := &Conv2DLayer{
		KernelSize: 3, Stride: 1, Padding: 1,
		InputChannels: 1, Filters: 1, Activation: ActivationReLU,
		Kernel: []float32{1, 1, 1, 1, 1, 1, 1, 1, 1},
		Bias:   []float32{-10},
	}

	pre, post, err := Conv2DForward(input, layer)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 1}, pre.Shape)

	// Centre sees the whole image, corners see a 2x2 block.
	assert.InDelta(t, 45-10, pre.Data[4], 1e-5)
	assert.InDelta(t, 1+2+4+5-10, pre.Data[0], 1e-5)
	assert.Equal(t, float32(0), post.Data[0])
	assert.InDelta(t, 35, post.Data[4], 1e-5)
}

func TestConv2DForwardRejectsBadInput(t *testing.T) {
	layer := InitConv2DLayer(3, 3, 1, 0, 4, ActivationReLU)

	_, _, err := Conv2DForward(NewTensor[float32](5, 5, 2), layer)
	assert.Error(t, err, "channel mismatch")

	_, _, err = Conv2DForward(NewTensor[float32](2, 2, 3), layer)
	assert.Error(t, err, "input smaller than kernel")

	layer.Bias = layer.Bias[:2]
	_, _, err = Conv2DForward(NewTensor[float32](5, 5, 3), layer)
	assert.Error(t, err, "truncated bias")
}

// Checks Conv2DBackwardInput against central differences of L = sum(w * conv(x)).
func TestConv2DBackwardInputFiniteDifference(t *testing.T) {
	cases := []struct {
		name       string
		stride     int
		padding    int
		activation ActivationType
		tol        float64
	}{
		{"same_linear", 1, 1, ActivationLinear, 5e-3},
		{"strided_linear", 2, 1, ActivationLinear, 5e-3},
		{"valid_tanh", 1, 0, ActivationTanh, 2e-2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(7))
			layer := randomConv(rng, 2, 3, tc.stride, tc.padding, 3, tc.activation)
			input := randomTensor(rng, 5, 6, 2)

			pre, post, err := Conv2DForward(input, layer)
			require.NoError(t, err)
			weights := randomTensor(rng, post.Shape...)

			grad, err := Conv2DBackwardInput(weights, pre, input.Shape, layer)
			require.NoError(t, err)
			require.Equal(t, input.Shape, grad.Shape)

			loss := func() float64 {
				_, out, err := Conv2DForward(input, layer)
				require.NoError(t, err)
				sum := 0.0
				for i, v := range out.Data {
					sum += float64(v) * float64(weights.Data[i])
				}
				return sum
			}

			const eps = 2e-2
			for i := range input.Data {
				orig := input.Data[i]
				input.Data[i] = orig + eps
				up := loss()
				input.Data[i] = orig - eps
				down := loss()
				input.Data[i] = orig

				numeric := (up - down) / (2 * eps)
				assert.InDelta(t, numeric, float64(grad.Data[i]), tc.tol*(1+abs(numeric)), "index %d", i)
			}
		})
	}
}

func TestConv2DBackwardInputShapeErrors(t *testing.T) {
	layer := InitConv2DLayer(1, 3, 1, 1, 2, ActivationLinear)
	pre := NewTensor[float32](4, 4, 2)

	_, err := Conv2DBackwardInput(NewTensor[float32](4, 4, 1), pre, []int{4, 4, 1}, layer)
	assert.Error(t, err)

	_, err = Conv2DBackwardInput(NewTensor[float32](4, 4, 2), pre, []int{4, 4, 3}, layer)
	assert.Error(t, err)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
