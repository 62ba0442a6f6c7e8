package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptimizerByName(t *testing.T) {
	for name, want := range map[string]string{
		"adam":     "Adam",
		"ADAM":     "Adam",
		"adamw":    "AdamW",
		"sgd":      "SGD",
		"momentum": "SGD (momentum)",
		"rmsprop":  "RMSprop",
	} {
		opt, err := NewOptimizer(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, opt.Name())
	}

	_, err := NewOptimizer("lbfgs")
	assert.Error(t, err)
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	// With bias correction the first Adam step is lr * sign(grad).
	p := &Parameter{Name: "image", Value: []float32{10, 10, 10}, Grad: []float32{3, -0.5, 0}}
	opt := NewAdamOptimizerDefault()

	require.NoError(t, opt.Step([]*Parameter{p}, 1.0))
	assert.InDelta(t, 9, p.Value[0], 1e-4)
	assert.InDelta(t, 11, p.Value[1], 1e-4)
	assert.InDelta(t, 10, p.Value[2], 1e-6)
}

func TestOptimizersDescendQuadratic(t *testing.T) {
	for _, name := range []string{"adam", "sgd", "momentum", "rmsprop"} {
		t.Run(name, func(t *testing.T) {
			opt, err := NewOptimizer(name)
			require.NoError(t, err)

			// minimise sum((x - 3)^2)
			p := &Parameter{Name: "x", Value: []float32{0, 6}, Grad: make([]float32, 2)}
			loss := func() float32 {
				var l float32
				for _, v := range p.Value {
					l += (v - 3) * (v - 3)
				}
				return l
			}
			start := loss()
			for i := 0; i < 50; i++ {
				for j, v := range p.Value {
					p.Grad[j] = 2 * (v - 3)
				}
				require.NoError(t, opt.Step([]*Parameter{p}, 0.05))
			}
			assert.Less(t, loss(), start/10)
		})
	}
}

func TestOptimizerOnlyTouchesGivenParameters(t *testing.T) {
	frozen := []float32{1, 2, 3}
	image := &Parameter{Name: "image", Value: []float32{0}, Grad: []float32{1}}
	opt := NewAdamOptimizerDefault()

	require.NoError(t, opt.Step([]*Parameter{image}, 0.5))
	assert.Equal(t, []float32{1, 2, 3}, frozen)
	assert.NotEqual(t, float32(0), image.Value[0])
}

func TestOptimizerRejectsMismatchedGradient(t *testing.T) {
	p := &Parameter{Name: "bad", Value: make([]float32, 4), Grad: make([]float32, 3)}
	for _, opt := range []Optimizer{NewAdamOptimizerDefault(), NewSGDOptimizer(), NewRMSpropOptimizerDefault()} {
		assert.Error(t, opt.Step([]*Parameter{p}, 0.1), opt.Name())
	}
}

func TestAdamReset(t *testing.T) {
	opt := NewAdamOptimizerDefault()
	a := &Parameter{Name: "a", Value: []float32{5}, Grad: []float32{1}}
	require.NoError(t, opt.Step([]*Parameter{a}, 1))
	require.NoError(t, opt.Step([]*Parameter{a}, 1))

	opt.Reset()
	b := &Parameter{Name: "a", Value: []float32{5}, Grad: []float32{1}}
	require.NoError(t, opt.Step([]*Parameter{b}, 1))
	assert.InDelta(t, 4, b.Value[0], 1e-4)
}
