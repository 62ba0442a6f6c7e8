package vgg

import (
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/openfluke/stylize/nn"
)

// Load reads safetensors weights from path and builds an extractor.
func Load(path string, arch []LayerSpec, opts Options) (*Extractor, error) {
	weights, err := nn.LoadSafetensors(path)
	if err != nil {
		return nil, fmt.Errorf("vgg: load weights: %w", err)
	}
	return New(arch, weights, opts)
}

// convWeights finds a conv layer's kernel and bias in either Keras layout
// (<name>/kernel [kh, kw, in, out], <name>/bias) or PyTorch layout
// (<name>.weight [out, in, kh, kw], <name>.bias) and returns the kernel as
// [out][in][kh][kw].
func convWeights(weights map[string]nn.TensorWithShape, spec LayerSpec, inC int) (kernel, bias []float32, err error) {
	k, out := spec.KernelSize, spec.Filters

	if t, ok := weights[spec.Name+"/kernel"]; ok {
		if !slices.Equal(t.Shape, []int{k, k, inC, out}) {
			return nil, nil, fmt.Errorf("vgg: %s/kernel has shape %v, want %v", spec.Name, t.Shape, []int{k, k, inC, out})
		}
		kernel = make([]float32, len(t.Values))
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				for ic := 0; ic < inC; ic++ {
					for oc := 0; oc < out; oc++ {
						src := ((kh*k+kw)*inC+ic)*out + oc
						dst := ((oc*inC+ic)*k+kh)*k + kw
						kernel[dst] = t.Values[src]
					}
				}
			}
		}
		bias, err = biasFor(weights, spec.Name+"/bias", out)
		return kernel, bias, err
	}

	if t, ok := weights[spec.Name+".weight"]; ok {
		if !slices.Equal(t.Shape, []int{out, inC, k, k}) {
			return nil, nil, fmt.Errorf("vgg: %s.weight has shape %v, want %v", spec.Name, t.Shape, []int{out, inC, k, k})
		}
		bias, err = biasFor(weights, spec.Name+".bias", out)
		return slices.Clone(t.Values), bias, err
	}

	return nil, nil, fmt.Errorf("vgg: no weights for layer %s", spec.Name)
}

func biasFor(weights map[string]nn.TensorWithShape, name string, out int) ([]float32, error) {
	t, ok := weights[name]
	if !ok {
		return nil, fmt.Errorf("vgg: missing %s", name)
	}
	if len(t.Values) != out {
		return nil, fmt.Errorf("vgg: %s has %d values, want %d", name, len(t.Values), out)
	}
	return slices.Clone(t.Values), nil
}

// RandomWeights returns He-initialised weights for arch in Keras layout,
// for tests and dry runs without a pretrained file.
func RandomWeights(arch []LayerSpec, inputChannels int, rng *rand.Rand) map[string]nn.TensorWithShape {
	weights := make(map[string]nn.TensorWithShape)
	inC := inputChannels
	for _, l := range arch {
		if l.Kind != KindConv {
			continue
		}
		k := l.KernelSize
		stddev := math.Sqrt(2.0 / float64(inC*k*k))
		kernel := make([]float32, k*k*inC*l.Filters)
		for i := range kernel {
			kernel[i] = float32(rng.NormFloat64() * stddev)
		}
		bias := make([]float32, l.Filters)
		for i := range bias {
			bias[i] = float32(rng.NormFloat64() * 0.01)
		}
		weights[l.Name+"/kernel"] = nn.TensorWithShape{Values: kernel, Shape: []int{k, k, inC, l.Filters}, DType: "F32"}
		weights[l.Name+"/bias"] = nn.TensorWithShape{Values: bias, Shape: []int{l.Filters}, DType: "F32"}
		inC = l.Filters
	}
	return weights
}
