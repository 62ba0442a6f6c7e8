package nn

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Conv2DLayer is a frozen 2D convolution over [height, width, channels]
// input. Kernel layout is [filters][inChannels][kernelH][kernelW], the same
// layout the gpu package uploads.
type Conv2DLayer struct {
	KernelSize    int
	Stride        int
	Padding       int
	InputChannels int
	Filters       int
	Activation    ActivationType
	Kernel        []float32
	Bias          []float32

	// kernel transposed to [kh][kw][inChannels][filters] for the CPU loops
	hwioOnce sync.Once
	hwio     []float32
}

// InitConv2DLayer initializes a Conv2D layer with random weights
func InitConv2DLayer(inputChannels, kernelSize, stride, padding, filters int, activation ActivationType) *Conv2DLayer {
	// Initialize kernel weights (He initialization)
	kernelTotal := filters * inputChannels * kernelSize * kernelSize
	kernel := make([]float32, kernelTotal)
	stddev := float32(math.Sqrt(2.0 / float64(inputChannels*kernelSize*kernelSize)))

	for i := range kernel {
		kernel[i] = float32(rand.NormFloat64()) * stddev
	}

	return &Conv2DLayer{
		KernelSize:    kernelSize,
		Stride:        stride,
		Padding:       padding,
		InputChannels: inputChannels,
		Filters:       filters,
		Activation:    activation,
		Kernel:        kernel,
		Bias:          make([]float32, filters),
	}
}

// OutputSize returns the spatial output size for an inH x inW input.
func (l *Conv2DLayer) OutputSize(inH, inW int) (int, int) {
	stride := l.stride()
	outH := (inH+2*l.Padding-l.KernelSize)/stride + 1
	outW := (inW+2*l.Padding-l.KernelSize)/stride + 1
	return outH, outW
}

// ParamCount returns the number of kernel and bias values.
func (l *Conv2DLayer) ParamCount() int {
	return len(l.Kernel) + len(l.Bias)
}

// Validate checks that the kernel and bias match the declared dimensions.
func (l *Conv2DLayer) Validate() error {
	want := l.Filters * l.InputChannels * l.KernelSize * l.KernelSize
	if len(l.Kernel) != want {
		return fmt.Errorf("conv2d kernel has %d values, want %d", len(l.Kernel), want)
	}
	if len(l.Bias) != l.Filters {
		return fmt.Errorf("conv2d bias has %d values, want %d", len(l.Bias), l.Filters)
	}
	return nil
}

func (l *Conv2DLayer) stride() int {
	if l.Stride < 1 {
		return 1
	}
	return l.Stride
}

func (l *Conv2DLayer) kernelHWIO() []float32 {
	l.hwioOnce.Do(func() {
		k, inC, f := l.KernelSize, l.InputChannels, l.Filters
		l.hwio = make([]float32, len(l.Kernel))
		for o := 0; o < f; o++ {
			for ic := 0; ic < inC; ic++ {
				for kh := 0; kh < k; kh++ {
					for kw := 0; kw < k; kw++ {
						src := o*inC*k*k + ic*k*k + kh*k + kw
						dst := ((kh*k+kw)*inC+ic)*f + o
						l.hwio[dst] = l.Kernel[src]
					}
				}
			}
		}
	})
	return l.hwio
}

// Conv2DForward performs 2D convolution on CPU.
// input shape: [height][width][inChannels]
// output shape: [outHeight][outWidth][filters]
// Returns: preActivation (before activation), postActivation (after activation)
func Conv2DForward(input *Tensor[float32], layer *Conv2DLayer) (*Tensor[float32], *Tensor[float32], error) {
	inH, inW, inC, err := input.HWC()
	if err != nil {
		return nil, nil, err
	}
	if inC != layer.InputChannels {
		return nil, nil, fmt.Errorf("conv2d expects %d input channels, got %d", layer.InputChannels, inC)
	}
	if err := layer.Validate(); err != nil {
		return nil, nil, err
	}
	outH, outW := layer.OutputSize(inH, inW)
	if outH < 1 || outW < 1 {
		return nil, nil, fmt.Errorf("conv2d input %dx%d too small for kernel %d", inH, inW, layer.KernelSize)
	}

	k := layer.KernelSize
	stride := layer.stride()
	padding := layer.Padding
	filters := layer.Filters
	kernel := layer.kernelHWIO()

	pre := NewTensor[float32](outH, outW, filters)
	post := NewTensor[float32](outH, outW, filters)

	parallelRows(outH, func(start, end int) {
		for oh := start; oh < end; oh++ {
			for ow := 0; ow < outW; ow++ {
				outIdx := (oh*outW + ow) * filters
				acc := pre.Data[outIdx : outIdx+filters]
				copy(acc, layer.Bias)

				for kh := 0; kh < k; kh++ {
					ih := oh*stride + kh - padding
					if ih < 0 || ih >= inH {
						continue
					}
					for kw := 0; kw < k; kw++ {
						iw := ow*stride + kw - padding
						if iw < 0 || iw >= inW {
							continue
						}
						inIdx := (ih*inW + iw) * inC
						for ic := 0; ic < inC; ic++ {
							v := input.Data[inIdx+ic]
							if v == 0 {
								continue
							}
							kIdx := ((kh*k+kw)*inC + ic) * filters
							row := kernel[kIdx : kIdx+filters]
							for f := range acc {
								acc[f] += v * row[f]
							}
						}
					}
				}

				out := post.Data[outIdx : outIdx+filters]
				for f, v := range acc {
					out[f] = activateCPU(v, layer.Activation)
				}
			}
		}
	})

	return pre, post, nil
}

// Conv2DBackwardInput computes the gradient with respect to the layer input.
// gradOutput: gradient flowing back from the next layer (post-activation)
// preActivation: pre-activation output saved by Conv2DForward
// inputShape: shape of the forward input
// Kernel and bias gradients are not computed; the layer is frozen.
func Conv2DBackwardInput(gradOutput, preActivation *Tensor[float32], inputShape []int, layer *Conv2DLayer) (*Tensor[float32], error) {
	if !gradOutput.SameShape(preActivation) {
		return nil, fmt.Errorf("conv2d gradient shape %v does not match output shape %v", gradOutput.Shape, preActivation.Shape)
	}
	if len(inputShape) != 3 || inputShape[2] != layer.InputChannels {
		return nil, fmt.Errorf("conv2d input shape %v does not match %d channels", inputShape, layer.InputChannels)
	}
	inH, inW, inC := inputShape[0], inputShape[1], inputShape[2]
	outH, outW, filters, err := preActivation.HWC()
	if err != nil {
		return nil, err
	}

	// Apply activation derivative
	gradPre := make([]float32, len(gradOutput.Data))
	for i, g := range gradOutput.Data {
		gradPre[i] = g * activateDerivativeCPU(preActivation.Data[i], layer.Activation)
	}

	k := layer.KernelSize
	stride := layer.stride()
	padding := layer.Padding
	kernel := layer.kernelHWIO()
	gradInput := NewTensor[float32](inH, inW, inC)

	// Gather form: each input pixel sums over the outputs it contributed to,
	// so rows can be processed independently.
	parallelRows(inH, func(start, end int) {
		for ih := start; ih < end; ih++ {
			for iw := 0; iw < inW; iw++ {
				dst := gradInput.Data[(ih*inW+iw)*inC : (ih*inW+iw+1)*inC]
				for kh := 0; kh < k; kh++ {
					ohs := ih + padding - kh
					if ohs < 0 || ohs%stride != 0 || ohs/stride >= outH {
						continue
					}
					oh := ohs / stride
					for kw := 0; kw < k; kw++ {
						ows := iw + padding - kw
						if ows < 0 || ows%stride != 0 || ows/stride >= outW {
							continue
						}
						ow := ows / stride
						gIdx := (oh*outW + ow) * filters
						g := gradPre[gIdx : gIdx+filters]
						for ic := 0; ic < inC; ic++ {
							kIdx := ((kh*k+kw)*inC + ic) * filters
							row := kernel[kIdx : kIdx+filters]
							var sum float32
							for f, gv := range g {
								sum += gv * row[f]
							}
							dst[ic] += sum
						}
					}
				}
			}
		}
	})

	return gradInput, nil
}
