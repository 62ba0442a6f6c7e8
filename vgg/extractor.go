package vgg

import (
	"fmt"
	"log/slog"

	"github.com/openfluke/stylize/nn"
	"github.com/openfluke/stylize/style"
)

type layer struct {
	spec LayerSpec
	conv *nn.Conv2DLayer // nil for pools
	pool nn.MaxPool2DLayer
}

// Extractor is a frozen VGG-style network. Weights are never modified after
// construction. An Extractor is not safe for concurrent use.
type Extractor struct {
	layers []layer
	index  map[string]int
	mean   [3]float32
	logger *slog.Logger
	gpu    *gpuBackend // nil when running on the CPU only
}

var _ style.FeatureExtractor = (*Extractor)(nil)

// New builds an extractor for an RGB input from arch and a weight set keyed
// by layer name (see Load for the accepted layouts).
func New(arch []LayerSpec, weights map[string]nn.TensorWithShape, opts Options) (*Extractor, error) {
	if err := validateArch(arch); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Extractor{
		layers: make([]layer, len(arch)),
		index:  make(map[string]int, len(arch)),
		mean:   opts.MeanPixel,
		logger: logger,
	}

	inC, params := 3, 0
	for i, spec := range arch {
		e.index[spec.Name] = i
		e.layers[i].spec = spec
		switch spec.Kind {
		case KindConv:
			kernel, bias, err := convWeights(weights, spec, inC)
			if err != nil {
				return nil, err
			}
			e.layers[i].conv = &nn.Conv2DLayer{
				KernelSize:    spec.KernelSize,
				Stride:        1,
				Padding:       spec.Padding,
				InputChannels: inC,
				Filters:       spec.Filters,
				Activation:    nn.ActivationReLU,
				Kernel:        kernel,
				Bias:          bias,
			}
			params += e.layers[i].conv.ParamCount()
			inC = spec.Filters
		case KindPool:
			e.layers[i].pool = nn.MaxPool2DLayer{PoolSize: spec.PoolSize, Stride: spec.PoolSize}
		}
	}

	if opts.UseGPU {
		e.gpu = newGPUBackend(logger)
	}
	backend := "cpu"
	if e.gpu != nil {
		backend = "gpu"
	}
	logger.Info("feature extractor ready", "layers", len(arch), "params", params, "backend", backend)
	return e, nil
}

// Close releases GPU resources. The extractor keeps working on the CPU.
func (e *Extractor) Close() {
	if e.gpu != nil {
		e.gpu.close()
		e.gpu = nil
	}
}

// lookup maps requested names to layer indices and returns the deepest one.
func (e *Extractor) lookup(names []string) ([]int, int, error) {
	if len(names) == 0 {
		return nil, 0, fmt.Errorf("%w: no layers requested", style.ErrInvalidConfig)
	}
	idx := make([]int, len(names))
	deepest := 0
	for i, name := range names {
		j, ok := e.index[name]
		if !ok {
			return nil, 0, fmt.Errorf("%w: %q", style.ErrUnknownLayer, name)
		}
		idx[i] = j
		deepest = max(deepest, j)
	}
	return idx, deepest, nil
}

// OutputShape walks the architecture without running it.
func (e *Extractor) OutputShape(name string, h, w int) ([]int, error) {
	idx, _, err := e.lookup([]string{name})
	if err != nil {
		return nil, err
	}
	c := 3
	for _, l := range e.layers[:idx[0]+1] {
		if l.conv != nil {
			h, w = l.conv.OutputSize(h, w)
			c = l.conv.Filters
		} else {
			h, w = l.pool.OutputSize(h, w)
		}
		if h < 1 || w < 1 {
			return nil, fmt.Errorf("%w: input too small for layer %s", style.ErrShapeMismatch, l.spec.Name)
		}
	}
	return []int{h, w, c}, nil
}

// Forward runs the network up to the deepest requested layer.
func (e *Extractor) Forward(img *nn.Tensor[float32], names []string) (style.Pass, error) {
	h, w, c, err := img.HWC()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", style.ErrShapeMismatch, err)
	}
	if c != 3 {
		return nil, fmt.Errorf("%w: expected 3 channels, got %d", style.ErrShapeMismatch, c)
	}
	idx, deepest, err := e.lookup(names)
	if err != nil {
		return nil, err
	}

	x := nn.NewTensor[float32](h, w, 3)
	for i, v := range img.Data {
		x.Data[i] = v - e.mean[i%3]
	}

	p := &pass{
		e:       e,
		request: idx,
		inputs:  make([][]int, deepest+1),
		pre:     make([]*nn.Tensor[float32], deepest+1),
		argmax:  make([][]int32, deepest+1),
	}
	outputs := make([]*nn.Tensor[float32], deepest+1)
	for i := 0; i <= deepest; i++ {
		l := &e.layers[i]
		p.inputs[i] = x.Shape
		if l.conv != nil {
			pre, post, err := e.convForward(i, x)
			if err != nil {
				return nil, fmt.Errorf("vgg: %s: %w", l.spec.Name, err)
			}
			p.pre[i], x = pre, post
		} else {
			out, argmax, err := nn.MaxPool2DForward(x, l.pool)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", style.ErrShapeMismatch, l.spec.Name, err)
			}
			p.argmax[i], x = argmax, out
		}
		outputs[i] = x
	}

	p.features = make([]*nn.Tensor[float32], len(idx))
	for i, j := range idx {
		p.features[i] = outputs[j]
	}
	return p, nil
}

func (e *Extractor) convForward(i int, x *nn.Tensor[float32]) (pre, post *nn.Tensor[float32], err error) {
	if e.gpu != nil {
		if pre, ok := e.gpu.forward(i, e.layers[i], x); ok {
			post := nn.NewTensor[float32](pre.Shape...)
			for j, v := range pre.Data {
				post.Data[j] = nn.Activate(v, nn.ActivationReLU)
			}
			return pre, post, nil
		}
	}
	return nn.Conv2DForward(x, e.layers[i].conv)
}

func (e *Extractor) convBackward(i int, grad, pre *nn.Tensor[float32], inShape []int) (*nn.Tensor[float32], error) {
	if e.gpu != nil {
		gradPre := make([]float32, len(grad.Data))
		for j, g := range grad.Data {
			gradPre[j] = g * nn.ActivateDerivative(pre.Data[j], nn.ActivationReLU)
		}
		if in, ok := e.gpu.backward(i, e.layers[i], inShape, gradPre); ok {
			return in, nil
		}
	}
	return nn.Conv2DBackwardInput(grad, pre, inShape, e.layers[i].conv)
}

type pass struct {
	e        *Extractor
	request  []int
	features []*nn.Tensor[float32]

	// per layer up to the deepest requested one
	inputs [][]int
	pre    []*nn.Tensor[float32]
	argmax [][]int32
}

func (p *pass) Features() []*nn.Tensor[float32] { return p.features }

// Backward walks from the deepest requested layer to the input, adding each
// layer's injected gradient where that layer's output is reached.
func (p *pass) Backward(grads []*nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if len(grads) != len(p.request) {
		return nil, fmt.Errorf("%w: %d gradients for %d layers", style.ErrShapeMismatch, len(grads), len(p.request))
	}
	for i, g := range grads {
		if g != nil && !g.SameShape(p.features[i]) {
			return nil, fmt.Errorf("%w: gradient %v for feature %v", style.ErrShapeMismatch, g.Shape, p.features[i].Shape)
		}
	}

	var g *nn.Tensor[float32]
	for i := len(p.inputs) - 1; i >= 0; i-- {
		for r, j := range p.request {
			if j != i || grads[r] == nil {
				continue
			}
			if g == nil {
				g = grads[r].Clone()
				continue
			}
			for k, v := range grads[r].Data {
				g.Data[k] += v
			}
		}
		if g == nil {
			continue
		}

		var err error
		l := &p.e.layers[i]
		if l.conv != nil {
			g, err = p.e.convBackward(i, g, p.pre[i], p.inputs[i])
		} else {
			g, err = nn.MaxPool2DBackward(g, p.argmax[i], p.inputs[i])
		}
		if err != nil {
			return nil, fmt.Errorf("vgg: backward %s: %w", l.spec.Name, err)
		}
	}

	// Mean subtraction has unit derivative.
	if g == nil {
		return nn.NewTensor[float32](p.inputs[0]...), nil
	}
	return g, nil
}
