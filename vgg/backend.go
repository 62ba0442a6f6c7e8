package vgg

import (
	"log/slog"

	"github.com/openfluke/stylize/detector"
	"github.com/openfluke/stylize/gpu"
	"github.com/openfluke/stylize/nn"
)

// gpu layers are compiled for a fixed input size
type gpuKey struct{ layer, h, w int }

type gpuBackend struct {
	report *detector.Report
	layers map[gpuKey]*gpu.Conv2DLayer
	failed map[gpuKey]bool
	logger *slog.Logger
}

// newGPUBackend returns nil when no usable adapter is found.
func newGPUBackend(logger *slog.Logger) *gpuBackend {
	gpu.SetLogger(logger)
	report, err := detector.Detect()
	if err != nil {
		logger.Warn("gpu unavailable, using cpu", "error", err)
		return nil
	}
	if err := gpu.EnsureGPU(); err != nil {
		logger.Warn("gpu unavailable, using cpu", "error", err)
		return nil
	}
	logger.Debug("gpu adapter limits",
		"name", report.Name, "backend", report.Backend,
		"max_binding", report.Limits.MaxStorageBufferBindingSize,
		"workgroup", report.Recommended.WorkgroupX)
	return &gpuBackend{
		report: report,
		layers: make(map[gpuKey]*gpu.Conv2DLayer),
		failed: make(map[gpuKey]bool),
		logger: logger,
	}
}

func (b *gpuBackend) layer(i int, l layer, h, w int) (*gpu.Conv2DLayer, gpuKey, bool) {
	key := gpuKey{i, h, w}
	if b.failed[key] {
		return nil, key, false
	}
	if gl, ok := b.layers[key]; ok {
		return gl, key, true
	}

	spec := gpu.Conv2DSpec{
		InChannels:    l.conv.InputChannels,
		OutChannels:   l.conv.Filters,
		KernelSize:    l.conv.KernelSize,
		Stride:        1,
		Padding:       l.conv.Padding,
		InputHeight:   h,
		InputWidth:    w,
		Weights:       l.conv.Kernel,
		Bias:          l.conv.Bias,
		WorkgroupSize: int(b.report.Recommended.WorkgroupX),
	}
	if !b.report.Fits(spec.Invocations(), spec.BufferBytes()...) {
		b.logger.Debug("layer exceeds gpu limits, using cpu", "layer", l.spec.Name, "h", h, "w", w)
		b.failed[key] = true
		return nil, key, false
	}
	gl, err := gpu.NewConv2DLayer(spec, l.spec.Name)
	if err != nil {
		b.logger.Warn("gpu layer setup failed, using cpu", "layer", l.spec.Name, "error", err)
		b.failed[key] = true
		return nil, key, false
	}
	b.layers[key] = gl
	return gl, key, true
}

func (b *gpuBackend) fail(key gpuKey, name string, err error) {
	b.logger.Warn("gpu dispatch failed, using cpu", "layer", name, "error", err)
	if gl := b.layers[key]; gl != nil {
		gl.Cleanup()
		delete(b.layers, key)
	}
	b.failed[key] = true
}

// forward returns the pre-activation output, or false to fall back.
func (b *gpuBackend) forward(i int, l layer, x *nn.Tensor[float32]) (*nn.Tensor[float32], bool) {
	h, w := x.Shape[0], x.Shape[1]
	gl, key, ok := b.layer(i, l, h, w)
	if !ok {
		return nil, false
	}
	out, err := gl.Forward(x.Data)
	if err != nil {
		b.fail(key, l.spec.Name, err)
		return nil, false
	}
	oh, ow := gl.Spec.OutputSize()
	return nn.NewTensorFromSlice(out, oh, ow, gl.Spec.OutChannels), true
}

// backward takes the gradient with respect to the pre-activation output.
func (b *gpuBackend) backward(i int, l layer, inShape []int, gradPre []float32) (*nn.Tensor[float32], bool) {
	gl, key, ok := b.layer(i, l, inShape[0], inShape[1])
	if !ok {
		return nil, false
	}
	in, err := gl.Backward(gradPre)
	if err != nil {
		b.fail(key, l.spec.Name, err)
		return nil, false
	}
	return nn.NewTensorFromSlice(in, inShape...), true
}

func (b *gpuBackend) close() {
	for key, gl := range b.layers {
		gl.Cleanup()
		delete(b.layers, key)
	}
}

func (b *gpuBackend) active(i, h, w int) bool {
	_, ok := b.layers[gpuKey{i, h, w}]
	return ok
}
