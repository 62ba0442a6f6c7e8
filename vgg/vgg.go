// Package vgg implements a frozen VGG-style feature extractor: a chain of
// 3x3 convolutions with ReLU and 2x2 max pools, loaded from safetensors, that
// can return any named intermediate feature map and backpropagate feature
// gradients to the input image.
package vgg

import (
	"fmt"
	"log/slog"

	"github.com/samber/lo"
)

// ImageNetMean is the per-channel RGB mean the VGG weights were trained with.
var ImageNetMean = [3]float32{123.68, 116.779, 103.939}

// LayerKind distinguishes convolution from pooling entries.
type LayerKind int

const (
	KindConv LayerKind = iota
	KindPool
)

func (k LayerKind) String() string {
	if k == KindPool {
		return "maxpool2d"
	}
	return "conv2d"
}

// LayerSpec is one entry of an architecture. Conv layers always apply ReLU.
type LayerSpec struct {
	Name       string
	Kind       LayerKind
	Filters    int // conv only
	KernelSize int // conv only
	Padding    int // conv only
	PoolSize   int // pool only; stride equals PoolSize
}

// Conv returns a 3x3, padding 1 convolution spec.
func Conv(name string, filters int) LayerSpec {
	return LayerSpec{Name: name, Kind: KindConv, Filters: filters, KernelSize: 3, Padding: 1}
}

// Pool returns a 2x2 stride 2 max pool spec.
func Pool(name string) LayerSpec {
	return LayerSpec{Name: name, Kind: KindPool, PoolSize: 2}
}

// VGG19 returns the convolutional part of VGG19 with Keras layer names
// (block1_conv1 ... block5_pool).
func VGG19() []LayerSpec {
	blocks := []struct{ convs, filters int }{
		{2, 64}, {2, 128}, {4, 256}, {4, 512}, {4, 512},
	}
	var arch []LayerSpec
	for b, blk := range blocks {
		for c := 1; c <= blk.convs; c++ {
			arch = append(arch, Conv(fmt.Sprintf("block%d_conv%d", b+1, c), blk.filters))
		}
		arch = append(arch, Pool(fmt.Sprintf("block%d_pool", b+1)))
	}
	return arch
}

// Options configures an Extractor.
type Options struct {
	// MeanPixel is subtracted from every input pixel before the first layer.
	MeanPixel [3]float32

	// UseGPU runs convolutions through WebGPU when an adapter is available
	// and the layer fits its limits. Anything else falls back to the CPU.
	UseGPU bool

	Logger *slog.Logger
}

// DefaultOptions uses the ImageNet mean on the CPU.
func DefaultOptions() Options {
	return Options{MeanPixel: ImageNetMean, Logger: slog.Default()}
}

func validateArch(arch []LayerSpec) error {
	if len(arch) == 0 {
		return fmt.Errorf("vgg: empty architecture")
	}
	names := lo.Map(arch, func(l LayerSpec, _ int) string { return l.Name })
	if lo.Contains(names, "") {
		return fmt.Errorf("vgg: architecture has an unnamed layer")
	}
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return fmt.Errorf("vgg: duplicate layer names %v", dups)
	}
	for _, l := range arch {
		switch l.Kind {
		case KindConv:
			if l.Filters < 1 || l.KernelSize < 1 || l.Padding < 0 {
				return fmt.Errorf("vgg: layer %s: invalid conv geometry", l.Name)
			}
		case KindPool:
			if l.PoolSize < 1 {
				return fmt.Errorf("vgg: layer %s: invalid pool size", l.Name)
			}
		default:
			return fmt.Errorf("vgg: layer %s: unknown kind %d", l.Name, l.Kind)
		}
	}
	return nil
}
