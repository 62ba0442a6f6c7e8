package style

import (
	"fmt"
	"slices"

	"github.com/openfluke/stylize/nn"
	"gonum.org/v1/gonum/mat"
)

// StyleSource turns the synthesized image's style-layer features into a
// style loss and per-layer feature gradients.
type StyleSource interface {
	// Layers is the style layer specification, in feature order.
	Layers() LayerSpec

	// StyleLoss returns the weighted loss, the unweighted per-layer losses
	// and, for each layer, the gradient of the weighted loss with respect
	// to that layer's features.
	StyleLoss(features []*nn.Tensor[float32]) (loss float64, perLayer []float64, grads []*nn.Tensor[float32], err error)
}

// imageShaper is implemented by sources tied to a particular image size.
type imageShaper interface {
	ImageShape() []int
}

// UnimplementedStyleSource can be embedded by StyleSource implementations
// that have not written StyleLoss yet; calling it fails with
// ErrNotImplemented.
type UnimplementedStyleSource struct {
	Spec LayerSpec
}

func (u UnimplementedStyleSource) Layers() LayerSpec { return u.Spec }

func (UnimplementedStyleSource) StyleLoss([]*nn.Tensor[float32]) (float64, []float64, []*nn.Tensor[float32], error) {
	return 0, nil, nil, ErrNotImplemented
}

// gramStyleLoss is the aggregation shared by every source: one style layer
// loss per target Gram matrix, then the weighted sum. Gradients are scaled
// by the layer weight.
func gramStyleLoss(spec LayerSpec, targets []*mat.Dense, features []*nn.Tensor[float32]) (float64, []float64, []*nn.Tensor[float32], error) {
	if len(features) != len(targets) {
		return 0, nil, nil, fmt.Errorf("%w: %d feature maps for %d style layers", ErrShapeMismatch, len(features), len(targets))
	}
	perLayer := make([]float64, len(features))
	grads := make([]*nn.Tensor[float32], len(features))
	for i, f := range features {
		loss, g, err := StyleLayerLossGrad(f, targets[i])
		if err != nil {
			return 0, nil, nil, fmt.Errorf("style layer %s: %w", spec.Names[i], err)
		}
		w := float32(spec.Weights[i])
		for j := range g.Data {
			g.Data[j] *= w
		}
		perLayer[i], grads[i] = loss, g
	}
	total, err := WeightedStyleLoss(perLayer, spec.Weights)
	if err != nil {
		return 0, nil, nil, err
	}
	return total, perLayer, grads, nil
}

func cloneGrams(grams []*mat.Dense) []*mat.Dense {
	out := make([]*mat.Dense, len(grams))
	for i, g := range grams {
		out[i] = mat.DenseCopyOf(g)
	}
	return out
}

// LiveStyle derives target Gram matrices from a style image. The style
// image is fixed, so its features and Gram matrices are computed once at
// construction.
type LiveStyle struct {
	spec  LayerSpec
	shape []int
	grams []*mat.Dense
}

// NewLiveStyle runs the style image through the extractor once.
func NewLiveStyle(extractor FeatureExtractor, spec LayerSpec, styleImage *nn.Tensor[float32]) (*LiveStyle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	pass, err := extractor.Forward(styleImage, spec.Names)
	if err != nil {
		return nil, fmt.Errorf("style image features: %w", err)
	}
	feats := pass.Features()
	grams := make([]*mat.Dense, len(feats))
	for i, f := range feats {
		if grams[i], err = GramMatrix(f); err != nil {
			return nil, fmt.Errorf("style layer %s: %w", spec.Names[i], err)
		}
	}
	return &LiveStyle{spec: spec.Clone(), shape: slices.Clone(styleImage.Shape), grams: grams}, nil
}

func (s *LiveStyle) Layers() LayerSpec { return s.spec.Clone() }
func (s *LiveStyle) ImageShape() []int { return slices.Clone(s.shape) }
func (s *LiveStyle) StyleGrams() []*mat.Dense { return cloneGrams(s.grams) }

func (s *LiveStyle) StyleLoss(features []*nn.Tensor[float32]) (float64, []float64, []*nn.Tensor[float32], error) {
	return gramStyleLoss(s.spec, s.grams, features)
}

// GramStyle uses precomputed target Gram matrices instead of a style image.
// Their shapes are fixed at construction from the extractor's layer shapes.
type GramStyle struct {
	spec  LayerSpec
	shape []int
	sizes []int // N for each layer
	grams []*mat.Dense
}

// NewGramStyle prepares an empty source for h x w images. Call Load before
// computing losses.
func NewGramStyle(extractor FeatureExtractor, spec LayerSpec, h, w int) (*GramStyle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	sizes := make([]int, len(spec.Names))
	for i, name := range spec.Names {
		shape, err := extractor.OutputShape(name, h, w)
		if err != nil {
			return nil, err
		}
		sizes[i] = shape[len(shape)-1]
	}
	return &GramStyle{spec: spec.Clone(), shape: []int{h, w, 3}, sizes: sizes}, nil
}

func (s *GramStyle) Layers() LayerSpec { return s.spec.Clone() }
func (s *GramStyle) ImageShape() []int { return slices.Clone(s.shape) }

// GramShapes returns N for each style layer; layer i expects an N x N matrix.
func (s *GramStyle) GramShapes() []int { return slices.Clone(s.sizes) }

// Loaded reports whether Load has succeeded.
func (s *GramStyle) Loaded() bool { return s.grams != nil }

// Load replaces the target Gram matrices with copies of grams.
func (s *GramStyle) Load(grams []*mat.Dense) error {
	if len(grams) != len(s.sizes) {
		return fmt.Errorf("%w: %d gram matrices for %d style layers", ErrShapeMismatch, len(grams), len(s.sizes))
	}
	for i, g := range grams {
		if g == nil {
			return fmt.Errorf("%w: missing gram matrix for %s", ErrShapeMismatch, s.spec.Names[i])
		}
		if r, c := g.Dims(); r != s.sizes[i] || c != s.sizes[i] {
			return fmt.Errorf("%w: gram for %s is %dx%d, want %dx%d", ErrShapeMismatch, s.spec.Names[i], r, c, s.sizes[i], s.sizes[i])
		}
	}
	s.grams = cloneGrams(grams)
	return nil
}

func (s *GramStyle) StyleLoss(features []*nn.Tensor[float32]) (float64, []float64, []*nn.Tensor[float32], error) {
	if s.grams == nil {
		return 0, nil, nil, ErrStyleNotLoaded
	}
	return gramStyleLoss(s.spec, s.grams, features)
}

const gramKeyPrefix = "gram/"

// SaveGrams writes one float32 N x N tensor per layer, keyed gram/<layer>.
func SaveGrams(path string, spec LayerSpec, grams []*mat.Dense) error {
	if len(grams) != len(spec.Names) {
		return fmt.Errorf("%w: %d gram matrices for %d layers", ErrLayerWeightMismatch, len(grams), len(spec.Names))
	}
	tensors := make(map[string]nn.TensorWithShape, len(grams))
	for i, g := range grams {
		r, c := g.Dims()
		values := make([]float32, 0, r*c)
		for y := 0; y < r; y++ {
			for x := 0; x < c; x++ {
				values = append(values, float32(g.At(y, x)))
			}
		}
		tensors[gramKeyPrefix+spec.Names[i]] = nn.TensorWithShape{Values: values, Shape: []int{r, c}, DType: "F32"}
	}
	if err := nn.SaveSafetensors(path, tensors); err != nil {
		return fmt.Errorf("save gram matrices: %w", err)
	}
	return nil
}

// LoadGramsFile reads the matrices SaveGrams wrote, in spec order.
func LoadGramsFile(path string, spec LayerSpec) ([]*mat.Dense, error) {
	tensors, err := nn.LoadSafetensors(path)
	if err != nil {
		return nil, fmt.Errorf("load gram matrices: %w", err)
	}
	grams := make([]*mat.Dense, len(spec.Names))
	for i, name := range spec.Names {
		t, ok := tensors[gramKeyPrefix+name]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no gram matrix for %s", ErrUnknownLayer, path, name)
		}
		if len(t.Shape) != 2 || t.Shape[0] != t.Shape[1] {
			return nil, fmt.Errorf("%w: gram for %s has shape %v", ErrShapeMismatch, name, t.Shape)
		}
		grams[i] = mat.NewDense(t.Shape[0], t.Shape[1], toFloat64(t.Values))
	}
	return grams, nil
}
