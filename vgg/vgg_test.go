package vgg

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/openfluke/stylize/nn"
	"github.com/openfluke/stylize/style"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyArch() []LayerSpec {
	return []LayerSpec{
		Conv("c1", 4),
		Pool("p1"),
		Conv("c2", 5),
		Pool("p2"),
		Conv("c3", 3),
	}
}

func tinyExtractor(t *testing.T, seed int64) *Extractor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	e, err := New(tinyArch(), RandomWeights(tinyArch(), 3, rng), DefaultOptions())
	require.NoError(t, err)
	return e
}

func randomImage(rng *rand.Rand, h, w int) *nn.Tensor[float32] {
	img := nn.NewTensor[float32](h, w, 3)
	for i := range img.Data {
		img.Data[i] = float32(rng.Float64() * 255)
	}
	return img
}

func TestVGG19Layout(t *testing.T) {
	arch := VGG19()
	require.NoError(t, validateArch(arch))
	assert.Len(t, arch, 21)

	convs := 0
	for _, l := range arch {
		if l.Kind == KindConv {
			convs++
		}
	}
	assert.Equal(t, 16, convs)
	assert.Equal(t, "block1_conv1", arch[0].Name)
	assert.Equal(t, "block4_conv2", arch[11].Name)
	assert.Equal(t, "block5_pool", arch[20].Name)
	assert.Equal(t, 512, arch[19].Filters)
}

func TestValidateArchRejectsDuplicates(t *testing.T) {
	assert.Error(t, validateArch([]LayerSpec{Conv("a", 2), Conv("a", 2)}))
	assert.Error(t, validateArch([]LayerSpec{Conv("", 2)}))
	assert.Error(t, validateArch(nil))
	assert.Error(t, validateArch([]LayerSpec{{Name: "p", Kind: KindPool}}))
}

func TestOutputShape(t *testing.T) {
	e := tinyExtractor(t, 1)

	shape, err := e.OutputShape("c3", 9, 13)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 3}, shape)

	shape, err = e.OutputShape("c1", 9, 13)
	require.NoError(t, err)
	assert.Equal(t, []int{9, 13, 4}, shape)

	_, err = e.OutputShape("c3", 3, 3)
	assert.ErrorIs(t, err, style.ErrShapeMismatch)

	_, err = e.OutputShape("fc7", 9, 13)
	assert.ErrorIs(t, err, style.ErrUnknownLayer)
}

func TestForwardFeaturesFollowRequestOrder(t *testing.T) {
	e := tinyExtractor(t, 2)
	img := randomImage(rand.New(rand.NewSource(3)), 8, 8)

	p, err := e.Forward(img, []string{"c2", "c1"})
	require.NoError(t, err)
	feats := p.Features()
	require.Len(t, feats, 2)
	assert.Equal(t, []int{4, 4, 5}, feats[0].Shape)
	assert.Equal(t, []int{8, 8, 4}, feats[1].Shape)

	// Nothing past c2 is evaluated.
	assert.Len(t, p.(*pass).pre, 3)

	for _, v := range feats[0].Data {
		assert.GreaterOrEqual(t, v, float32(0), "relu output")
	}
}

func TestForwardErrors(t *testing.T) {
	e := tinyExtractor(t, 2)

	_, err := e.Forward(nn.NewTensor[float32](8, 8, 3), []string{"nope"})
	assert.True(t, errors.Is(err, style.ErrUnknownLayer))
	assert.True(t, errors.Is(err, style.ErrConfig))

	_, err = e.Forward(nn.NewTensor[float32](8, 8, 4), []string{"c1"})
	assert.ErrorIs(t, err, style.ErrShapeMismatch)

	_, err = e.Forward(nn.NewTensor[float32](8, 8, 3), nil)
	assert.ErrorIs(t, err, style.ErrInvalidConfig)
}

func TestMeanSubtraction(t *testing.T) {
	arch := []LayerSpec{{Name: "c", Kind: KindConv, Filters: 2, KernelSize: 1}}
	weights := map[string]nn.TensorWithShape{
		"c/kernel": {Values: []float32{1, 0, 0, 1, 0, 0}, Shape: []int{1, 1, 3, 2}},
		"c/bias":   {Values: []float32{0.5, -0.5}, Shape: []int{2}},
	}
	e, err := New(arch, weights, DefaultOptions())
	require.NoError(t, err)

	img := nn.NewTensor[float32](2, 2, 3)
	for i := range img.Data {
		img.Data[i] = ImageNetMean[i%3]
	}
	img.Data[0] += 10

	p, err := e.Forward(img, []string{"c"})
	require.NoError(t, err)
	f := p.Features()[0]
	// pixel 0: red is 10 above the mean, green sits on it
	assert.InDelta(t, 10.5, f.Data[0], 1e-4)
	assert.InDelta(t, 0, f.Data[1], 1e-4)
	// other pixels see zero input
	assert.InDelta(t, 0.5, f.Data[2], 1e-4)
	assert.InDelta(t, 0, f.Data[3], 1e-4)
}

func TestKerasAndTorchLayoutsAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	arch := tinyArch()
	keras := RandomWeights(arch, 3, rng)

	torch := make(map[string]nn.TensorWithShape)
	inC := 3
	for _, l := range arch {
		if l.Kind != KindConv {
			continue
		}
		k, out := l.KernelSize, l.Filters
		src := keras[l.Name+"/kernel"].Values
		dst := make([]float32, len(src))
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				for ic := 0; ic < inC; ic++ {
					for oc := 0; oc < out; oc++ {
						dst[((oc*inC+ic)*k+kh)*k+kw] = src[((kh*k+kw)*inC+ic)*out+oc]
					}
				}
			}
		}
		torch[l.Name+".weight"] = nn.TensorWithShape{Values: dst, Shape: []int{out, inC, k, k}}
		torch[l.Name+".bias"] = keras[l.Name+"/bias"]
		inC = out
	}

	a, err := New(arch, keras, DefaultOptions())
	require.NoError(t, err)
	b, err := New(arch, torch, DefaultOptions())
	require.NoError(t, err)

	img := randomImage(rng, 8, 8)
	pa, err := a.Forward(img, []string{"c3"})
	require.NoError(t, err)
	pb, err := b.Forward(img, []string{"c3"})
	require.NoError(t, err)
	assert.Less(t, nn.MaxAbsDiff(pa.Features()[0].Data, pb.Features()[0].Data), 1e-4)
}

func TestNewRejectsBadWeights(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	weights := RandomWeights(tinyArch(), 3, rng)

	missing := make(map[string]nn.TensorWithShape)
	for k, v := range weights {
		if k != "c2/bias" {
			missing[k] = v
		}
	}
	_, err := New(tinyArch(), missing, DefaultOptions())
	assert.ErrorContains(t, err, "c2/bias")

	_, err = New(append(tinyArch(), Conv("c4", 8)), weights, DefaultOptions())
	assert.ErrorContains(t, err, "c4")

	// 4-channel input kernels do not fit an RGB extractor
	_, err = New(tinyArch(), RandomWeights(tinyArch(), 4, rng), DefaultOptions())
	assert.Error(t, err)
}

func TestLoadFromSafetensors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	weights := RandomWeights(tinyArch(), 3, rand.New(rand.NewSource(9)))
	require.NoError(t, nn.SaveSafetensors(path, weights))

	e, err := Load(path, tinyArch(), DefaultOptions())
	require.NoError(t, err)
	bp := e.Blueprint(8, 8)
	assert.Equal(t, 5, bp.TotalLayers)
	assert.Equal(t, (4*3*9+4)+(5*4*9+5)+(3*5*9+3), bp.TotalParams)
	assert.Equal(t, []int{2, 2, 3}, bp.Layers[4].OutputShape)
	assert.Equal(t, "relu", bp.Layers[0].Activation)
	assert.Equal(t, "cpu", bp.Layers[0].Backend)

	_, err = Load(filepath.Join(t.TempDir(), "missing.safetensors"), tinyArch(), DefaultOptions())
	assert.Error(t, err)
}

func TestBlueprintTooSmall(t *testing.T) {
	bp := tinyExtractor(t, 1).Blueprint(3, 3)
	assert.NotNil(t, bp.Layers[0].OutputShape)
	assert.Nil(t, bp.Layers[3].OutputShape, "second pool cannot fit a 1x1 map")
}

// Directional derivative check of the full backward pass through conv,
// relu and pool layers with gradients injected at two depths.
func TestBackwardMatchesFiniteDifference(t *testing.T) {
	e := tinyExtractor(t, 11)
	rng := rand.New(rand.NewSource(12))
	img := randomImage(rng, 8, 10)
	layers := []string{"c3", "c1"}

	p, err := e.Forward(img, layers)
	require.NoError(t, err)
	weights := make([]*nn.Tensor[float32], len(layers))
	for i, f := range p.Features() {
		weights[i] = nn.NewTensor[float32](f.Shape...)
		for j := range weights[i].Data {
			weights[i].Data[j] = float32(rng.NormFloat64())
		}
	}
	grad, err := p.Backward(weights)
	require.NoError(t, err)
	require.Equal(t, img.Shape, grad.Shape)

	loss := func(x *nn.Tensor[float32]) float64 {
		p, err := e.Forward(x, layers)
		require.NoError(t, err)
		sum := 0.0
		for i, f := range p.Features() {
			for j, v := range f.Data {
				sum += float64(v) * float64(weights[i].Data[j])
			}
		}
		return sum
	}

	const eps = 0.05
	for trial := 0; trial < 3; trial++ {
		dir := nn.NewTensor[float32](img.Shape...)
		analytic := 0.0
		for i := range dir.Data {
			dir.Data[i] = float32(rng.NormFloat64())
			analytic += float64(dir.Data[i]) * float64(grad.Data[i])
		}
		up, down := img.Clone(), img.Clone()
		for i, d := range dir.Data {
			up.Data[i] += eps * d
			down.Data[i] -= eps * d
		}
		numeric := (loss(up) - loss(down)) / (2 * eps)
		assert.InEpsilon(t, numeric, analytic, 0.02, "trial %d", trial)
	}
}

func TestBackwardWithoutGradients(t *testing.T) {
	e := tinyExtractor(t, 1)
	p, err := e.Forward(nn.NewTensor[float32](8, 8, 3), []string{"c1", "c2"})
	require.NoError(t, err)

	g, err := p.Backward([]*nn.Tensor[float32]{nil, nil})
	require.NoError(t, err)
	assert.Equal(t, []int{8, 8, 3}, g.Shape)
	assert.Equal(t, float32(0), nn.Max(g.Data))

	_, err = p.Backward([]*nn.Tensor[float32]{nil})
	assert.ErrorIs(t, err, style.ErrShapeMismatch)

	_, err = p.Backward([]*nn.Tensor[float32]{nn.NewTensor[float32](1, 1, 1), nil})
	assert.ErrorIs(t, err, style.ErrShapeMismatch)
}
