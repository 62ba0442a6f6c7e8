package style

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/stylize/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"pgregory.net/rapid"
)

func randTensor(rng *rand.Rand, scale float64, shape ...int) *nn.Tensor[float32] {
	t := nn.NewTensor[float32](shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * scale)
	}
	return t
}

// checkGradient compares an analytic gradient against central differences
// of loss along a few random directions.
func checkGradient(t *testing.T, x *nn.Tensor[float32], grad *nn.Tensor[float32], eps, tol float64, loss func(*nn.Tensor[float32]) float64) {
	t.Helper()
	require.Equal(t, x.Shape, grad.Shape)
	rng := rand.New(rand.NewSource(99))
	for trial := 0; trial < 4; trial++ {
		up, down := x.Clone(), x.Clone()
		analytic := 0.0
		for i := range x.Data {
			d := rng.NormFloat64()
			up.Data[i] += float32(eps * d)
			down.Data[i] -= float32(eps * d)
			analytic += d * float64(grad.Data[i])
		}
		numeric := (loss(up) - loss(down)) / (2 * eps)
		assert.InDelta(t, numeric, analytic, tol*(math.Abs(numeric)+1e-6), "trial %d", trial)
	}
}

func TestContentLoss(t *testing.T) {
	p := nn.NewTensorFromSlice([]float32{1, 2}, 1, 1, 2)
	c := nn.NewTensor[float32](1, 1, 2)

	loss, err := ContentLoss(p, c)
	require.NoError(t, err)
	assert.InDelta(t, 5.0/8.0, loss, 1e-12)

	loss, err = ContentLoss(p, p)
	require.NoError(t, err)
	assert.Zero(t, loss)

	_, err = ContentLoss(p, nn.NewTensor[float32](1, 2, 1))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestContentLossGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p, c := randTensor(rng, 1, 3, 4, 5), randTensor(rng, 1, 3, 4, 5)
	grad, err := ContentLossGrad(p, c)
	require.NoError(t, err)
	checkGradient(t, p, grad, 1e-2, 1e-3, func(x *nn.Tensor[float32]) float64 {
		l, err := ContentLoss(x, c)
		require.NoError(t, err)
		return l
	})
}

func TestGramMatrixProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := rapid.IntRange(1, 6).Draw(rt, "h")
		w := rapid.IntRange(1, 6).Draw(rt, "w")
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		data := rapid.SliceOfN(rapid.Float32Range(-10, 10), h*w*n, h*w*n).Draw(rt, "data")

		g, err := GramMatrix(nn.NewTensorFromSlice(data, h, w, n))
		if err != nil {
			rt.Fatal(err)
		}
		r, c := g.Dims()
		if r != n || c != n {
			rt.Fatalf("gram is %dx%d, want %dx%d", r, c, n, n)
		}
		for i := 0; i < n; i++ {
			if g.At(i, i) < 0 {
				rt.Fatalf("negative diagonal %v", g.At(i, i))
			}
			for j := 0; j < i; j++ {
				if g.At(i, j) != g.At(j, i) {
					rt.Fatalf("asymmetric at %d,%d", i, j)
				}
			}
		}
	})
}

func TestGramMatrixValues(t *testing.T) {
	// two pixels, two channels: F = [[1 2] [3 4]]
	g, err := GramMatrix(nn.NewTensorFromSlice([]float32{1, 2, 3, 4}, 1, 2, 2))
	require.NoError(t, err)
	assert.True(t, mat.Equal(g, mat.NewDense(2, 2, []float64{10, 14, 14, 20})))
}

func TestStyleLayerLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	f := randTensor(rng, 1, 4, 3, 6)
	target, err := GramMatrix(f)
	require.NoError(t, err)

	loss, err := StyleLayerLoss(f, target)
	require.NoError(t, err)
	assert.Zero(t, loss, "identical features")

	// D = all ones: ||D||^2 = N^2, loss = N^2 / (2NM)^2
	shifted := mat.DenseCopyOf(target)
	shifted.Apply(func(_, _ int, v float64) float64 { return v - 1 }, shifted)
	loss, err = StyleLayerLoss(f, shifted)
	require.NoError(t, err)
	assert.InDelta(t, 36.0/math.Pow(2*6*12, 2), loss, 1e-12)

	_, err = StyleLayerLoss(f, mat.NewDense(5, 5, nil))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestStyleLayerLossGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	f := randTensor(rng, 1, 3, 4, 5)
	target, err := GramMatrix(randTensor(rng, 1, 3, 4, 5))
	require.NoError(t, err)

	_, grad, err := StyleLayerLossGrad(f, target)
	require.NoError(t, err)
	checkGradient(t, f, grad, 1e-2, 2e-3, func(x *nn.Tensor[float32]) float64 {
		l, err := StyleLayerLoss(x, target)
		require.NoError(t, err)
		return l
	})
}

func TestWeightedStyleLoss(t *testing.T) {
	loss, err := WeightedStyleLoss([]float64{1, 2, 3, 4, 5}, DefaultStyleLayers().Weights)
	require.NoError(t, err)
	assert.InDelta(t, 39.0, loss, 1e-12)

	_, err = WeightedStyleLoss([]float64{1, 2}, []float64{1})
	assert.ErrorIs(t, err, ErrLayerWeightMismatch)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestHistogramLossUniformImageAnySize(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := rapid.IntRange(1, 75).Draw(rt, "h")
		w := rapid.IntRange(1, 75).Draw(rt, "w")
		v := rapid.Float32Range(0, 255).Draw(rt, "v")
		img := nn.NewTensor[float32](h, w, 3)
		for i := range img.Data {
			img.Data[i] = v
		}
		loss, err := HistogramLoss(img, img.Clone())
		if err != nil {
			rt.Fatal(err)
		}
		if loss != 0 {
			rt.Fatalf("loss %v for uniform %dx%d image", loss, h, w)
		}
	})
}

func TestHistogramLossValues(t *testing.T) {
	// 30 rows x 60 cols: left tile white, right tile black, against black
	img := nn.NewTensor[float32](30, 60, 3)
	for y := 0; y < 30; y++ {
		for x := 0; x < 30; x++ {
			for c := 0; c < 3; c++ {
				img.Data[(y*60+x)*3+c] = 255
			}
		}
	}
	loss, err := HistogramLoss(img, nn.NewTensor[float32](30, 60, 3))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, loss, 1e-9)

	_, err = HistogramLoss(img, nn.NewTensor[float32](30, 59, 3))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestHistogramLossSmallerThanTile(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	img := randTensor(rng, 50, 20, 29, 3)
	loss, grad, err := HistogramLossGrad(img, randTensor(rng, 50, 20, 29, 3))
	require.NoError(t, err)
	assert.Zero(t, loss)
	assert.Equal(t, img.Shape, grad.Shape)
	assert.Zero(t, nn.Max(grad.Data))
	assert.Zero(t, nn.Min(grad.Data))
}

func TestHistogramLossGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	img := randTensor(rng, 60, 65, 45, 3)
	content := randTensor(rng, 60, 65, 45, 3)
	_, grad, err := HistogramLossGrad(img, content)
	require.NoError(t, err)

	checkGradient(t, img, grad, 1.0, 1e-3, func(x *nn.Tensor[float32]) float64 {
		l, err := HistogramLoss(x, content)
		require.NoError(t, err)
		return l
	})

	// Pixels in the dropped border never influence the loss.
	assert.Zero(t, grad.Data[(64*45+44)*3])
	assert.Zero(t, grad.Data[(10*45+40)*3+1])
	assert.NotZero(t, grad.Data[(10*45+10)*3+1])
}

func TestSmoothnessLoss(t *testing.T) {
	img := nn.NewTensorFromSlice([]float32{0, 0, 0, 3}, 2, 2, 1)
	loss, err := SmoothnessLoss(img)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(18), loss, 1e-9)

	loss, grad, err := SmoothnessLossGrad(nn.NewTensor[float32](1, 5, 3))
	require.NoError(t, err)
	assert.Zero(t, loss)
	assert.Equal(t, []int{1, 5, 3}, grad.Shape)
}

func TestSmoothnessLossGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	img := randTensor(rng, 10, 5, 6, 3)
	_, grad, err := SmoothnessLossGrad(img)
	require.NoError(t, err)
	checkGradient(t, img, grad, 1e-2, 2e-3, func(x *nn.Tensor[float32]) float64 {
		l, err := SmoothnessLoss(x)
		require.NoError(t, err)
		return l
	})
}
