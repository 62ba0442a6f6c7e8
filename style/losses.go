package style

import (
	"fmt"
	"math"

	"github.com/openfluke/stylize/nn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// HistogramTile is the side of the average-pooling window used by
// HistogramLoss. Partial tiles at the right and bottom edges are dropped.
const HistogramTile = 30

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toTensor(v []float64, shape []int) *nn.Tensor[float32] {
	t := nn.NewTensor[float32](shape...)
	for i, x := range v {
		t.Data[i] = float32(x)
	}
	return t
}

func checkSameShape(a, b *nn.Tensor[float32]) error {
	if !a.SameShape(b) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	return nil
}

// ContentLoss is sum((p-c)^2) / (4 * size).
func ContentLoss(p, c *nn.Tensor[float32]) (float64, error) {
	if err := checkSameShape(p, c); err != nil {
		return 0, err
	}
	d := toFloat64(p.Data)
	floats.Sub(d, toFloat64(c.Data))
	return floats.Dot(d, d) / (4 * float64(len(d))), nil
}

// ContentLossGrad is d ContentLoss / dp = (p-c) / (2 * size).
func ContentLossGrad(p, c *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if err := checkSameShape(p, c); err != nil {
		return nil, err
	}
	d := toFloat64(p.Data)
	floats.Sub(d, toFloat64(c.Data))
	floats.Scale(1/(2*float64(len(d))), d)
	return toTensor(d, p.Shape), nil
}

// featureMatrix views an [h, w, n] feature map as an (h*w) x n matrix.
func featureMatrix(f *nn.Tensor[float32]) (*mat.Dense, error) {
	h, w, n, err := f.HWC()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	return mat.NewDense(h*w, n, toFloat64(f.Data)), nil
}

// GramMatrix returns F^T F for the (h*w) x n reshape of f.
func GramMatrix(f *nn.Tensor[float32]) (*mat.Dense, error) {
	fm, err := featureMatrix(f)
	if err != nil {
		return nil, err
	}
	_, n := fm.Dims()
	g := mat.NewDense(n, n, nil)
	g.Mul(fm.T(), fm)
	return g, nil
}

// styleLayer evaluates one layer's style loss and optionally its gradient
// with respect to the feature map.
func styleLayer(f *nn.Tensor[float32], target mat.Matrix, wantGrad bool) (float64, *nn.Tensor[float32], error) {
	fm, err := featureMatrix(f)
	if err != nil {
		return 0, nil, err
	}
	m, n := fm.Dims()
	if tr, tc := target.Dims(); tr != n || tc != n {
		return 0, nil, fmt.Errorf("%w: gram %dx%d vs target %dx%d", ErrShapeMismatch, n, n, tr, tc)
	}

	d := mat.NewDense(n, n, nil)
	d.Mul(fm.T(), fm)
	d.Sub(d, target)

	denom := 2 * float64(n) * float64(m)
	denom *= denom
	norm := mat.Norm(d, 2)
	loss := norm * norm / denom
	if !wantGrad {
		return loss, nil, nil
	}

	// d/dF ||F^T F - A||^2 = 2 F (D + D^T)
	var sym mat.Dense
	sym.Add(d, d.T())
	var g mat.Dense
	g.Mul(fm, &sym)
	g.Scale(2/denom, &g)
	return loss, toTensor(g.RawMatrix().Data, f.Shape), nil
}

// StyleLayerLoss is ||G(f) - a||_F^2 / (2*N*M)^2 where f is [h, w, N] and
// M = h*w. A target that is not N x N is ErrShapeMismatch.
func StyleLayerLoss(f *nn.Tensor[float32], a mat.Matrix) (float64, error) {
	loss, _, err := styleLayer(f, a, false)
	return loss, err
}

// StyleLayerLossGrad returns the loss and 2F(D + D^T)/(2NM)^2 with D = G(f) - a.
func StyleLayerLossGrad(f *nn.Tensor[float32], a mat.Matrix) (float64, *nn.Tensor[float32], error) {
	return styleLayer(f, a, true)
}

// WeightedStyleLoss is sum(weights[i] * losses[i]).
func WeightedStyleLoss(losses, weights []float64) (float64, error) {
	if len(losses) != len(weights) {
		return 0, fmt.Errorf("%w: %d losses, %d weights", ErrLayerWeightMismatch, len(losses), len(weights))
	}
	return floats.Dot(losses, weights), nil
}

// brightness averages the channels of x/255 and average-pools the result
// over HistogramTile squares with VALID padding.
func brightness(img *nn.Tensor[float32]) (pooled []float64, th, tw int, err error) {
	h, w, c, err := img.HWC()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	th, tw = h/HistogramTile, w/HistogramTile
	pooled = make([]float64, th*tw)
	scale := 1 / (255 * float64(c) * HistogramTile * HistogramTile)
	for ty := 0; ty < th; ty++ {
		for tx := 0; tx < tw; tx++ {
			sum := 0.0
			for y := ty * HistogramTile; y < (ty+1)*HistogramTile; y++ {
				row := img.Data[(y*w+tx*HistogramTile)*c : (y*w+(tx+1)*HistogramTile)*c]
				for _, v := range row {
					sum += float64(v)
				}
			}
			pooled[ty*tw+tx] = sum * scale
		}
	}
	return pooled, th, tw, nil
}

// HistogramLoss is the mean squared difference between the pooled
// brightness maps of img and content. Images smaller than one tile have
// empty maps and a loss of zero.
func HistogramLoss(img, content *nn.Tensor[float32]) (float64, error) {
	loss, _, err := histogram(img, content, false)
	return loss, err
}

// HistogramLossGrad returns the loss and its gradient with respect to img.
func HistogramLossGrad(img, content *nn.Tensor[float32]) (float64, *nn.Tensor[float32], error) {
	return histogram(img, content, true)
}

func histogram(img, content *nn.Tensor[float32], wantGrad bool) (float64, *nn.Tensor[float32], error) {
	if err := checkSameShape(img, content); err != nil {
		return 0, nil, err
	}
	a, th, tw, err := brightness(img)
	if err != nil {
		return 0, nil, err
	}
	b, _, _, err := brightness(content)
	if err != nil {
		return 0, nil, err
	}

	var grad *nn.Tensor[float32]
	if wantGrad {
		grad = nn.NewTensor[float32](img.Shape...)
	}
	if len(a) == 0 {
		return 0, grad, nil
	}

	floats.Sub(a, b)
	loss := floats.Dot(a, a) / float64(len(a))
	if !wantGrad {
		return loss, nil, nil
	}

	// Every pixel of a tile receives 2*diff/T * 1/(255*c*tile^2).
	w, c := img.Shape[1], img.Shape[2]
	scale := 2 / (float64(len(a)) * 255 * float64(c) * HistogramTile * HistogramTile)
	for ty := 0; ty < th; ty++ {
		for tx := 0; tx < tw; tx++ {
			g := float32(a[ty*tw+tx] * scale)
			for y := ty * HistogramTile; y < (ty+1)*HistogramTile; y++ {
				row := grad.Data[(y*w+tx*HistogramTile)*c : (y*w+(tx+1)*HistogramTile)*c]
				for i := range row {
					row[i] = g
				}
			}
		}
	}
	return loss, grad, nil
}

// SmoothnessLoss is the mean, over pixels (i, j) with i, j >= 1, of
// sqrt(sum_c (x[i,j]-x[i,j-1])^2 + (x[i,j]-x[i-1,j])^2).
func SmoothnessLoss(img *nn.Tensor[float32]) (float64, error) {
	loss, _, err := smoothness(img, false)
	return loss, err
}

// SmoothnessLossGrad returns the loss and its gradient. Pixels whose
// neighbourhood norm is zero contribute no gradient.
func SmoothnessLossGrad(img *nn.Tensor[float32]) (float64, *nn.Tensor[float32], error) {
	return smoothness(img, true)
}

func smoothness(img *nn.Tensor[float32], wantGrad bool) (float64, *nn.Tensor[float32], error) {
	h, w, c, err := img.HWC()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	var grad []float64
	if wantGrad {
		grad = make([]float64, len(img.Data))
	}
	if h < 2 || w < 2 {
		if wantGrad {
			return 0, toTensor(grad, img.Shape), nil
		}
		return 0, nil, nil
	}

	count := float64((h - 1) * (w - 1))
	x := img.Data
	sum := 0.0
	for i := 1; i < h; i++ {
		for j := 1; j < w; j++ {
			p := (i*w + j) * c
			left := (i*w + j - 1) * c
			up := ((i-1)*w + j) * c
			sq := 0.0
			for ch := 0; ch < c; ch++ {
				dl := float64(x[p+ch] - x[left+ch])
				du := float64(x[p+ch] - x[up+ch])
				sq += dl*dl + du*du
			}
			norm := math.Sqrt(sq)
			sum += norm
			if !wantGrad || norm == 0 {
				continue
			}
			k := 1 / (count * norm)
			for ch := 0; ch < c; ch++ {
				dl := float64(x[p+ch] - x[left+ch])
				du := float64(x[p+ch] - x[up+ch])
				grad[p+ch] += k * (dl + du)
				grad[left+ch] -= k * dl
				grad[up+ch] -= k * du
			}
		}
	}
	if !wantGrad {
		return sum / count, nil, nil
	}
	return sum / count, toTensor(grad, img.Shape), nil
}
