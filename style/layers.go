package style

import (
	"fmt"
	"math"

	"github.com/samber/lo"
)

// LayerSpec names the extractor layers used for style and gives each a
// weight. Weights are positional: Weights[i] applies to Names[i].
type LayerSpec struct {
	Names   []string  `json:"names"`
	Weights []float64 `json:"weights"`
}

// DefaultStyleLayers returns block1_conv1 through block5_conv1 weighted
// 0.5, 1, 1.5, 3, 4.
func DefaultStyleLayers() LayerSpec {
	return LayerSpec{
		Names:   []string{"block1_conv1", "block2_conv1", "block3_conv1", "block4_conv1", "block5_conv1"},
		Weights: []float64{0.5, 1.0, 1.5, 3.0, 4.0},
	}
}

// Validate reports ErrLayerWeightMismatch for differing lengths and
// ErrInvalidConfig for empty, duplicate or unnamed layers and non-finite
// weights.
func (s LayerSpec) Validate() error {
	if len(s.Names) != len(s.Weights) {
		return fmt.Errorf("%w: %d layers, %d weights", ErrLayerWeightMismatch, len(s.Names), len(s.Weights))
	}
	if len(s.Names) == 0 {
		return fmt.Errorf("%w: no style layers", ErrInvalidConfig)
	}
	if lo.Contains(s.Names, "") {
		return fmt.Errorf("%w: empty style layer name", ErrInvalidConfig)
	}
	if dups := lo.FindDuplicates(s.Names); len(dups) > 0 {
		return fmt.Errorf("%w: duplicate style layers %v", ErrInvalidConfig, dups)
	}
	for i, w := range s.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: weight %v for layer %s", ErrInvalidConfig, w, s.Names[i])
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s LayerSpec) Clone() LayerSpec {
	return LayerSpec{Names: append([]string(nil), s.Names...), Weights: append([]float64(nil), s.Weights...)}
}
