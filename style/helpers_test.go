package style_test

import (
	"math/rand"
	"testing"

	"github.com/openfluke/stylize/nn"
	"github.com/openfluke/stylize/style"
	"github.com/openfluke/stylize/vgg"
	"github.com/stretchr/testify/require"
)

const testSize = 32

func tinyArch() []vgg.LayerSpec {
	return []vgg.LayerSpec{
		vgg.Conv("c1", 4),
		vgg.Pool("p1"),
		vgg.Conv("c2", 6),
		vgg.Pool("p2"),
		vgg.Conv("c3", 8),
	}
}

func tinyExtractor(t testing.TB) *vgg.Extractor {
	t.Helper()
	arch := tinyArch()
	e, err := vgg.New(arch, vgg.RandomWeights(arch, 3, rand.New(rand.NewSource(42))), vgg.DefaultOptions())
	require.NoError(t, err)
	return e
}

func tinyLayers() style.LayerSpec {
	return style.LayerSpec{Names: []string{"c1", "c2", "c3"}, Weights: []float64{0.5, 1, 2}}
}

func tinyConfig() style.Config {
	cfg := style.DefaultConfig()
	cfg.ImageHeight, cfg.ImageWidth = testSize, testSize
	cfg.StyleLayers = tinyLayers()
	cfg.ContentLayer = "c2"
	cfg.Seed = 7
	return cfg
}

func randomImage(seed int64) *nn.Tensor[float32] {
	rng := rand.New(rand.NewSource(seed))
	img := nn.NewTensor[float32](testSize, testSize, 3)
	for i := range img.Data {
		img.Data[i] = float32(rng.Float64() * 255)
	}
	return img
}
