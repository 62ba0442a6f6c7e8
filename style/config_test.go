package style

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []int{300, 400, 3}, cfg.ImageShape())
	assert.Equal(t, "block4_conv2", cfg.ContentLayer)
	assert.Equal(t, []float64{0.5, 1, 1.5, 3, 4}, cfg.StyleLayers.Weights)
	assert.Equal(t, 0.6, cfg.NoiseRatio)
	assert.Equal(t, 1.0, cfg.LearningRate)
	assert.Zero(t, cfg.Delta)
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   error
	}{
		"layer weight mismatch": {func(c *Config) { c.StyleLayers.Weights = c.StyleLayers.Weights[:3] }, ErrLayerWeightMismatch},
		"duplicate layer":       {func(c *Config) { c.StyleLayers.Names[1] = c.StyleLayers.Names[0] }, ErrInvalidConfig},
		"no layers":             {func(c *Config) { c.StyleLayers = LayerSpec{} }, ErrInvalidConfig},
		"zero height":           {func(c *Config) { c.ImageHeight = 0 }, ErrInvalidConfig},
		"negative beta":         {func(c *Config) { c.Beta = -1 }, ErrInvalidConfig},
		"zero learning rate":    {func(c *Config) { c.LearningRate = 0 }, ErrInvalidConfig},
		"noise ratio above 1":   {func(c *Config) { c.NoiseRatio = 1.5 }, ErrInvalidConfig},
		"unknown optimizer":     {func(c *Config) { c.Optimizer = "newton" }, ErrInvalidConfig},
		"no content layer":      {func(c *Config) { c.ContentLayer = "" }, ErrInvalidConfig},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, errors.Is(err, ErrConfig))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"image_width": 200,
		"style_layers": {"names": ["block1_conv1", "block2_conv1"], "weights": [1, 2]},
		"gamma": 0,
		"optimizer": "sgd"
	}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.ImageWidth)
	assert.Equal(t, 300, cfg.ImageHeight, "default kept")
	assert.Equal(t, []string{"block1_conv1", "block2_conv1"}, cfg.StyleLayers.Names)
	assert.Zero(t, cfg.Gamma)
	assert.Equal(t, "sgd", cfg.Optimizer)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"style_layers": {"names": ["a"], "weights": [1, 2]}}`), 0o644))
	_, err = LoadConfig(bad)
	assert.ErrorIs(t, err, ErrLayerWeightMismatch)

	unknown := filepath.Join(dir, "unknown.json")
	require.NoError(t, os.WriteFile(unknown, []byte(`{"colour": "blue"}`), 0o644))
	_, err = LoadConfig(unknown)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
