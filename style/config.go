package style

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/openfluke/stylize/nn"
)

// Config holds every tunable of a style transfer run.
type Config struct {
	ImageHeight int `json:"image_height"`
	ImageWidth  int `json:"image_width"`

	StyleLayers  LayerSpec `json:"style_layers"`
	ContentLayer string    `json:"content_layer"`

	// Loss weights: total = Alpha*content + Beta*style + Gamma*histogram + Delta*smoothness
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
	Delta float64 `json:"delta"`

	LearningRate float64 `json:"learning_rate"`
	NoiseRatio   float64 `json:"noise_ratio"`
	Optimizer    string  `json:"optimizer"`

	// Seed drives the initial noise. Zero picks a time-based seed.
	Seed int64 `json:"seed"`
}

// DefaultConfig returns the stock settings for a 400x300 image.
func DefaultConfig() Config {
	return Config{
		ImageHeight:  300,
		ImageWidth:   400,
		StyleLayers:  DefaultStyleLayers(),
		ContentLayer: "block4_conv2",
		Alpha:        1,
		Beta:         1,
		Gamma:        1,
		Delta:        0,
		LearningRate: 1,
		NoiseRatio:   0.6,
		Optimizer:    "adam",
	}
}

// ImageShape is the [h, w, 3] shape every image in the run must have.
func (c Config) ImageShape() []int {
	return []int{c.ImageHeight, c.ImageWidth, 3}
}

// Validate checks every field; all failures wrap ErrConfig.
func (c Config) Validate() error {
	if c.ImageHeight < 1 || c.ImageWidth < 1 {
		return fmt.Errorf("%w: image size %dx%d", ErrInvalidConfig, c.ImageWidth, c.ImageHeight)
	}
	if err := c.StyleLayers.Validate(); err != nil {
		return err
	}
	if c.ContentLayer == "" {
		return fmt.Errorf("%w: content layer is empty", ErrInvalidConfig)
	}
	for name, w := range map[string]float64{"alpha": c.Alpha, "beta": c.Beta, "gamma": c.Gamma, "delta": c.Delta} {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: %s must be a finite non-negative number, got %v", ErrInvalidConfig, name, w)
		}
	}
	if !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0) {
		return fmt.Errorf("%w: learning rate must be positive, got %v", ErrInvalidConfig, c.LearningRate)
	}
	if err := validNoiseRatio(c.NoiseRatio); err != nil {
		return err
	}
	if _, err := nn.NewOptimizer(c.Optimizer); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func validNoiseRatio(r float64) error {
	if !(r >= 0 && r <= 1) {
		return fmt.Errorf("%w: noise ratio must be in [0,1], got %v", ErrInvalidConfig, r)
	}
	return nil
}

// LoadConfig reads a JSON file over DefaultConfig and validates the result.
// Unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, cfg.Validate()
}
