package style

import (
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"time"

	"github.com/openfluke/stylize/nn"
)

// State is a Driver lifecycle stage.
type State int

const (
	StateUninitialized State = iota
	StateConfigured
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Losses is the breakdown of one step's objective. Components are
// unweighted; Total applies the configured weights.
type Losses struct {
	Total       float64   `json:"total"`
	Content     float64   `json:"content"`
	Style       float64   `json:"style"`
	Histogram   float64   `json:"histogram"`
	Smoothness  float64   `json:"smoothness"`
	StyleLayers []float64 `json:"style_layers,omitempty"`
}

func (l Losses) clone() Losses {
	l.StyleLayers = slices.Clone(l.StyleLayers)
	return l
}

// Snapshot is a read-only copy of the driver's progress.
type Snapshot struct {
	Step   int
	Image  *nn.Tensor[float32] // nil before InitializeImage
	Losses Losses
}

// DefaultNoiseMean centres the initial noise on the ImageNet mean pixel.
var DefaultNoiseMean = [3]float32{123.68, 116.779, 103.939}

// noiseAmplitude bounds the uniform noise added around the mean pixel.
const noiseAmplitude = 20

// Option configures a Driver.
type Option func(*Driver)

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

func WithObserver(obs ...Observer) Option {
	return func(d *Driver) { d.observers = append(d.observers, obs...) }
}

// WithOptimizer overrides the optimizer named in the config.
func WithOptimizer(opt nn.Optimizer) Option {
	return func(d *Driver) { d.optimizer = opt }
}

func WithNoiseMean(mean [3]float32) Option {
	return func(d *Driver) { d.noiseMean = mean }
}

// WithRand sets the noise source, overriding Config.Seed.
func WithRand(r *rand.Rand) Option {
	return func(d *Driver) { d.rng = r }
}

// Driver owns the synthesized image and runs the optimization loop.
// It is not safe for concurrent use; Snapshot and Losses return copies that
// may be handed to other goroutines.
type Driver struct {
	cfg       Config
	extractor FeatureExtractor
	logger    *slog.Logger
	observers []Observer
	optimizer nn.Optimizer
	noiseMean [3]float32
	rng       *rand.Rand

	state           State
	content         *nn.Tensor[float32]
	contentFeatures *nn.Tensor[float32]
	source          StyleSource
	layers          []string // content layer, then style layers
	image           *nn.Parameter
	step            int
	losses          Losses
}

// NewDriver validates cfg and prepares a driver in StateUninitialized.
func NewDriver(cfg Config, extractor FeatureExtractor, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if extractor == nil {
		return nil, fmt.Errorf("%w: nil feature extractor", ErrInvalidConfig)
	}
	d := &Driver{
		cfg:       cfg,
		extractor: extractor,
		noiseMean: DefaultNoiseMean,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.optimizer == nil {
		opt, err := nn.NewOptimizer(cfg.Optimizer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		d.optimizer = opt
	}
	if d.rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		d.rng = rand.New(rand.NewSource(seed))
	}
	return d, nil
}

// State returns the current lifecycle stage.
func (d *Driver) State() State { return d.state }

func (d *Driver) setState(s State) {
	d.logger.Debug("driver state", "from", d.state.String(), "to", s.String())
	d.state = s
}

// Configure fixes the content image and style source. It can be called
// once; the content image is copied.
func (d *Driver) Configure(content *nn.Tensor[float32], source StyleSource) error {
	switch d.state {
	case StateStopped:
		return ErrStopped
	case StateUninitialized:
	default:
		return ErrAlreadyConfigured
	}
	if source == nil {
		return fmt.Errorf("%w: nil style source", ErrInvalidConfig)
	}
	want := d.cfg.ImageShape()
	if !slices.Equal(content.Shape, want) {
		return fmt.Errorf("%w: content image %v, configured %v", ErrShapeMismatch, content.Shape, want)
	}
	if s, ok := source.(imageShaper); ok && !slices.Equal(s.ImageShape(), want) {
		return fmt.Errorf("%w: style source built for %v, configured %v", ErrShapeMismatch, s.ImageShape(), want)
	}
	spec := source.Layers()
	if err := spec.Validate(); err != nil {
		return err
	}

	pass, err := d.extractor.Forward(content, []string{d.cfg.ContentLayer})
	if err != nil {
		return fmt.Errorf("content features: %w", err)
	}

	d.content = content.Clone()
	d.contentFeatures = pass.Features()[0].Clone()
	d.source = source
	d.layers = append([]string{d.cfg.ContentLayer}, spec.Names...)
	d.logger.Info("driver configured",
		"size", fmt.Sprintf("%dx%d", d.cfg.ImageWidth, d.cfg.ImageHeight),
		"content_layer", d.cfg.ContentLayer,
		"style_layers", spec.Names,
		"optimizer", d.optimizer.Name())
	d.setState(StateConfigured)
	return nil
}

// InitializeImage sets the synthesized image to a blend of noise and the
// content image: noise*ratio + content*(1-ratio), clipped to [0,255].
// Calling it again restarts the run with fresh optimizer state.
func (d *Driver) InitializeImage(noiseRatio float64) error {
	switch d.state {
	case StateStopped:
		return ErrStopped
	case StateUninitialized:
		return ErrNotConfigured
	}
	if err := validNoiseRatio(noiseRatio); err != nil {
		return err
	}

	r := float32(noiseRatio)
	values := make([]float32, len(d.content.Data))
	for i, c := range d.content.Data {
		noise := d.noiseMean[i%3] + float32(d.rng.Float64()*2*noiseAmplitude-noiseAmplitude)
		values[i] = noise*r + c*(1-r)
	}
	nn.Clip(values, 0, 255)

	d.image = &nn.Parameter{Name: "image", Value: values, Grad: make([]float32, len(values))}
	d.optimizer.Reset()
	d.step = 0
	d.losses = Losses{}
	d.setState(StateRunning)
	return nil
}

// Step runs one forward/backward pass and one optimizer update on the
// synthesized image, then clips it to [0,255].
func (d *Driver) Step() (Losses, error) {
	switch d.state {
	case StateStopped:
		return Losses{}, ErrStopped
	case StateUninitialized:
		return Losses{}, ErrNotConfigured
	case StateConfigured:
		return Losses{}, ErrNotInitialized
	}

	img := nn.NewTensorFromSlice(d.image.Value, d.cfg.ImageShape()...)
	pass, err := d.extractor.Forward(img, d.layers)
	if err != nil {
		return Losses{}, fmt.Errorf("forward: %w", err)
	}
	feats := pass.Features()

	var losses Losses
	grads := make([]*nn.Tensor[float32], len(feats))

	if losses.Content, err = ContentLoss(feats[0], d.contentFeatures); err != nil {
		return Losses{}, fmt.Errorf("content loss: %w", err)
	}
	if d.cfg.Alpha != 0 {
		if grads[0], err = ContentLossGrad(feats[0], d.contentFeatures); err != nil {
			return Losses{}, fmt.Errorf("content loss: %w", err)
		}
		scale(grads[0].Data, d.cfg.Alpha)
	}

	styleLoss, perLayer, styleGrads, err := d.source.StyleLoss(feats[1:])
	if err != nil {
		return Losses{}, fmt.Errorf("style loss: %w", err)
	}
	losses.Style, losses.StyleLayers = styleLoss, perLayer
	if d.cfg.Beta != 0 {
		for i, g := range styleGrads {
			scale(g.Data, d.cfg.Beta)
			grads[i+1] = g
		}
	}

	grad, err := pass.Backward(grads)
	if err != nil {
		return Losses{}, fmt.Errorf("backward: %w", err)
	}

	hist, histGrad, err := HistogramLossGrad(img, d.content)
	if err != nil {
		return Losses{}, fmt.Errorf("histogram loss: %w", err)
	}
	losses.Histogram = hist
	addScaled(grad.Data, histGrad.Data, d.cfg.Gamma)

	if d.cfg.Delta != 0 {
		smooth, smoothGrad, err := SmoothnessLossGrad(img)
		if err != nil {
			return Losses{}, fmt.Errorf("smoothness loss: %w", err)
		}
		losses.Smoothness = smooth
		addScaled(grad.Data, smoothGrad.Data, d.cfg.Delta)
	} else if losses.Smoothness, err = SmoothnessLoss(img); err != nil {
		return Losses{}, fmt.Errorf("smoothness loss: %w", err)
	}

	losses.Total = d.cfg.Alpha*losses.Content + d.cfg.Beta*losses.Style +
		d.cfg.Gamma*losses.Histogram + d.cfg.Delta*losses.Smoothness

	copy(d.image.Grad, grad.Data)
	if err := d.optimizer.Step([]*nn.Parameter{d.image}, float32(d.cfg.LearningRate)); err != nil {
		return Losses{}, fmt.Errorf("optimizer: %w", err)
	}
	nn.Clip(d.image.Value, 0, 255)

	d.step++
	d.losses = losses
	d.logger.Debug("step done", "step", d.step, "total", losses.Total)

	if len(d.observers) > 0 {
		snap := d.Snapshot()
		for _, o := range d.observers {
			o.OnStep(snap)
		}
	}
	return losses.clone(), nil
}

// Stop ends the run. Further Step calls return ErrStopped.
func (d *Driver) Stop() {
	if d.state != StateStopped {
		d.logger.Info("driver stopped", "steps", d.step)
		d.setState(StateStopped)
	}
}

// Snapshot returns copies of the current image and losses.
func (d *Driver) Snapshot() Snapshot {
	s := Snapshot{Step: d.step, Losses: d.losses.clone()}
	if d.image != nil {
		s.Image = nn.NewTensorFromSlice(slices.Clone(d.image.Value), d.cfg.ImageShape()...)
	}
	return s
}

// Losses returns the loss breakdown of the last step.
func (d *Driver) Losses() Losses { return d.losses.clone() }

// Steps is the number of steps since the last InitializeImage.
func (d *Driver) Steps() int { return d.step }

func scale(v []float32, s float64) {
	f := float32(s)
	for i := range v {
		v[i] *= f
	}
}

func addScaled(dst, src []float32, s float64) {
	if s == 0 {
		return
	}
	f := float32(s)
	for i, v := range src {
		dst[i] += f * v
	}
}
