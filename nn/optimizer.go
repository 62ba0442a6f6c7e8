package nn

import (
	"fmt"
	"math"
	"strings"
)

// Parameter is a named trainable value together with its gradient.
// Optimizers only ever see the parameters they are handed; anything not in
// the slice passed to Step (for example extractor weights) stays frozen.
type Parameter struct {
	Name  string
	Value []float32
	Grad  []float32
}

// Optimizer interface defines the contract for all optimizers
type Optimizer interface {
	// Step applies gradients to the given parameters in place
	Step(params []*Parameter, learningRate float32) error

	// Reset clears optimizer state (momentum, etc.)
	Reset()

	// Name returns the optimizer name
	Name() string
}

// NewOptimizer returns an optimizer with default hyperparameters by name:
// "adam", "adamw", "sgd", "momentum" or "rmsprop".
func NewOptimizer(name string) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam", "":
		return NewAdamOptimizerDefault(), nil
	case "adamw":
		return NewAdamOptimizer(0.9, 0.999, 1e-8, 0.01), nil
	case "sgd":
		return NewSGDOptimizer(), nil
	case "momentum":
		return NewSGDOptimizerWithMomentum(0.9, 0, false), nil
	case "rmsprop":
		return NewRMSpropOptimizerDefault(), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

func checkParam(p *Parameter) error {
	if len(p.Grad) != len(p.Value) {
		return fmt.Errorf("parameter %s: gradient has %d values, want %d", p.Name, len(p.Grad), len(p.Value))
	}
	return nil
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

type SGDOptimizer struct {
	momentum   float32
	velocities map[string][]float32 // Momentum buffers
	dampening  float32
	nesterov   bool
}

func NewSGDOptimizer() *SGDOptimizer {
	return &SGDOptimizer{
		velocities: make(map[string][]float32),
	}
}

func NewSGDOptimizerWithMomentum(momentum, dampening float32, nesterov bool) *SGDOptimizer {
	return &SGDOptimizer{
		momentum:   momentum,
		velocities: make(map[string][]float32),
		dampening:  dampening,
		nesterov:   nesterov,
	}
}

func (opt *SGDOptimizer) Step(params []*Parameter, learningRate float32) error {
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}

		// Simple SGD: w = w - lr * grad
		if opt.momentum == 0.0 {
			for j, grad := range p.Grad {
				p.Value[j] -= learningRate * grad
			}
			continue
		}

		vel := opt.velocities[p.Name]
		if vel == nil {
			vel = make([]float32, len(p.Value))
			opt.velocities[p.Name] = vel
		}

		// v = momentum * v + (1 - dampening) * grad
		// w = w - lr * v (or w - lr * (grad + momentum * v) for Nesterov)
		for j, grad := range p.Grad {
			vel[j] = opt.momentum*vel[j] + (1-opt.dampening)*grad
			if opt.nesterov {
				p.Value[j] -= learningRate * (grad + opt.momentum*vel[j])
			} else {
				p.Value[j] -= learningRate * vel[j]
			}
		}
	}
	return nil
}

func (opt *SGDOptimizer) Reset() {
	opt.velocities = make(map[string][]float32)
}

func (opt *SGDOptimizer) Name() string {
	if opt.momentum > 0 {
		if opt.nesterov {
			return "SGD (Nesterov momentum)"
		}
		return "SGD (momentum)"
	}
	return "SGD"
}

// ============================================================================
// Adam Optimizer (with optional decoupled weight decay)
// ============================================================================

type AdamOptimizer struct {
	beta1       float32
	beta2       float32
	epsilon     float32
	weightDecay float32
	step        int

	// First moment estimates (momentum)
	m map[string][]float32

	// Second moment estimates (variance)
	v map[string][]float32
}

func NewAdamOptimizer(beta1, beta2, epsilon, weightDecay float32) *AdamOptimizer {
	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           make(map[string][]float32),
		v:           make(map[string][]float32),
	}
}

// NewAdamOptimizerDefault uses beta1 0.9, beta2 0.999, epsilon 1e-8 and no
// weight decay.
func NewAdamOptimizerDefault() *AdamOptimizer {
	return NewAdamOptimizer(0.9, 0.999, 1e-8, 0)
}

func (opt *AdamOptimizer) Step(params []*Parameter, learningRate float32) error {
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}
	}
	opt.step++

	// Bias correction factors
	biasCorrection1 := 1.0 - float32(math.Pow(float64(opt.beta1), float64(opt.step)))
	biasCorrection2 := 1.0 - float32(math.Pow(float64(opt.beta2), float64(opt.step)))

	for _, p := range params {
		// Initialize moments if needed
		if opt.m[p.Name] == nil {
			opt.m[p.Name] = make([]float32, len(p.Value))
			opt.v[p.Name] = make([]float32, len(p.Value))
		}
		m, v := opt.m[p.Name], opt.v[p.Name]

		for j, grad := range p.Grad {
			// Update biased first and second moment estimates
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*grad*grad

			// Compute bias-corrected moments
			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2

			p.Value[j] -= learningRate * (mHat/(float32(math.Sqrt(float64(vHat)))+opt.epsilon) + opt.weightDecay*p.Value[j])
		}
	}
	return nil
}

func (opt *AdamOptimizer) Reset() {
	opt.step = 0
	opt.m = make(map[string][]float32)
	opt.v = make(map[string][]float32)
}

func (opt *AdamOptimizer) Name() string {
	if opt.weightDecay > 0 {
		return "AdamW"
	}
	return "Adam"
}

// ============================================================================
// RMSprop Optimizer
// ============================================================================

type RMSpropOptimizer struct {
	alpha    float32 // Decay rate
	epsilon  float32
	momentum float32

	// Running average of squared gradients
	v map[string][]float32

	// Momentum buffer (if momentum > 0)
	buf map[string][]float32
}

func NewRMSpropOptimizer(alpha, epsilon, momentum float32) *RMSpropOptimizer {
	return &RMSpropOptimizer{
		alpha:    alpha,
		epsilon:  epsilon,
		momentum: momentum,
		v:        make(map[string][]float32),
		buf:      make(map[string][]float32),
	}
}

func NewRMSpropOptimizerDefault() *RMSpropOptimizer {
	return NewRMSpropOptimizer(0.99, 1e-8, 0.0)
}

func (opt *RMSpropOptimizer) Step(params []*Parameter, learningRate float32) error {
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}

		if opt.v[p.Name] == nil {
			opt.v[p.Name] = make([]float32, len(p.Value))
			if opt.momentum > 0 {
				opt.buf[p.Name] = make([]float32, len(p.Value))
			}
		}
		v, buf := opt.v[p.Name], opt.buf[p.Name]

		for j, grad := range p.Grad {
			// v = alpha * v + (1 - alpha) * grad^2
			v[j] = opt.alpha*v[j] + (1-opt.alpha)*grad*grad
			scaled := grad / float32(math.Sqrt(float64(v[j]+opt.epsilon)))

			if opt.momentum > 0 {
				buf[j] = opt.momentum*buf[j] + scaled
				p.Value[j] -= learningRate * buf[j]
			} else {
				p.Value[j] -= learningRate * scaled
			}
		}
	}
	return nil
}

func (opt *RMSpropOptimizer) Reset() {
	opt.v = make(map[string][]float32)
	opt.buf = make(map[string][]float32)
}

func (opt *RMSpropOptimizer) Name() string {
	if opt.momentum > 0 {
		return "RMSprop (momentum)"
	}
	return "RMSprop"
}
