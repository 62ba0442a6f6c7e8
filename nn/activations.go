package nn

import (
	"math"
)

// leakySlope is the negative-side slope of ActivationLeakyReLU.
var leakySlope = 0.1

// ActivationType defines the activation function applied after a layer
type ActivationType int

const (
	ActivationLinear    ActivationType = 0 // v
	ActivationReLU      ActivationType = 1 // max(0, v)
	ActivationLeakyReLU ActivationType = 2 // v if v >= 0, else v * 0.1
	ActivationSigmoid   ActivationType = 3 // 1 / (1 + exp(-v))
	ActivationTanh      ActivationType = 4 // tanh(v)
)

// String returns the activation name used in blueprints and logs.
func (a ActivationType) String() string {
	switch a {
	case ActivationLinear:
		return "linear"
	case ActivationReLU:
		return "relu"
	case ActivationLeakyReLU:
		return "leaky_relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	default:
		return "unknown"
	}
}

// Activate applies the activation function to a single value.
func Activate[T Numeric](v T, activation ActivationType) T {
	switch activation {
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	case ActivationLeakyReLU:
		if v < 0 {
			return T(float64(v) * leakySlope)
		}
		return v
	case ActivationSigmoid:
		return T(1.0 / (1.0 + math.Exp(-float64(v))))
	case ActivationTanh:
		return T(math.Tanh(float64(v)))
	default:
		return v
	}
}

// ActivateDerivative computes the derivative of the activation function.
// Note: This computes the derivative with respect to the PRE-activation value
func ActivateDerivative[T Numeric](preActivation T, activation ActivationType) T {
	switch activation {
	case ActivationReLU:
		// d/dv max(0, v) = 1 if v > 0, else 0
		if preActivation > 0 {
			return 1
		}
		return 0
	case ActivationLeakyReLU:
		if preActivation >= 0 {
			return 1
		}
		return T(leakySlope)
	case ActivationSigmoid:
		// d/dv (1/(1+e^-v)) = sigmoid(v) * (1 - sigmoid(v))
		sig := 1.0 / (1.0 + math.Exp(-float64(preActivation)))
		return T(sig * (1.0 - sig))
	case ActivationTanh:
		// d/dv tanh(v) = 1 - tanh^2(v)
		t := math.Tanh(float64(preActivation))
		return T(1.0 - t*t)
	default:
		return 1
	}
}

// activateCPU is the float32 fast path used by the conv kernels
func activateCPU(v float32, activation ActivationType) float32 {
	if activation == ActivationReLU {
		if v < 0 {
			return 0
		}
		return v
	}
	return Activate(v, activation)
}

// activateDerivativeCPU is the float32 fast path used by the conv kernels
func activateDerivativeCPU(preActivation float32, activation ActivationType) float32 {
	if activation == ActivationReLU {
		if preActivation > 0 {
			return 1
		}
		return 0
	}
	return ActivateDerivative(preActivation, activation)
}
