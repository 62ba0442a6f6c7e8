package gpu

// Layer is a frozen GPU layer: it computes its output and the gradient with
// respect to its input. Implementations are not safe for concurrent use.
type Layer interface {
	// Forward uploads input and returns the pre-activation output.
	Forward(input []float32) ([]float32, error)

	// Backward takes the gradient with respect to the pre-activation output
	// and returns the gradient with respect to the input.
	Backward(gradOutput []float32) ([]float32, error)

	Cleanup()
}

var _ Layer = (*Conv2DLayer)(nil)
