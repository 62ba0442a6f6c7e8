package style

import "github.com/openfluke/stylize/nn"

// FeatureExtractor is a frozen, pretrained network that maps an image to
// named intermediate feature maps and can backpropagate to the image.
type FeatureExtractor interface {
	// Forward runs img ([h, w, 3], values in [0,255]) and returns a pass
	// whose features follow the order of layers.
	Forward(img *nn.Tensor[float32], layers []string) (Pass, error)

	// OutputShape is the [h, w, c] shape layer produces for an h x w input.
	OutputShape(layer string, h, w int) ([]int, error)
}

// Pass is one forward evaluation with the state needed for its backward.
type Pass interface {
	// Features returns one tensor per requested layer. Callers must not
	// modify them.
	Features() []*nn.Tensor[float32]

	// Backward returns the gradient with respect to the input image given
	// one gradient per requested layer; nil entries contribute nothing.
	Backward(grads []*nn.Tensor[float32]) (*nn.Tensor[float32], error)
}
