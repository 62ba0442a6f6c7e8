// Package nn provides the numeric building blocks used by the style transfer
// pipeline: HWC tensors, 2D convolution and max pooling with input-gradient
// backpropagation, activation functions, first-order optimizers over explicit
// parameter groups, and safetensors reading/writing.
//
// Layers here are frozen feature extractors: backward passes compute the
// gradient with respect to the layer input only. Weights are never updated
// by this package; the only trainable values are the ones a caller hands to
// an Optimizer as a Parameter.
//
// Example usage:
//
//	conv := nn.InitConv2DLayer(3, 3, 1, 1, 64, nn.ActivationReLU)
//	pre, post, _ := nn.Conv2DForward(input, conv)
//	gradInput, _ := nn.Conv2DBackwardInput(gradPost, pre, input.Shape, conv)
package nn
