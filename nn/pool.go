package nn

import "fmt"

// MaxPool2DLayer is a max pooling layer with VALID padding: trailing rows
// and columns that do not fill a whole window are dropped.
type MaxPool2DLayer struct {
	PoolSize int
	Stride   int
}

// OutputSize returns the spatial output size for an inH x inW input.
func (l MaxPool2DLayer) OutputSize(inH, inW int) (int, int) {
	if inH < l.PoolSize || inW < l.PoolSize {
		return 0, 0
	}
	return (inH-l.PoolSize)/l.Stride + 1, (inW-l.PoolSize)/l.Stride + 1
}

// MaxPool2DForward pools each channel independently. It returns the output
// and, for every output element, the flat input index that produced it.
func MaxPool2DForward(input *Tensor[float32], layer MaxPool2DLayer) (*Tensor[float32], []int32, error) {
	inH, inW, c, err := input.HWC()
	if err != nil {
		return nil, nil, err
	}
	if layer.PoolSize < 1 || layer.Stride < 1 {
		return nil, nil, fmt.Errorf("maxpool needs positive pool size and stride, got %d/%d", layer.PoolSize, layer.Stride)
	}
	outH, outW := layer.OutputSize(inH, inW)
	if outH < 1 || outW < 1 {
		return nil, nil, fmt.Errorf("maxpool input %dx%d smaller than window %d", inH, inW, layer.PoolSize)
	}

	output := NewTensor[float32](outH, outW, c)
	argmax := make([]int32, output.Size())

	parallelRows(outH, func(start, end int) {
		for oh := start; oh < end; oh++ {
			for ow := 0; ow < outW; ow++ {
				for ch := 0; ch < c; ch++ {
					best := int32(-1)
					var bestVal float32
					for ph := 0; ph < layer.PoolSize; ph++ {
						ih := oh*layer.Stride + ph
						for pw := 0; pw < layer.PoolSize; pw++ {
							iw := ow*layer.Stride + pw
							idx := int32((ih*inW+iw)*c + ch)
							if v := input.Data[idx]; best < 0 || v > bestVal {
								best, bestVal = idx, v
							}
						}
					}
					outIdx := (oh*outW+ow)*c + ch
					output.Data[outIdx] = bestVal
					argmax[outIdx] = best
				}
			}
		}
	})

	return output, argmax, nil
}

// MaxPool2DBackward routes each output gradient to the input element that
// won the forward max.
func MaxPool2DBackward(gradOutput *Tensor[float32], argmax []int32, inputShape []int) (*Tensor[float32], error) {
	if len(argmax) != gradOutput.Size() {
		return nil, fmt.Errorf("maxpool gradient has %d values, argmax has %d", gradOutput.Size(), len(argmax))
	}
	gradInput := NewTensor[float32](inputShape...)
	for i, g := range gradOutput.Data {
		gradInput.Data[argmax[i]] += g
	}
	return gradInput, nil
}
