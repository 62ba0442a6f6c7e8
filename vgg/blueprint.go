package vgg

// Blueprint contains the structural information of an extractor for a
// given input size.
type Blueprint struct {
	InputShape  []int            `json:"input_shape"`
	TotalLayers int              `json:"total_layers"`
	TotalParams int              `json:"total_parameters"`
	Layers      []LayerTelemetry `json:"layers"`
}

// LayerTelemetry contains metadata about a specific layer
type LayerTelemetry struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Activation string `json:"activation,omitempty"`
	Parameters int    `json:"parameters"`
	Backend    string `json:"backend"`

	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`
}

// Blueprint describes every layer for an h x w RGB input. Layers the input
// is too small to reach are listed without shapes.
func (e *Extractor) Blueprint(h, w int) Blueprint {
	bp := Blueprint{
		InputShape:  []int{h, w, 3},
		TotalLayers: len(e.layers),
		Layers:      make([]LayerTelemetry, 0, len(e.layers)),
	}

	c, valid := 3, h > 0 && w > 0
	for i, l := range e.layers {
		lt := LayerTelemetry{Name: l.spec.Name, Type: l.spec.Kind.String(), Backend: "cpu"}
		if valid {
			lt.InputShape = []int{h, w, c}
		}
		if e.gpu != nil && e.gpu.active(i, h, w) {
			lt.Backend = "gpu"
		}

		if l.conv != nil {
			lt.Activation = l.conv.Activation.String()
			lt.Parameters = l.conv.ParamCount()
			h, w = l.conv.OutputSize(h, w)
			c = l.conv.Filters
		} else {
			h, w = l.pool.OutputSize(h, w)
		}
		valid = valid && h > 0 && w > 0
		if valid {
			lt.OutputShape = []int{h, w, c}
		}

		bp.Layers = append(bp.Layers, lt)
		bp.TotalParams += lt.Parameters
	}
	return bp
}
