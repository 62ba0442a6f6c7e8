package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// Conv2DSpec defines configuration for 2D Convolution layer
type Conv2DSpec struct {
	InChannels    int       // Input channels
	OutChannels   int       // Output channels (filters)
	KernelSize    int       // Kernel size (squared)
	Stride        int       // Stride (default 1)
	Padding       int       // Padding (default 0)
	InputHeight   int       // Input height
	InputWidth    int       // Input width
	Weights       []float32 // [OutChannels * InChannels * KernelSize * KernelSize]
	Bias          []float32 // [OutChannels]
	WorkgroupSize int       // 1D workgroup size (default 256)
}

func (s Conv2DSpec) stride() int {
	if s.Stride < 1 {
		return 1
	}
	return s.Stride
}

func (s Conv2DSpec) workgroup() int {
	if s.WorkgroupSize < 1 {
		return 256
	}
	return s.WorkgroupSize
}

// OutputSize returns the spatial size of the output feature map.
func (s Conv2DSpec) OutputSize() (int, int) {
	h := (s.InputHeight+2*s.Padding-s.KernelSize)/s.stride() + 1
	w := (s.InputWidth+2*s.Padding-s.KernelSize)/s.stride() + 1
	return h, w
}

func (s Conv2DSpec) inputLen() int { return s.InputHeight * s.InputWidth * s.InChannels }

func (s Conv2DSpec) outputLen() int {
	h, w := s.OutputSize()
	return h * w * s.OutChannels
}

// Invocations is the larger of the forward and backward thread counts.
func (s Conv2DSpec) Invocations() int {
	return max(s.inputLen(), s.outputLen())
}

// BufferBytes lists the size of every storage buffer the layer allocates.
func (s Conv2DSpec) BufferBytes() []uint64 {
	in, out := uint64(s.inputLen()*4), uint64(s.outputLen()*4)
	return []uint64{
		in,  // input
		out, // output
		uint64(s.OutChannels * s.InChannels * s.KernelSize * s.KernelSize * 4),
		uint64(s.OutChannels * 4),
		out, // output gradient
		in,  // input gradient
	}
}

// Conv2DLayer holds GPU resources for 2D Convolution
type Conv2DLayer struct {
	Spec Conv2DSpec

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer  *wgpu.Buffer
	OutputBuffer *wgpu.Buffer
	WeightBuffer *wgpu.Buffer
	BiasBuffer   *wgpu.Buffer

	OutputGradientBuffer *wgpu.Buffer
	InputGradientBuffer  *wgpu.Buffer

	bwPipeline  *wgpu.ComputePipeline
	bwBindGroup *wgpu.BindGroup
}

// NewConv2DLayer allocates buffers, uploads weights and compiles both
// pipelines. Call Cleanup to release the device resources.
func NewConv2DLayer(spec Conv2DSpec, label string) (*Conv2DLayer, error) {
	wantWeights := spec.OutChannels * spec.InChannels * spec.KernelSize * spec.KernelSize
	if len(spec.Weights) != wantWeights || len(spec.Bias) != spec.OutChannels {
		return nil, fmt.Errorf("%s: got %d weights and %d biases, want %d and %d",
			label, len(spec.Weights), len(spec.Bias), wantWeights, spec.OutChannels)
	}
	if h, w := spec.OutputSize(); h < 1 || w < 1 {
		return nil, fmt.Errorf("%s: input %dx%d too small for kernel %d", label, spec.InputHeight, spec.InputWidth, spec.KernelSize)
	}

	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	l := &Conv2DLayer{Spec: spec}
	if err := l.allocate(c, label); err != nil {
		l.Cleanup()
		return nil, err
	}
	if err := l.compile(c, label); err != nil {
		l.Cleanup()
		return nil, err
	}
	return l, nil
}

func (l *Conv2DLayer) allocate(c *Context, label string) error {
	var err error
	if l.InputBuffer, err = newStorageBuffer(c, label+"_In", l.Spec.inputLen()); err != nil {
		return err
	}
	if l.OutputBuffer, err = newStorageBuffer(c, label+"_Out", l.Spec.outputLen()); err != nil {
		return err
	}
	if l.OutputGradientBuffer, err = newStorageBuffer(c, label+"_OutGrad", l.Spec.outputLen()); err != nil {
		return err
	}
	if l.InputGradientBuffer, err = newStorageBuffer(c, label+"_InGrad", l.Spec.inputLen()); err != nil {
		return err
	}
	if l.WeightBuffer, err = NewFloatBuffer(l.Spec.Weights, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst); err != nil {
		return err
	}
	l.BiasBuffer, err = NewFloatBuffer(l.Spec.Bias, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	return err
}

func (l *Conv2DLayer) GenerateShader() string {
	outH, outW := l.Spec.OutputSize()

	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read> bias : array<f32>;
		@group(0) @binding(3) var<storage, read_write> output : array<f32>;

		const IN_H: u32 = %du;
		const IN_W: u32 = %du;
		const IN_CH: u32 = %du;
		const OUT_CH: u32 = %du;
		const K: u32 = %du;
		const STRIDE: u32 = %du;
		const PADDING: u32 = %du;
		const OUT_H: u32 = %du;
		const OUT_W: u32 = %du;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			let total = OUT_H * OUT_W * OUT_CH;
			if (idx >= total) { return; }

			// Output layout: [H, W, C]
			let out_c = idx %% OUT_CH;
			let out_w = (idx / OUT_CH) %% OUT_W;
			let out_h = idx / (OUT_CH * OUT_W);

			var sum: f32 = bias[out_c];

			for (var kh: u32 = 0u; kh < K; kh++) {
				for (var kw: u32 = 0u; kw < K; kw++) {
					let in_h_signed = i32(out_h * STRIDE + kh) - i32(PADDING);
					let in_w_signed = i32(out_w * STRIDE + kw) - i32(PADDING);

					if (in_h_signed >= 0 && u32(in_h_signed) < IN_H &&
					    in_w_signed >= 0 && u32(in_w_signed) < IN_W) {
						let in_h = u32(in_h_signed);
						let in_w = u32(in_w_signed);

						for (var in_c: u32 = 0u; in_c < IN_CH; in_c++) {
							// Input: [H, W, C]
							let i_idx = in_h * IN_W * IN_CH + in_w * IN_CH + in_c;
							// Weights: [OUT_CH, IN_CH, K, K]
							let w_idx = out_c * IN_CH * K * K + in_c * K * K + kh * K + kw;
							sum += input[i_idx] * weights[w_idx];
						}
					}
				}
			}

			output[idx] = sum;
		}
	`, l.Spec.InputHeight, l.Spec.InputWidth, l.Spec.InChannels, l.Spec.OutChannels,
		l.Spec.KernelSize, l.Spec.stride(), l.Spec.Padding, outH, outW, l.Spec.workgroup())
}

// GenerateBackwardShader computes dInput by gathering, for each input
// element, the output positions whose window covered it.
func (l *Conv2DLayer) GenerateBackwardShader() string {
	outH, outW := l.Spec.OutputSize()

	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> d_output : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read_write> d_input : array<f32>;

		const IN_H: u32 = %du;
		const IN_W: u32 = %du;
		const IN_CH: u32 = %du;
		const OUT_CH: u32 = %du;
		const K: u32 = %du;
		const STRIDE: i32 = %d;
		const PADDING: i32 = %d;
		const OUT_H: i32 = %d;
		const OUT_W: i32 = %d;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			let in_total = IN_H * IN_W * IN_CH;
			if (idx >= in_total) { return; }

			// Input layout: [H, W, C]
			let in_c = idx %% IN_CH;
			let in_w = (idx / IN_CH) %% IN_W;
			let in_h = idx / (IN_CH * IN_W);

			var grad: f32 = 0.0;

			for (var kh: u32 = 0u; kh < K; kh++) {
				let ohs = i32(in_h) + PADDING - i32(kh);
				if (ohs < 0 || ohs %% STRIDE != 0 || ohs / STRIDE >= OUT_H) { continue; }
				let out_h = u32(ohs / STRIDE);

				for (var kw: u32 = 0u; kw < K; kw++) {
					let ows = i32(in_w) + PADDING - i32(kw);
					if (ows < 0 || ows %% STRIDE != 0 || ows / STRIDE >= OUT_W) { continue; }
					let out_w = u32(ows / STRIDE);

					for (var out_c: u32 = 0u; out_c < OUT_CH; out_c++) {
						// d_output: [OUT_H, OUT_W, OUT_CH]
						let do_idx = (out_h * u32(OUT_W) + out_w) * OUT_CH + out_c;
						// weights: [OUT_CH, IN_CH, K, K]
						let w_idx = out_c * IN_CH * K * K + in_c * K * K + kh * K + kw;
						grad += d_output[do_idx] * weights[w_idx];
					}
				}
			}

			d_input[idx] = grad;
		}
	`, l.Spec.InputHeight, l.Spec.InputWidth, l.Spec.InChannels, l.Spec.OutChannels,
		l.Spec.KernelSize, l.Spec.stride(), l.Spec.Padding, outH, outW, l.Spec.workgroup())
}

func (l *Conv2DLayer) compile(c *Context, label string) error {
	var err error
	if l.pipeline, err = createPipeline(c, label, l.GenerateShader()); err != nil {
		return err
	}
	if l.bwPipeline, err = createPipeline(c, label+"_Bwd", l.GenerateBackwardShader()); err != nil {
		return err
	}

	l.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  label + "_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.BiasBuffer, Size: l.BiasBuffer.GetSize()},
			{Binding: 3, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	if err != nil {
		return err
	}

	l.bwBindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  label + "_BwdBind",
		Layout: l.bwPipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.OutputGradientBuffer, Size: l.OutputGradientBuffer.GetSize()},
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.InputGradientBuffer, Size: l.InputGradientBuffer.GetSize()},
		},
	})
	return err
}

func createPipeline(c *Context, label, code string) (*wgpu.ComputePipeline, error) {
	mod, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", label, err)
	}
	return c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   label + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
}

// run writes src into dst, dispatches one thread per element of the result
// and reads the result buffer back.
func (l *Conv2DLayer) run(src []float32, dst *wgpu.Buffer, pipeline *wgpu.ComputePipeline, bind *wgpu.BindGroup, result *wgpu.Buffer, n int) ([]float32, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	c.Queue.WriteBuffer(dst, 0, wgpu.ToBytes(src))

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bind, nil)
	wg := l.Spec.workgroup()
	pass.DispatchWorkgroups(uint32((n+wg-1)/wg), 1, 1)
	pass.End()

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cmd)
	return ReadBuffer(result, n)
}

// Forward returns the pre-activation output in [H, W, C] layout.
func (l *Conv2DLayer) Forward(input []float32) ([]float32, error) {
	if len(input) != l.Spec.inputLen() {
		return nil, fmt.Errorf("conv2d gpu: input has %d values, want %d", len(input), l.Spec.inputLen())
	}
	return l.run(input, l.InputBuffer, l.pipeline, l.bindGroup, l.OutputBuffer, l.Spec.outputLen())
}

// Backward returns dInput for a gradient with respect to the pre-activation output.
func (l *Conv2DLayer) Backward(gradOutput []float32) ([]float32, error) {
	if len(gradOutput) != l.Spec.outputLen() {
		return nil, fmt.Errorf("conv2d gpu: gradient has %d values, want %d", len(gradOutput), l.Spec.outputLen())
	}
	return l.run(gradOutput, l.OutputGradientBuffer, l.bwPipeline, l.bwBindGroup, l.InputGradientBuffer, l.Spec.inputLen())
}

func (l *Conv2DLayer) Cleanup() {
	bufs := []*wgpu.Buffer{l.InputBuffer, l.OutputBuffer, l.WeightBuffer, l.BiasBuffer, l.OutputGradientBuffer, l.InputGradientBuffer}
	for _, b := range bufs {
		if b != nil {
			b.Destroy()
		}
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
	if l.bwPipeline != nil {
		l.bwPipeline.Release()
	}
	if l.bwBindGroup != nil {
		l.bwBindGroup.Release()
	}
}
