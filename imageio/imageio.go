// Package imageio converts between image files and [height, width, 3]
// float32 tensors holding RGB values in [0,255].
package imageio

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/openfluke/stylize/nn"
)

// Load decodes an image file and resizes it to width x height.
func Load(path string, width, height int) (*nn.Tensor[float32], error) {
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	return FromImage(Resize(img, width, height)), nil
}

// Decode reads any registered image format (PNG, JPEG, GIF).
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Resize scales img to exactly width x height with Catmull-Rom
// interpolation. Aspect ratio is not preserved.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if b := img.Bounds(); b.Dx() == width && b.Dy() == height {
		draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// FromImage converts img into an HWC tensor. Alpha is dropped.
func FromImage(img image.Image) *nn.Tensor[float32] {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	t := nn.NewTensor[float32](h, w, 3)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			start := rgba.PixOffset(b.Min.X, b.Min.Y+y)
			row := rgba.Pix[start : start+w*4]
			for x := 0; x < w; x++ {
				o := (y*w + x) * 3
				t.Data[o] = float32(row[x*4])
				t.Data[o+1] = float32(row[x*4+1])
				t.Data[o+2] = float32(row[x*4+2])
			}
		}
		return t
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			o := (y*w + x) * 3
			t.Data[o] = float32(c.R)
			t.Data[o+1] = float32(c.G)
			t.Data[o+2] = float32(c.B)
		}
	}
	return t
}

// ToImage converts an HWC tensor with 3 channels into an opaque image,
// rounding and clamping each value into [0,255].
func ToImage(t *nn.Tensor[float32]) (*image.NRGBA, error) {
	h, w, c, err := t.HWC()
	if err != nil {
		return nil, err
	}
	if c != 3 {
		return nil, fmt.Errorf("expected 3 channels, got %d", c)
	}
	if len(t.Data) != h*w*c {
		return nil, fmt.Errorf("tensor data length %d does not match shape %v", len(t.Data), t.Shape)
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*w + x) * 3
			p := img.PixOffset(x, y)
			img.Pix[p] = toByte(t.Data[o])
			img.Pix[p+1] = toByte(t.Data[o+1])
			img.Pix[p+2] = toByte(t.Data[o+2])
			img.Pix[p+3] = 255
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(float64(v)))
}

// SavePNG writes the tensor as a PNG file, creating parent directories.
func SavePNG(path string, t *nn.Tensor[float32]) error {
	img, err := ToImage(t)
	if err != nil {
		return err
	}
	return SaveImage(path, img)
}

// SaveImage encodes img as PNG.
func SaveImage(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return f.Close()
}
