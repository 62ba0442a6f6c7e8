package imageio

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/stylize/nn"
)

func checker(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 200, G: 10, B: 90, A: 255}
			if (x+y)%2 == 1 {
				c = color.NRGBA{R: 5, G: 250, B: 60, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestFromImageLayout(t *testing.T) {
	ten := FromImage(checker(3, 2))
	assert.Equal(t, []int{2, 3, 3}, ten.Shape)
	assert.Equal(t, []float32{200, 10, 90}, ten.Data[0:3])
	// pixel (x=1, y=0)
	assert.Equal(t, []float32{5, 250, 60}, ten.Data[3:6])
	// pixel (x=0, y=1)
	assert.Equal(t, []float32{5, 250, 60}, ten.Data[9:12])
}

func TestFromImageRGBAMatchesGeneric(t *testing.T) {
	src := checker(4, 5)
	rgba := image.NewRGBA(src.Bounds())
	for y := 0; y < 5; y++ {
		for x := 0; x < 4; x++ {
			rgba.Set(x, y, src.At(x, y))
		}
	}
	assert.Equal(t, FromImage(src).Data, FromImage(rgba).Data)
}

func TestToImageClampsAndRounds(t *testing.T) {
	ten := nn.NewTensorFromSlice([]float32{-10, 127.6, 300, 0, 0, 0}, 1, 2, 3)
	img, err := ToImage(ten)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0, G: 128, B: 255, A: 255}, img.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{A: 255}, img.NRGBAAt(1, 0))
}

func TestToImageRejectsBadShapes(t *testing.T) {
	_, err := ToImage(nn.NewTensor[float32](2, 2, 4))
	assert.Error(t, err)
	_, err = ToImage(nn.NewTensor[float32](4, 3))
	assert.Error(t, err)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.png")
	want := FromImage(checker(6, 4))
	require.NoError(t, SavePNG(path, want))

	got, err := Load(path, 6, 4)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestLoadResizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jpg")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, checker(40, 30), nil))
	require.NoError(t, f.Close())

	got, err := Load(path, 8, 12)
	require.NoError(t, err)
	assert.Equal(t, []int{12, 8, 3}, got.Shape)
	for _, v := range got.Data {
		assert.True(t, v >= 0 && v <= 255)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.png"), 4, 4)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))
	_, err = Load(bad, 4, 4)
	assert.Error(t, err)
}
