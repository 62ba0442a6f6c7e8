package checkpoint

import (
	"errors"
	"image"
	"image/color"
	"math"
	"slices"

	"github.com/cenkalti/dominantcolor"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
)

// PaletteMethod selects how the summary palette is extracted.
type PaletteMethod int

const (
	PaletteDominant PaletteMethod = iota
	PaletteKMeans
)

func (m PaletteMethod) String() string {
	if m == PaletteKMeans {
		return "kmeans"
	}
	return "dominantcolor"
}

// ParsePaletteMethod maps a flag value onto a PaletteMethod.
func ParsePaletteMethod(s string) (PaletteMethod, error) {
	switch s {
	case "", "dominantcolor", "dominant":
		return PaletteDominant, nil
	case "kmeans":
		return PaletteKMeans, nil
	}
	return PaletteDominant, errors.New("unknown palette method " + s)
}

// Swatch is a palette colour with its share of the image.
type Swatch struct {
	Color  colorful.Color
	Weight float64
}

// maxKMeansSamples bounds the pixels fed to kmeans.
const maxKMeansSamples = 8000

// minLabDistance is how far apart two palette entries must be in Lab space.
const minLabDistance = 0.06

// ExtractPalette returns up to k distinct colours of img, ordered from
// darkest to brightest. The kmeans method falls back to dominantcolor when
// clustering produces nothing.
func ExtractPalette(img image.Image, k int, method PaletteMethod) []colorful.Color {
	if k <= 0 {
		return nil
	}
	var swatches []Swatch
	if method == PaletteKMeans {
		swatches = kmeansSwatches(img, k)
	}
	if len(swatches) == 0 {
		swatches = dominantSwatches(img, k)
	}
	palette := distinct(swatches, k)
	SortByBrightness(palette)
	return palette
}

func dominantSwatches(img image.Image, k int) []Swatch {
	found := dominantcolor.FindWeight(img, max(k*4, 16))
	out := make([]Swatch, 0, len(found))
	for _, c := range found {
		col, ok := colorful.MakeColor(c.RGBA)
		if !ok {
			continue
		}
		out = append(out, Swatch{Color: col.Clamped(), Weight: c.Weight})
	}
	if len(out) == 0 {
		out = append(out, Swatch{Color: colorful.Color{R: 0.5, G: 0.5, B: 0.5}, Weight: 1})
	}
	return out
}

func kmeansSwatches(img image.Image, k int) []Swatch {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return nil
	}
	stride := 1
	if n > maxKMeansSamples {
		stride = int(math.Ceil(math.Sqrt(float64(n) / maxKMeansSamples)))
	}

	var obs clusters.Observations
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if c.A == 0 {
				continue
			}
			obs = append(obs, clusters.Coordinates{
				float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255,
			})
		}
	}
	if len(obs) == 0 {
		return nil
	}

	cc, err := kmeans.New().Partition(obs, min(k*2, len(obs)))
	if err != nil {
		return nil
	}
	out := make([]Swatch, 0, len(cc))
	for _, c := range cc {
		if len(c.Observations) == 0 || len(c.Center) < 3 {
			continue
		}
		col := colorful.Color{R: c.Center[0], G: c.Center[1], B: c.Center[2]}.Clamped()
		out = append(out, Swatch{Color: col, Weight: float64(len(c.Observations)) / float64(len(obs))})
	}
	return out
}

// distinct keeps the heaviest swatches, skipping any that sit too close to
// one already chosen.
func distinct(swatches []Swatch, k int) []colorful.Color {
	sorted := slices.Clone(swatches)
	slices.SortStableFunc(sorted, func(a, b Swatch) int {
		switch {
		case a.Weight > b.Weight:
			return -1
		case a.Weight < b.Weight:
			return 1
		}
		return 0
	})

	out := make([]colorful.Color, 0, k)
	for _, s := range sorted {
		if len(out) == k {
			break
		}
		if slices.ContainsFunc(out, func(c colorful.Color) bool {
			return c.DistanceLab(s.Color) < minLabDistance
		}) {
			continue
		}
		out = append(out, s.Color)
	}
	return out
}

// SortByBrightness orders colours by relative luminance, darkest first.
func SortByBrightness(palette []colorful.Color) {
	slices.SortStableFunc(palette, func(a, b colorful.Color) int {
		la, lb := luminance(a), luminance(b)
		switch {
		case la < lb:
			return -1
		case la > lb:
			return 1
		}
		return 0
	})
}

func luminance(c colorful.Color) float64 {
	r, g, b := c.LinearRgb()
	return 0.2126*r + 0.7152*g + 0.0722*b
}

// PaletteImage renders the palette as a strip of square tiles.
func PaletteImage(palette []colorful.Color, tile int) (*image.RGBA, error) {
	if len(palette) == 0 {
		return nil, errors.New("empty palette")
	}
	if tile <= 0 {
		tile = 64
	}
	img := image.NewRGBA(image.Rect(0, 0, tile*len(palette), tile))
	for i, c := range palette {
		r, g, b := c.Clamped().RGB255()
		fill := color.RGBA{R: r, G: g, B: b, A: 255}
		for y := 0; y < tile; y++ {
			for x := i * tile; x < (i+1)*tile; x++ {
				img.SetRGBA(x, y, fill)
			}
		}
	}
	return img, nil
}
