package imageutil

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidNRGBA(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestLetterboxRectPreservesAspectRatio(t *testing.T) {
	sizes := [][2]int{{1920, 1080}, {1080, 1920}, {300, 101}, {1, 1}, {4000, 3}, {1024, 1024}, {513, 777}}
	for _, size := range sizes {
		w, h := size[0], size[1]
		rect := LetterboxRect(w, h, 1024, 1024)
		assert.True(t, rect.In(image.Rect(0, 0, 1024, 1024)), "letterbox %v escapes the canvas for %dx%d", rect, w, h)

		left, right := rect.Min.X, 1024-rect.Max.X
		top, bottom := rect.Min.Y, 1024-rect.Max.Y
		assert.LessOrEqual(t, math.Abs(float64(left-right)), 1.0, "horizontal padding not symmetric for %dx%d", w, h)
		assert.LessOrEqual(t, math.Abs(float64(top-bottom)), 1.0, "vertical padding not symmetric for %dx%d", w, h)

		// one side always touches the canvas edge
		assert.True(t, rect.Dx() == 1024 || rect.Dy() == 1024 || rect.Dx() >= 1023 || rect.Dy() >= 1023)

		if rect.Dx() > 10 && rect.Dy() > 10 {
			original := float64(w) / float64(h)
			resized := float64(rect.Dx()) / float64(rect.Dy())
			assert.InDelta(t, original, resized, original*0.02, "aspect ratio changed for %dx%d", w, h)
		}
	}
}

func TestLetterboxStepOutputShape(t *testing.T) {
	for _, size := range [][2]int{{200, 100}, {100, 200}, {33, 17}, {64, 64}, {7, 300}} {
		img := solidNRGBA(size[0], size[1], color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		out, err := LetterboxStep(64, 64).Apply(img)
		require.NoError(t, err)
		assert.Equal(t, 64, out.Bounds().Dx())
		assert.Equal(t, 64, out.Bounds().Dy())
	}
}

func TestLetterboxStepPadsWithBlack(t *testing.T) {
	img := solidNRGBA(200, 100, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	out, err := LetterboxStep(64, 64).Apply(img)
	require.NoError(t, err)

	// 200x100 scaled into 64x64 is 64x32, centred with 16 rows of padding above and below
	r, g, b, _ := out.At(32, 2).RGBA()
	assert.Equal(t, []uint32{0, 0, 0}, []uint32{r >> 8, g >> 8, b >> 8})
	r, g, b, _ = out.At(32, 61).RGBA()
	assert.Equal(t, []uint32{0, 0, 0}, []uint32{r >> 8, g >> 8, b >> 8})
	r, g, b, _ = out.At(32, 32).RGBA()
	assert.Equal(t, []uint32{255, 255, 255}, []uint32{r >> 8, g >> 8, b >> 8})
}

func TestLetterboxStepRejectsEmptyImage(t *testing.T) {
	_, err := LetterboxStep(64, 64).Apply(image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	assert.Error(t, err)
}

func TestRGBStepDropsAlpha(t *testing.T) {
	img := solidNRGBA(2, 2, color.NRGBA{R: 200, G: 100, B: 50, A: 0})
	out, err := RGBStep().Apply(img)
	require.NoError(t, err)
	r, g, b, a := out.At(1, 1).RGBA()
	assert.Equal(t, []uint32{200, 100, 50, 255}, []uint32{r >> 8, g >> 8, b >> 8, a >> 8})
}

func TestToNCHWRescale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	img.SetRGBA(1, 0, color.RGBA{R: 0, G: 255, B: 102, A: 255})

	tensor := ToNCHW(img, RescaleStep(), PixelNormalizationStep([3]float32{0, 0, 0}, [3]float32{1, 1, 1}))
	require.Len(t, tensor, 6)
	expected := []float32{1, 0, 0, 1, 0.2, 0.4}
	for i := range expected {
		assert.InDelta(t, expected[i], tensor[i], 1e-6)
	}
}

func TestRGBABytesRoundTrip(t *testing.T) {
	img := solidNRGBA(3, 2, color.NRGBA{R: 1, G: 2, B: 3, A: 4})
	pixels, w, h := ToRGBABytes(img)
	assert.Equal(t, uint32(3), w)
	assert.Equal(t, uint32(2), h)
	assert.Len(t, pixels, 24)

	back, err := FromRGBABytes(pixels, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 1, G: 2, B: 3, A: 4}, back.NRGBAAt(2, 1))

	_, err = FromRGBABytes(pixels[:20], 3, 2)
	assert.Error(t, err)
}
