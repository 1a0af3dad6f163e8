package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/knights-analytics/fastvlm/util/fileutil"
)

// LoadImageFromPath reads and decodes a JPEG, PNG, GIF or WebP image from a local or remote path.
func LoadImageFromPath(path string) (image.Image, error) {
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// ToRGBABytes flattens img into an interleaved, non-premultiplied RGBA buffer.
func ToRGBABytes(img image.Image) ([]byte, uint32, uint32) {
	bounds := img.Bounds()
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Stride == 4*bounds.Dx() && bounds.Min == (image.Point{}) {
		return nrgba.Pix, uint32(bounds.Dx()), uint32(bounds.Dy())
	}
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return dst.Pix, uint32(bounds.Dx()), uint32(bounds.Dy())
}

// FromRGBABytes wraps an interleaved RGBA buffer of exactly width*height*4 bytes as an image without copying.
func FromRGBABytes(pixels []byte, width, height int) (*image.NRGBA, error) {
	if len(pixels) != width*height*4 {
		return nil, fmt.Errorf("rgba buffer has %d bytes, expected %d", len(pixels), width*height*4)
	}
	return &image.NRGBA{
		Pix:    pixels,
		Stride: 4 * width,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// RGBPreprocessor drops the alpha channel, keeping the stored colour values untouched.
type RGBPreprocessor struct{}

func RGBStep() *RGBPreprocessor {
	return &RGBPreprocessor{}
}

func (s *RGBPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	switch src := img.(type) {
	case *image.NRGBA:
		for y := range bounds.Dy() {
			srcRow := src.Pix[src.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
			dstRow := dst.Pix[y*dst.Stride:]
			for x := range bounds.Dx() {
				i := 4 * x
				dstRow[i] = srcRow[i]
				dstRow[i+1] = srcRow[i+1]
				dstRow[i+2] = srcRow[i+2]
				dstRow[i+3] = 0xff
			}
		}
	default:
		for y := range bounds.Dy() {
			for x := range bounds.Dx() {
				c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
				dst.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
			}
		}
	}
	return dst, nil
}

// LetterboxPreprocessor scales an image to fit inside the target canvas, preserving its aspect ratio,
// and centres it on a black background. Nothing is cropped.
type LetterboxPreprocessor struct {
	targetWidth  int
	targetHeight int
	interpolator draw.Interpolator
}

func LetterboxStep(targetWidth, targetHeight int) *LetterboxPreprocessor {
	return &LetterboxPreprocessor{targetWidth: targetWidth, targetHeight: targetHeight, interpolator: draw.CatmullRom}
}

// LetterboxRect returns the area of a targetWidth x targetHeight canvas that a width x height
// image occupies after letterboxing.
func LetterboxRect(width, height, targetWidth, targetHeight int) image.Rectangle {
	scale := min(float64(targetWidth)/float64(width), float64(targetHeight)/float64(height))
	newW := max(1, min(targetWidth, int(float64(width)*scale)))
	newH := max(1, min(targetHeight, int(float64(height)*scale)))
	x0 := (targetWidth - newW) / 2
	y0 := (targetHeight - newH) / 2
	return image.Rect(x0, y0, x0+newW, y0+newH)
}

func (s *LetterboxPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("cannot letterbox an empty image")
	}
	canvas := image.NewRGBA(image.Rect(0, 0, s.targetWidth, s.targetHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.RGBA{A: 0xff}), image.Point{}, draw.Src)
	target := LetterboxRect(bounds.Dx(), bounds.Dy(), s.targetWidth, s.targetHeight)
	s.interpolator.Scale(canvas, target, img, bounds, draw.Src, nil)
	return canvas, nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

// ToNCHW flattens img into a channel-first [3, H, W] float32 buffer, applying the normalization
// steps in order to every pixel.
func ToNCHW(img image.Image, steps ...NormalizationStep) []float32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	rgba, isRGBA := img.(*image.RGBA)
	for y := range h {
		for x := range w {
			var rf, gf, bf float32
			if isRGBA {
				p := rgba.Pix[rgba.PixOffset(bounds.Min.X+x, bounds.Min.Y+y):]
				rf, gf, bf = float32(p[0]), float32(p[1]), float32(p[2])
			} else {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				rf, gf, bf = float32(r>>8), float32(g>>8), float32(b>>8)
			}
			for _, step := range steps {
				rf, gf, bf = step.Apply(rf, gf, bf)
			}
			i := y*w + x
			out[i] = rf
			out[plane+i] = gf
			out[2*plane+i] = bf
		}
	}
	return out
}
