package detections

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// LetterboxTransform describes how a source frame was fitted into the square
// model input. The same value drives both directions of the mapping.
type LetterboxTransform struct {
	Scale        float64 `json:"scale"`
	PadX         int     `json:"pad_x"`
	PadY         int     `json:"pad_y"`
	ScaledWidth  int     `json:"scaled_width"`
	ScaledHeight int     `json:"scaled_height"`
	SourceWidth  int     `json:"source_width"`
	SourceHeight int     `json:"source_height"`
	Size         int     `json:"size"`
}

// ComputeLetterbox returns the transform that fits a sw×sh frame into n×n.
func ComputeLetterbox(sw, sh, n int) (LetterboxTransform, error) {
	if sw <= 0 || sh <= 0 {
		return LetterboxTransform{}, fmt.Errorf("invalid source size %dx%d", sw, sh)
	}
	if n <= 0 {
		return LetterboxTransform{}, fmt.Errorf("invalid target size %d", n)
	}

	scale := math.Min(float64(n)/float64(sw), float64(n)/float64(sh))
	newW := int(math.Round(float64(sw) * scale))
	newH := int(math.Round(float64(sh) * scale))
	newW = max(1, min(n, newW))
	newH = max(1, min(n, newH))

	return LetterboxTransform{
		Scale:        scale,
		PadX:         (n - newW) / 2,
		PadY:         (n - newH) / 2,
		ScaledWidth:  newW,
		ScaledHeight: newH,
		SourceWidth:  sw,
		SourceHeight: sh,
		Size:         n,
	}, nil
}

// ToModel maps a source-pixel point into model space.
func (t LetterboxTransform) ToModel(x, y float64) (float64, float64) {
	return x*t.Scale + float64(t.PadX), y*t.Scale + float64(t.PadY)
}

// ToSource maps a model-space point back into source pixels.
func (t LetterboxTransform) ToSource(x, y float64) (float64, float64) {
	return (x - float64(t.PadX)) / t.Scale, (y - float64(t.PadY)) / t.Scale
}

// ToSourceLength maps a model-space length back into source pixels.
func (t LetterboxTransform) ToSourceLength(l float64) float64 {
	return l / t.Scale
}

// Letterbox resizes img into an n×n canvas filled with fill, preserving the
// aspect ratio and centering the content.
func Letterbox(img image.Image, n int, fill color.Color) (*image.NRGBA, LetterboxTransform, error) {
	b := img.Bounds()
	t, err := ComputeLetterbox(b.Dx(), b.Dy(), n)
	if err != nil {
		return nil, LetterboxTransform{}, err
	}
	if fill == nil {
		fill = color.Black
	}

	canvas := imaging.New(n, n, fill)
	var scaled image.Image = img
	if t.ScaledWidth != b.Dx() || t.ScaledHeight != b.Dy() {
		scaled = imaging.Resize(img, t.ScaledWidth, t.ScaledHeight, imaging.Linear)
	}
	canvas = imaging.Paste(canvas, scaled, image.Pt(t.PadX, t.PadY))

	return canvas, t, nil
}
