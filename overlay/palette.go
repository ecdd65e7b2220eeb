package overlay

import (
	"image/color"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/Tutortoise/object-scanner-service/detections"
)

const (
	livingHex = "#00b3ff"
	objectHex = "#00ff88"
)

type Palette struct {
	Living        colorful.Color
	Object        colorful.Color
	Text          color.Color
	HUDBackground color.Color
}

func DefaultPalette() Palette {
	return Palette{
		Living:        mustHex(livingHex),
		Object:        mustHex(objectHex),
		Text:          color.White,
		HUDBackground: color.NRGBA{A: 150},
	}
}

func mustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (p Palette) base(label string) colorful.Color {
	if detections.IsLiving(label) {
		return p.Living
	}
	return p.Object
}

func (p Palette) Stroke(label string) color.Color {
	return toNRGBA(p.base(label), 255)
}

func (p Palette) Glow(label string) color.Color {
	return toNRGBA(p.base(label), 200)
}

// LabelBackground is the stroke color darkened toward black.
func (p Palette) LabelBackground(label string) color.Color {
	return toNRGBA(p.base(label).BlendLab(colorful.Color{}, 0.55).Clamped(), 220)
}

func toNRGBA(c colorful.Color, a uint8) color.NRGBA {
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: a}
}
