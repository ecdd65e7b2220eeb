package detections

import (
	"fmt"
	"math"
	"strings"

	"github.com/Tutortoise/object-scanner-service/models"
)

// FitMode is how the video element fits the source frame, as CSS object-fit.
type FitMode int

const (
	FitContain FitMode = iota
	FitCover
	FitFill
)

func (f FitMode) String() string {
	switch f {
	case FitCover:
		return "cover"
	case FitFill:
		return "fill"
	default:
		return "contain"
	}
}

func ParseFitMode(s string) (FitMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "contain":
		return FitContain, nil
	case "cover":
		return FitCover, nil
	case "fill":
		return FitFill, nil
	}
	return FitContain, fmt.Errorf("unknown fit mode %q", s)
}

// Viewport is the on-screen element the video is rendered into, in CSS pixels.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Fit    FitMode `json:"fit"`
}

// DisplayTransform maps source pixels to viewport CSS pixels.
type DisplayTransform struct {
	ScaleX  float64 `json:"scale_x"`
	ScaleY  float64 `json:"scale_y"`
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
	// Visible rectangle of video content inside the viewport.
	VisibleX1 float64 `json:"visible_x1"`
	VisibleY1 float64 `json:"visible_y1"`
	VisibleX2 float64 `json:"visible_x2"`
	VisibleY2 float64 `json:"visible_y2"`
}

// ComputeDisplay fits a sw×sh source into the viewport.
func ComputeDisplay(sw, sh int, vp Viewport) (DisplayTransform, error) {
	if sw <= 0 || sh <= 0 {
		return DisplayTransform{}, fmt.Errorf("invalid source size %dx%d", sw, sh)
	}
	if vp.Width <= 0 || vp.Height <= 0 {
		return DisplayTransform{}, fmt.Errorf("invalid viewport %gx%g", vp.Width, vp.Height)
	}

	fw, fh := float64(sw), float64(sh)
	var sx, sy float64
	switch vp.Fit {
	case FitFill:
		sx, sy = vp.Width/fw, vp.Height/fh
	case FitCover:
		s := math.Max(vp.Width/fw, vp.Height/fh)
		sx, sy = s, s
	default:
		s := math.Min(vp.Width/fw, vp.Height/fh)
		sx, sy = s, s
	}

	ox := (vp.Width - fw*sx) / 2
	oy := (vp.Height - fh*sy) / 2
	return DisplayTransform{
		ScaleX:    sx,
		ScaleY:    sy,
		OffsetX:   ox,
		OffsetY:   oy,
		VisibleX1: math.Max(0, ox),
		VisibleY1: math.Max(0, oy),
		VisibleX2: math.Min(vp.Width, ox+fw*sx),
		VisibleY2: math.Min(vp.Height, oy+fh*sy),
	}, nil
}

// Mapper composes the inverse letterbox with the display fit.
type Mapper struct {
	Letterbox LetterboxTransform
	Display   DisplayTransform
	// Clip clamps mapped boxes to the visible video rectangle.
	Clip bool
}

func NewMapper(lb LetterboxTransform, vp Viewport, clip bool) (*Mapper, error) {
	display, err := ComputeDisplay(lb.SourceWidth, lb.SourceHeight, vp)
	if err != nil {
		return nil, err
	}
	return &Mapper{Letterbox: lb, Display: display, Clip: clip}, nil
}

// ToSourceBox maps a model-space box into source pixels.
func (m *Mapper) ToSourceBox(b models.Box) models.Box {
	x1, y1 := m.Letterbox.ToSource(float64(b.X1), float64(b.Y1))
	x2, y2 := m.Letterbox.ToSource(float64(b.X2), float64(b.Y2))
	return models.Box{X1: float32(x1), Y1: float32(y1), X2: float32(x2), Y2: float32(y2)}
}

// ToScreen maps a model-space point into viewport CSS pixels.
func (m *Mapper) ToScreen(x, y float64) (float64, float64) {
	sx, sy := m.Letterbox.ToSource(x, y)
	return sx*m.Display.ScaleX + m.Display.OffsetX, sy*m.Display.ScaleY + m.Display.OffsetY
}

func (m *Mapper) MapDetection(d models.Detection) models.ScreenBox {
	x, y := m.ToScreen(float64(d.Box.X1), float64(d.Box.Y1))
	w := m.Letterbox.ToSourceLength(float64(d.Box.Width())) * m.Display.ScaleX
	h := m.Letterbox.ToSourceLength(float64(d.Box.Height())) * m.Display.ScaleY

	if m.Clip {
		x2 := math.Min(x+w, m.Display.VisibleX2)
		y2 := math.Min(y+h, m.Display.VisibleY2)
		x = math.Max(x, m.Display.VisibleX1)
		y = math.Max(y, m.Display.VisibleY1)
		w = math.Max(0, x2-x)
		h = math.Max(0, y2-y)
	}

	return models.ScreenBox{
		X:          x,
		Y:          y,
		W:          w,
		H:          h,
		ClassID:    d.ClassID,
		Label:      d.Label,
		Confidence: d.Confidence,
	}
}

func (m *Mapper) MapDetections(dets []models.Detection) []models.ScreenBox {
	out := make([]models.ScreenBox, 0, len(dets))
	for _, d := range dets {
		sb := m.MapDetection(d)
		if m.Clip && (sb.W <= 0 || sb.H <= 0) {
			continue
		}
		out = append(out, sb)
	}
	return out
}
