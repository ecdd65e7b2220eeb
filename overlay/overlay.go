// Package overlay draws mapped detections onto a transparent, DPR-aware
// bitmap that sits on top of the rendered video element.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/anthonynsimon/bild/blur"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/Tutortoise/object-scanner-service/detections"
	"github.com/Tutortoise/object-scanner-service/models"
)

var (
	fontOnce sync.Once
	ttf      *truetype.Font
	fontErr  error
)

func loadFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		ttf, fontErr = truetype.Parse(goregular.TTF)
	})
	return ttf, fontErr
}

// Surface is the render target in CSS pixels plus the device pixel ratio.
type Surface struct {
	CSSWidth  float64 `json:"css_width"`
	CSSHeight float64 `json:"css_height"`
	DPR       float64 `json:"dpr"`
}

func (s Surface) Validate() error {
	if s.CSSWidth <= 0 || s.CSSHeight <= 0 {
		return fmt.Errorf("invalid surface %gx%g", s.CSSWidth, s.CSSHeight)
	}
	if s.DPR <= 0 || math.IsNaN(s.DPR) || math.IsInf(s.DPR, 0) {
		return fmt.Errorf("invalid device pixel ratio %g", s.DPR)
	}
	return nil
}

// BitmapSize is the backing store size in device pixels.
func (s Surface) BitmapSize() (int, int) {
	w := int(math.Round(s.CSSWidth * s.DPR))
	h := int(math.Round(s.CSSHeight * s.DPR))
	return max(w, 1), max(h, 1)
}

// Viewport is the mapping target matching this surface.
func (s Surface) Viewport(fit detections.FitMode) detections.Viewport {
	return detections.Viewport{Width: s.CSSWidth, Height: s.CSSHeight, Fit: fit}
}

type Style struct {
	LineWidth float64
	FontSize  float64
	// GlowRadius is the blur radius in device pixels; zero disables the glow.
	GlowRadius  float64
	LabelMargin float64
	LabelPad    float64
	Palette     Palette
}

func DefaultStyle() Style {
	return Style{
		LineWidth:   3,
		FontSize:    14,
		GlowRadius:  6,
		LabelMargin: detections.LabelMarginPx,
		LabelPad:    4,
		Palette:     DefaultPalette(),
	}
}

// Renderer is safe for concurrent use. Font faces hold mutable glyph
// state, so each Render builds its own.
type Renderer struct {
	style Style
}

func NewRenderer(style Style) (*Renderer, error) {
	if _, err := loadFont(); err != nil {
		return nil, fmt.Errorf("failed to parse label font: %w", err)
	}
	if style.LineWidth <= 0 {
		style.LineWidth = 1
	}
	if style.FontSize <= 0 {
		style.FontSize = DefaultStyle().FontSize
	}
	return &Renderer{style: style}, nil
}

func (r *Renderer) Style() Style { return r.style }

// newFace returns a face rasterized at device resolution.
func newFace(size float64) font.Face {
	return truetype.NewFace(ttf, &truetype.Options{Size: size, Hinting: font.HintingFull})
}

// Render draws boxes and HUD lines onto a transparent surface-sized bitmap.
func (r *Renderer) Render(s Surface, boxes []models.ScreenBox, hud []string) (*image.NRGBA, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	bw, bh := s.BitmapSize()
	dc := gg.NewContext(bw, bh)

	if r.style.GlowRadius > 0 && len(boxes) > 0 {
		dc.DrawImage(r.glow(s, boxes), 0, 0)
	}

	// Text is drawn in device space so glyphs stay sharp at high DPR.
	dc.SetFontFace(newFace(r.style.FontSize * s.DPR))
	for _, b := range boxes {
		r.drawBox(dc, s, b)
	}
	if len(hud) > 0 {
		r.drawHUD(dc, s, hud)
	}
	return imaging.Clone(dc.Image()), nil
}

// RenderFrame draws the frame as the video element would show it and the
// overlay on top, for previews.
func (r *Renderer) RenderFrame(s Surface, frame image.Image, display detections.DisplayTransform, boxes []models.ScreenBox, hud []string) (*image.NRGBA, error) {
	over, err := r.Render(s, boxes, hud)
	if err != nil {
		return nil, err
	}
	bw, bh := s.BitmapSize()
	bg := imaging.New(bw, bh, color.Black)

	if frame != nil {
		fw := int(math.Round(float64(frame.Bounds().Dx()) * display.ScaleX * s.DPR))
		fh := int(math.Round(float64(frame.Bounds().Dy()) * display.ScaleY * s.DPR))
		if fw > 0 && fh > 0 {
			scaled := imaging.Resize(frame, fw, fh, imaging.Linear)
			at := image.Pt(int(math.Round(display.OffsetX*s.DPR)), int(math.Round(display.OffsetY*s.DPR)))
			bg = imaging.Paste(bg, scaled, at)
		}
	}
	return imaging.Overlay(bg, over, image.Pt(0, 0), 1), nil
}

func (r *Renderer) glow(s Surface, boxes []models.ScreenBox) image.Image {
	bw, bh := s.BitmapSize()
	g := gg.NewContext(bw, bh)
	g.Scale(s.DPR, s.DPR)
	g.SetLineWidth(r.style.LineWidth * 3)
	for _, b := range boxes {
		g.SetColor(r.style.Palette.Glow(b.Label))
		g.DrawRectangle(b.X, b.Y, b.W, b.H)
		g.Stroke()
	}
	return blur.Gaussian(g.Image(), r.style.GlowRadius)
}

func (r *Renderer) drawBox(dc *gg.Context, s Surface, b models.ScreenBox) {
	dpr := s.DPR
	stroke := r.style.Palette.Stroke(b.Label)

	dc.SetColor(stroke)
	dc.SetLineWidth(r.style.LineWidth * dpr)
	dc.DrawRectangle(b.X*dpr, b.Y*dpr, b.W*dpr, b.H*dpr)
	dc.Stroke()

	text := LabelText(b.Label, b.Confidence)
	tw, th := dc.MeasureString(text)
	pad := r.style.LabelPad * dpr
	lw, lh := tw+2*pad, th+2*pad

	lx, ly := PlaceLabel(b.X*dpr, b.Y*dpr, lw, lh, s.CSSWidth*dpr, s.CSSHeight*dpr, r.style.LabelMargin*dpr)

	dc.SetColor(r.style.Palette.LabelBackground(b.Label))
	dc.DrawRoundedRectangle(lx, ly, lw, lh, 3*dpr)
	dc.Fill()

	dc.SetColor(r.style.Palette.Text)
	dc.DrawStringAnchored(text, lx+pad, ly+lh/2, 0, 0.35)
}

func (r *Renderer) drawHUD(dc *gg.Context, s Surface, lines []string) {
	dpr := s.DPR
	margin := r.style.LabelMargin * dpr
	pad := r.style.LabelPad * dpr
	lineH := dc.FontHeight() * 1.4

	var width float64
	for _, l := range lines {
		w, _ := dc.MeasureString(l)
		width = math.Max(width, w)
	}

	dc.SetColor(r.style.Palette.HUDBackground)
	dc.DrawRoundedRectangle(margin, margin, width+2*pad, float64(len(lines))*lineH+2*pad, 4*dpr)
	dc.Fill()

	dc.SetColor(r.style.Palette.Text)
	for i, l := range lines {
		dc.DrawStringAnchored(l, margin+pad, margin+pad+float64(i)*lineH+lineH/2, 0, 0.35)
	}
}

// LabelText formats "name NN%".
func LabelText(label string, confidence float32) string {
	return fmt.Sprintf("%s %d%%", label, int(math.Round(float64(confidence)*100)))
}

// PlaceLabel positions a w×h label for a box whose top-left corner is (x, y)
// on a surface of sw×sh. The label sits above the box unless that would cross
// the top margin, in which case it moves inside the box. It is clamped to the
// horizontal margins.
func PlaceLabel(x, y, w, h, sw, sh, margin float64) (float64, float64) {
	ly := y - h
	if ly < margin {
		ly = y
	}
	ly = math.Max(margin, math.Min(ly, sh-margin-h))

	lx := math.Max(margin, math.Min(x, sw-margin-w))
	return lx, ly
}
